// Package storage defines the durable entities and the Store interface the
// hub and gateway persist through. The pg subpackage implements it against
// PostgreSQL.
package storage

import "time"

// User is an account holder. Passwords are stored as bcrypt hashes.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	DisplayName  string
	AuthProvider string
	FirebaseUID  string
	SettingsJSON string
	CreatedAt    time.Time
}

// PairingToken is a long-lived secret that lets a plugin authenticate as a
// user without an interactive login. Soft-delete only: RevokedAt marks the
// token invalid but the audit fields are never erased.
type PairingToken struct {
	ID              string
	UserID          string
	Token           string
	Label           string
	LastConnectedAt *time.Time
	LastIP          string
	ConnectionCount int
	RevokedAt       *time.Time
	CreatedAt       time.Time
}

// Valid reports whether the token may still be used for pairing.
func (t *PairingToken) Valid() bool { return t.RevokedAt == nil }

// Channel groups sessions and tasks for a user.
type Channel struct {
	ID              string
	UserID          string
	Name            string
	Description     string
	OpenclawAgentID string
	CreatedAt       time.Time
}

// Session is one conversation. SessionKey is globally unique within a user
// and is the stable identifier the plugin echoes back.
type Session struct {
	ID         string
	ChannelID  string
	Name       string
	SessionKey string
}

// Message is one persisted chat message. Text may be ciphertext; the store
// treats it as opaque bytes either way. ThreadID, when set, references the
// root message of the reply thread this message belongs to.
type Message struct {
	ID         string
	SessionKey string
	Sender     string // "user" or "agent"
	Text       string
	MediaURL   string
	A2UI       string
	ThreadID   string
	Encrypted  bool
	Timestamp  int64 // epoch milliseconds
}

// MessagePage is the result of a history read: messages in ascending
// timestamp order plus, for base sessions, per-root-message thread counts.
type MessagePage struct {
	Messages    []Message
	ReplyCounts map[string]int
}

// Task is background-task metadata. Schedule, instructions, and model live
// in the plugin; the cloud side only tracks identity and linkage.
type Task struct {
	ID                string
	ChannelID         string
	Name              string
	Kind              string // "adhoc" or "background"
	OpenclawCronJobID string
	SessionKey        string
	Enabled           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Job is one execution of a task. Status moves running -> ok|error|skipped;
// terminal states are write-once and freeze the summary.
type Job struct {
	ID         string
	TaskID     string
	UserID     string
	SessionKey string
	Status     string
	StartedAt  int64 // epoch milliseconds
	FinishedAt int64 // epoch milliseconds, zero while running
	DurationMs int64
	Summary    string
}

// TerminalJobStatus reports whether status is one of the write-once
// terminal values.
func TerminalJobStatus(status string) bool {
	switch status {
	case "ok", "error", "skipped":
		return true
	}
	return false
}
