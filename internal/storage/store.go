package storage

import (
	"context"
	"time"
)

// Store is the durable persistence boundary. All operations are single-row
// or single-small-transaction; there are no cross-entity transactions.
//
// Error contract: missing entities return errors.ErrNotFound, revoked
// pairing tokens errors.ErrRevoked, and invariant violations
// errors.ErrStateConflict, all wrapped with %w.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUser(ctx context.Context, userID string) (*User, error)
	DeleteUser(ctx context.Context, userID string) error

	// Pairing tokens
	CreatePairingToken(ctx context.Context, token *PairingToken) error
	ListPairingTokens(ctx context.Context, userID string) ([]PairingToken, error)
	RevokePairingToken(ctx context.Context, userID, tokenID string) error
	// ResolvePairingToken validates the opaque secret and returns the owning
	// user and token ids.
	ResolvePairingToken(ctx context.Context, token string) (userID, tokenID string, err error)
	// RecordPairingUse updates the audit fields for one connection attempt:
	// last_connected_at, last_ip, and connection_count += 1.
	RecordPairingUse(ctx context.Context, tokenID, ip string) error

	// Channels and sessions
	CreateChannel(ctx context.Context, channel *Channel) error
	ListChannels(ctx context.Context, userID string) ([]Channel, error)
	GetChannel(ctx context.Context, userID, channelID string) (*Channel, error)
	UpdateChannel(ctx context.Context, channel *Channel) error
	DeleteChannel(ctx context.Context, userID, channelID string) error
	// EnsureDefaultChannel creates the "General" channel with one session on
	// first plugin attach for a user with no channels. Idempotent.
	EnsureDefaultChannel(ctx context.Context, userID string) (*Channel, error)
	CreateSession(ctx context.Context, session *Session) error
	ListSessions(ctx context.Context, channelID string) ([]Session, error)
	GetSessionByKey(ctx context.Context, sessionKey string) (*Session, error)
	// DeleteSession removes one of the user's sessions; a foreign sessionID
	// is ErrNotFound. Deleting the last session in a channel fails with
	// ErrStateConflict.
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// Messages
	// AppendMessage persists one message. For thread messages (sessionKey of
	// the form base:thread:msgId) the thread root must exist in the base
	// session, otherwise ErrNotFound.
	AppendMessage(ctx context.Context, msg *Message) error
	// ListMessages returns up to limit messages ascending by timestamp with
	// ties broken by id; when exceeded, the oldest entries are truncated.
	// For base sessions ReplyCounts summarizes thread message counts.
	ListMessages(ctx context.Context, sessionKey, threadID string, limit int) (*MessagePage, error)

	// Tasks and jobs
	CreateTask(ctx context.Context, task *Task) error
	ListTasks(ctx context.Context, channelID string) ([]Task, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	DeleteTask(ctx context.Context, taskID string) error
	// UpsertJob creates on first running, replaces on terminal, and fails
	// with ErrStateConflict when a terminal row would be overwritten.
	UpsertJob(ctx context.Context, job *Job) error
	// ListJobsByTask returns jobs ordered by started_at descending.
	ListJobsByTask(ctx context.Context, taskID string, limit int) ([]Job, error)

	// Retention
	SweepOldMessages(ctx context.Context, maxAge time.Duration) (int64, error)
	SweepOldJobs(ctx context.Context, maxAge time.Duration) (int64, error)
}
