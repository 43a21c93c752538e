package pg

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/storage"
)

// CreateChannel inserts a channel row.
func (s *Store) CreateChannel(ctx context.Context, channel *storage.Channel) error {
	query := `
		INSERT INTO channels (id, user_id, name, description, openclaw_agent_id)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.db.ExecContext(ctx, query,
		channel.ID, channel.UserID, channel.Name, channel.Description, channel.OpenclawAgentID)
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}

	s.logger.Info("channel created",
		slog.String("user_id", channel.UserID),
		slog.String("channel_id", channel.ID),
		slog.String("name", channel.Name))
	return nil
}

// ListChannels returns all channels owned by a user, oldest first.
func (s *Store) ListChannels(ctx context.Context, userID string) ([]storage.Channel, error) {
	query := `
		SELECT id, user_id, name, description, openclaw_agent_id, created_at
		FROM channels
		WHERE user_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []storage.Channel
	for rows.Next() {
		var ch storage.Channel
		if err := rows.Scan(&ch.ID, &ch.UserID, &ch.Name, &ch.Description,
			&ch.OpenclawAgentID, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channels: %w", err)
	}
	return channels, nil
}

// GetChannel looks up a channel by owner and id.
func (s *Store) GetChannel(ctx context.Context, userID, channelID string) (*storage.Channel, error) {
	query := `
		SELECT id, user_id, name, description, openclaw_agent_id, created_at
		FROM channels
		WHERE id = $1 AND user_id = $2
	`

	var ch storage.Channel
	err := s.db.QueryRowContext(ctx, query, channelID, userID).Scan(
		&ch.ID, &ch.UserID, &ch.Name, &ch.Description, &ch.OpenclawAgentID, &ch.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("channel %s: %w", channelID, errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return &ch, nil
}

// UpdateChannel updates name, description, and agent binding.
func (s *Store) UpdateChannel(ctx context.Context, channel *storage.Channel) error {
	query := `
		UPDATE channels
		SET name = $3, description = $4, openclaw_agent_id = $5
		WHERE id = $1 AND user_id = $2
	`

	result, err := s.db.ExecContext(ctx, query,
		channel.ID, channel.UserID, channel.Name, channel.Description, channel.OpenclawAgentID)
	if err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("channel %s: %w", channel.ID, errors.ErrNotFound)
	}
	return nil
}

// DeleteChannel removes a channel; sessions and tasks cascade.
func (s *Store) DeleteChannel(ctx context.Context, userID, channelID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM channels WHERE id = $1 AND user_id = $2`, channelID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("channel %s: %w", channelID, errors.ErrNotFound)
	}

	s.logger.Info("channel deleted",
		slog.String("user_id", userID),
		slog.String("channel_id", channelID))
	return nil
}

// EnsureDefaultChannel creates the "General" channel with one session on
// first plugin attach for a user with no channels. Idempotent: if the user
// already has any channel, the oldest is returned unchanged.
func (s *Store) EnsureDefaultChannel(ctx context.Context, userID string) (*storage.Channel, error) {
	channels, err := s.ListChannels(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(channels) > 0 {
		return &channels[0], nil
	}

	channel := &storage.Channel{
		ID:     uuid.New().String(),
		UserID: userID,
		Name:   "General",
	}
	if err := s.CreateChannel(ctx, channel); err != nil {
		return nil, err
	}

	session := &storage.Session{
		ID:         uuid.New().String(),
		ChannelID:  channel.ID,
		Name:       "General",
		SessionKey: fmt.Sprintf("%s:%s", userID, channel.ID),
	}
	if err := s.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info("default channel created",
		slog.String("user_id", userID),
		slog.String("channel_id", channel.ID))
	return channel, nil
}

// CreateSession inserts a session row.
func (s *Store) CreateSession(ctx context.Context, session *storage.Session) error {
	query := `
		INSERT INTO sessions (id, channel_id, name, session_key)
		VALUES ($1, $2, $3, $4)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.ChannelID, session.Name, session.SessionKey)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// ListSessions returns the sessions in a channel.
func (s *Store) ListSessions(ctx context.Context, channelID string) ([]storage.Session, error) {
	query := `
		SELECT id, channel_id, name, session_key
		FROM sessions
		WHERE channel_id = $1
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []storage.Session
	for rows.Next() {
		var sess storage.Session
		if err := rows.Scan(&sess.ID, &sess.ChannelID, &sess.Name, &sess.SessionKey); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// GetSessionByKey looks a session up by its stable key.
func (s *Store) GetSessionByKey(ctx context.Context, sessionKey string) (*storage.Session, error) {
	query := `
		SELECT id, channel_id, name, session_key
		FROM sessions
		WHERE session_key = $1
	`

	var sess storage.Session
	err := s.db.QueryRowContext(ctx, query, sessionKey).Scan(
		&sess.ID, &sess.ChannelID, &sess.Name, &sess.SessionKey)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionKey, errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes one of the user's sessions. Deleting the last
// session in a channel is forbidden and fails with ErrStateConflict.
func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		channelID string
		siblings  int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT s.channel_id
		FROM sessions s
		JOIN channels c ON c.id = s.channel_id
		WHERE s.id = $1 AND c.user_id = $2
	`, sessionID, userID).Scan(&channelID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("session %s: %w", sessionID, errors.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE channel_id = $1`, channelID).Scan(&siblings)
	if err != nil {
		return fmt.Errorf("failed to count sessions: %w", err)
	}
	if siblings <= 1 {
		return fmt.Errorf("last session in channel %s: %w", channelID, errors.ErrStateConflict)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return tx.Commit()
}
