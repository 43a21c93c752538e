package pg

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/protocol"
	"github.com/openclaw/openclaw-cloud/internal/storage"
)

// AppendMessage persists one message. Thread messages (sessionKey of the
// form base:thread:msgId) are validated against the base session inside the
// same transaction as the insert, so a reply can never outlive its root.
func (s *Store) AppendMessage(ctx context.Context, msg *storage.Message) error {
	baseKey, threadID := protocol.SplitSessionKey(msg.SessionKey)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if threadID != "" {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND session_key = $2)`,
			threadID, baseKey).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check thread root: %w", err)
		}
		if !exists {
			return fmt.Errorf("thread root %s in session %s: %w", threadID, baseKey, errors.ErrNotFound)
		}
	}

	query := `
		INSERT INTO messages (id, session_key, sender, text, media_url, a2ui, thread_id, encrypted, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`

	_, err = tx.ExecContext(ctx, query,
		msg.ID, msg.SessionKey, msg.Sender, msg.Text, msg.MediaURL,
		msg.A2UI, threadID, msg.Encrypted, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}

	s.logger.Debug("message appended",
		slog.String("message_id", msg.ID),
		slog.String("session_key", msg.SessionKey),
		slog.String("sender", msg.Sender))
	return nil
}

// ListMessages returns up to limit messages for a session (or one of its
// threads), ascending by timestamp with ties broken by id. The limit
// truncates the oldest entries. For base sessions the page carries reply
// counts, computed from the persisted rows so they are always authoritative.
func (s *Store) ListMessages(ctx context.Context, sessionKey, threadID string, limit int) (*storage.MessagePage, error) {
	key := sessionKey
	if threadID != "" {
		key = protocol.ThreadSessionKey(sessionKey, threadID)
	}

	// Newest `limit` rows, then reversed into ascending order.
	query := `
		SELECT id, session_key, sender, text, media_url, a2ui, thread_id, encrypted, timestamp
		FROM (
			SELECT id, session_key, sender, text, media_url, a2ui, thread_id, encrypted, timestamp
			FROM messages
			WHERE session_key = $1
			ORDER BY timestamp DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, key, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	page := &storage.MessagePage{}
	for rows.Next() {
		var msg storage.Message
		if err := rows.Scan(&msg.ID, &msg.SessionKey, &msg.Sender, &msg.Text, &msg.MediaURL,
			&msg.A2UI, &msg.ThreadID, &msg.Encrypted, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		page.Messages = append(page.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	if threadID == "" && !protocol.IsThreadKey(sessionKey) {
		counts, err := s.replyCounts(ctx, sessionKey)
		if err != nil {
			return nil, err
		}
		page.ReplyCounts = counts
	}

	return page, nil
}

// replyCounts summarizes thread message counts for a base session, keyed by
// the thread root message id.
func (s *Store) replyCounts(ctx context.Context, baseKey string) (map[string]int, error) {
	query := `
		SELECT thread_id, COUNT(*)
		FROM messages
		WHERE session_key LIKE $1 AND thread_id <> ''
		GROUP BY thread_id
	`

	rows, err := s.db.QueryContext(ctx, query, baseKey+":thread:%")
	if err != nil {
		return nil, fmt.Errorf("failed to count replies: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			rootID string
			n      int
		)
		if err := rows.Scan(&rootID, &n); err != nil {
			return nil, fmt.Errorf("failed to scan reply count: %w", err)
		}
		counts[rootID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reply counts: %w", err)
	}
	return counts, nil
}
