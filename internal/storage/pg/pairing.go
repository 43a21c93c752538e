package pg

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/storage"
)

// CreatePairingToken inserts a new pairing token row.
func (s *Store) CreatePairingToken(ctx context.Context, token *storage.PairingToken) error {
	query := `
		INSERT INTO pairing_tokens (id, user_id, token, label)
		VALUES ($1, $2, $3, $4)
	`

	_, err := s.db.ExecContext(ctx, query, token.ID, token.UserID, token.Token, token.Label)
	if err != nil {
		return fmt.Errorf("failed to create pairing token: %w", err)
	}

	s.logger.Info("pairing token created",
		slog.String("user_id", token.UserID),
		slog.String("token_id", token.ID),
		slog.String("label", token.Label))
	return nil
}

// ListPairingTokens returns all tokens for a user, newest first. The opaque
// secret is never returned by list; only creation responses carry it.
func (s *Store) ListPairingTokens(ctx context.Context, userID string) ([]storage.PairingToken, error) {
	query := `
		SELECT id, user_id, label, last_connected_at, last_ip, connection_count, revoked_at, created_at
		FROM pairing_tokens
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pairing tokens: %w", err)
	}
	defer rows.Close()

	var tokens []storage.PairingToken
	for rows.Next() {
		var t storage.PairingToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Label, &t.LastConnectedAt, &t.LastIP,
			&t.ConnectionCount, &t.RevokedAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pairing token: %w", err)
		}
		tokens = append(tokens, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pairing tokens: %w", err)
	}
	return tokens, nil
}

// RevokePairingToken soft-deletes a token. Audit fields stay intact.
// Revoking an already-revoked token is a no-op.
func (s *Store) RevokePairingToken(ctx context.Context, userID, tokenID string) error {
	query := `
		UPDATE pairing_tokens
		SET revoked_at = NOW()
		WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, tokenID, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke pairing token: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		// Distinguish missing from already revoked.
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM pairing_tokens WHERE id = $1 AND user_id = $2)`,
			tokenID, userID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check pairing token: %w", err)
		}
		if !exists {
			return fmt.Errorf("pairing token %s: %w", tokenID, errors.ErrNotFound)
		}
	}

	s.logger.Info("pairing token revoked",
		slog.String("user_id", userID),
		slog.String("token_id", tokenID))
	return nil
}

// ResolvePairingToken validates the opaque secret and returns the owning
// user and token ids. Revoked tokens fail with ErrRevoked; unknown ones
// with ErrNotFound.
func (s *Store) ResolvePairingToken(ctx context.Context, token string) (string, string, error) {
	query := `
		SELECT id, user_id, revoked_at
		FROM pairing_tokens
		WHERE token = $1
	`

	var (
		tokenID   string
		userID    string
		revokedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, token).Scan(&tokenID, &userID, &revokedAt)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("pairing token: %w", errors.ErrNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve pairing token: %w", err)
	}

	if revokedAt.Valid {
		return "", "", fmt.Errorf("pairing token %s: %w", tokenID, errors.ErrRevoked)
	}
	return userID, tokenID, nil
}

// RecordPairingUse updates the audit fields for one connection attempt.
func (s *Store) RecordPairingUse(ctx context.Context, tokenID, ip string) error {
	query := `
		UPDATE pairing_tokens
		SET last_connected_at = NOW(), last_ip = $2, connection_count = connection_count + 1
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, tokenID, ip)
	if err != nil {
		return fmt.Errorf("failed to record pairing use: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("pairing token %s: %w", tokenID, errors.ErrNotFound)
	}

	s.logger.Debug("pairing use recorded",
		slog.String("token_id", tokenID),
		slog.String("ip", ip))
	return nil
}
