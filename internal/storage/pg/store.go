package pg

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/logger"
	"github.com/openclaw/openclaw-cloud/internal/storage"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint hit.
const uniqueViolation = pq.ErrorCode("23505")

// Store implements storage.Store against PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new PostgreSQL-backed store.
func NewStore(db *Database, log *logger.Logger) *Store {
	return &Store{
		db:     db.DB,
		logger: log.WithComponent("pg-store"),
	}
}

// CreateUser inserts a new user row.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	query := `
		INSERT INTO users (id, email, password_hash, display_name, auth_provider, firebase_uid, settings_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.DisplayName,
		user.AuthProvider, user.FirebaseUID, user.SettingsJSON)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return fmt.Errorf("email %s already registered: %w", user.Email, errors.ErrStateConflict)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("user created", slog.String("user_id", user.ID))
	return nil
}

// GetUserByEmail looks a user up by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	query := `
		SELECT id, email, password_hash, display_name, auth_provider, firebase_uid, settings_json, created_at
		FROM users
		WHERE email = $1
	`

	var user storage.User
	err := s.db.QueryRowContext(ctx, query, email).Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.DisplayName,
		&user.AuthProvider, &user.FirebaseUID, &user.SettingsJSON, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", email, errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}

	return &user, nil
}

// GetUser looks a user up by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	query := `
		SELECT id, email, password_hash, display_name, auth_provider, firebase_uid, settings_json, created_at
		FROM users
		WHERE id = $1
	`

	var user storage.User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.DisplayName,
		&user.AuthProvider, &user.FirebaseUID, &user.SettingsJSON, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", userID, errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// DeleteUser removes a user; owned rows cascade via foreign keys.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("user %s: %w", userID, errors.ErrNotFound)
	}

	s.logger.Info("user deleted", slog.String("user_id", userID))
	return nil
}
