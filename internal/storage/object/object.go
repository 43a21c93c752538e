// Package object stores media blobs under keys of the form
// media/{userId}/{filename}. The backing store is a local directory; the
// signed-URL scheme keeps the serving path stateless so a CDN or reverse
// proxy can front it.
package object

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/logger"
)

// Store is a filesystem-backed object store for media blobs.
type Store struct {
	root   string
	logger *logger.Logger
}

// NewStore creates the media root directory if needed.
func NewStore(root string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media root: %w", err)
	}
	return &Store{
		root:   root,
		logger: log.WithComponent("object-store"),
	}, nil
}

// Key builds the canonical object key for a user's file.
func Key(userID, filename string) string {
	return path.Join("media", userID, filename)
}

// Put writes a blob and returns its key. The filename must already be
// sanitized by the caller (the gateway generates it).
func (s *Store) Put(userID, filename string, r io.Reader) (string, error) {
	key := Key(userID, filename)
	full, err := s.resolve(key)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create media dir: %w", err)
	}

	f, err := os.Create(full)
	if err != nil {
		return "", fmt.Errorf("failed to create media file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		os.Remove(full)
		return "", fmt.Errorf("failed to write media file: %w", err)
	}

	s.logger.Debug("media stored",
		slog.String("key", key),
		slog.Int64("bytes", n))
	return key, nil
}

// Open returns a reader for a stored blob.
func (s *Store) Open(userID, filename string) (io.ReadCloser, error) {
	full, err := s.resolve(Key(userID, filename))
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("media %s/%s: %w", userID, filename, errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open media file: %w", err)
	}
	return f, nil
}

// Delete removes a stored blob.
func (s *Store) Delete(userID, filename string) error {
	full, err := s.resolve(Key(userID, filename))
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("media %s/%s: %w", userID, filename, errors.ErrNotFound)
		}
		return fmt.Errorf("failed to delete media file: %w", err)
	}
	return nil
}

// resolve maps a key to a path under the root and rejects traversal.
func (s *Store) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if strings.Contains(key, "..") || clean == "/" {
		return "", fmt.Errorf("invalid media key %q: %w", key, errors.ErrProtocol)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}
