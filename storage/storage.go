// Package storage handles persistence of comment notification preferences.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"optin-comment-notifier/pkg/notifier"
)

// ErrNotFound is returned when no preference is stored for a user.
var ErrNotFound = errors.New("storage: object doesn't exist")

// Store persists one object per opted-in user, either in a Cloud Storage
// bucket or in a local directory. The object body is the yes value.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	cfg       notifier.Config
}

// New creates a new storage handler. A non-empty localPath selects local mode.
func New(client *storage.Client, bucket string, localPath string, cfg notifier.Config, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		cfg:       cfg,
	}
}

func (s *Store) prefix() string {
	return s.cfg.PreferenceKey() + "-"
}

// PreferenceKey is the object name holding a user's preference.
func (s *Store) PreferenceKey(id notifier.UserID) string {
	return s.prefix() + strconv.FormatInt(int64(id), 10)
}

// userFromKey extracts the user ID from an object name, rejecting names
// that belong to another site or option.
func (s *Store) userFromKey(key string) (notifier.UserID, bool) {
	rest, ok := strings.CutPrefix(key, s.prefix())
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return notifier.UserID(n), true
}

func (s *Store) retryOptions(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying "+op+" operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	}
}

// Get reports whether the user has opted in. Absence reads as false, and so
// does any stored value other than the yes value.
func (s *Store) Get(ctx context.Context, id notifier.UserID) (bool, error) {
	v, err := s.load(ctx, s.PreferenceKey(id))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == s.cfg.YesValue, nil
}

// Set stores the yes value when optedIn is true and deletes the preference
// otherwise. Deleting an absent preference is not an error.
func (s *Store) Set(ctx context.Context, id notifier.UserID, optedIn bool) error {
	if id <= 0 {
		return fmt.Errorf("invalid user id %d", id)
	}
	key := s.PreferenceKey(id)
	if !optedIn {
		return s.delete(ctx, key)
	}
	return s.save(ctx, key, []byte(s.cfg.YesValue))
}

// OptedIn lists every user whose stored value is the yes value, in key order.
func (s *Store) OptedIn(ctx context.Context) ([]notifier.UserID, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}

	var ids []notifier.UserID
	for _, key := range keys {
		id, ok := s.userFromKey(key)
		if !ok {
			continue
		}
		v, err := s.load(ctx, key)
		if errors.Is(err, ErrNotFound) {
			// Deleted between listing and reading.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load preference %s: %w", key, err)
		}
		if v != s.cfg.YesValue {
			s.logger.Debug("Ignoring preference with unexpected value", "key", key)
			continue
		}
		ids = append(ids, id)
	}

	s.logger.Debug("Opted-in users listed", "count", len(ids), "key_prefix", s.prefix())
	return ids, nil
}

func (s *Store) keys(ctx context.Context) ([]string, error) {
	var keys []string

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), s.prefix()) {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: s.prefix(),
	})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (s *Store) save(ctx context.Context, key string, data []byte) error {
	s.logger.Debug("Saving preference", "key", key)

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Info("Preference saved to local storage", "path", filePath)
		return nil
	}

	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "text/plain"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		s.retryOptions(ctx, "save", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Preference saved", "key", key)
	return nil
}

func (s *Store) load(ctx context.Context, key string) (string, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return "", ErrNotFound
			}
			return "", fmt.Errorf("read from local storage: %w", err)
		}
		return string(data), nil
	}

	var data []byte
	var missing bool
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		s.retryOptions(ctx, "load", key)...,
	)
	if missing {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load after retries: %w", err)
	}
	return string(data), nil
}

func (s *Store) delete(ctx context.Context, key string) error {
	s.logger.Debug("Deleting preference", "key", key)

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Preference deleted from local storage", "path", filePath)
		return nil
	}

	var missing bool
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		s.retryOptions(ctx, "delete", key)...,
	)
	if err != nil && !missing {
		return fmt.Errorf("delete after retries: %w", err)
	}

	s.logger.Info("Preference deleted", "key", key)
	return nil
}

// IsNotFound checks if an error indicates a preference was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
