package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/redis/go-redis/v9"

	"optin-comment-notifier/pkg/notifier"
)

// RedisStore keeps all preferences of a site in one hash keyed by the
// site-scoped option name. Fields are user IDs, values the yes value.
type RedisStore struct {
	rdb    *redis.Client
	logger *slog.Logger
	cfg    notifier.Config
}

// Connect parses a redis:// URL, verifies connectivity and returns a store.
func Connect(ctx context.Context, url string, cfg notifier.Config, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedis(rdb, cfg, logger), nil
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client, cfg notifier.Config, logger *slog.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, cfg: cfg, logger: logger}
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) do(ctx context.Context, op string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.MaxJitter(100*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying redis "+op+" after error", "attempt", n, "key", s.cfg.PreferenceKey(), "error", err)
		}),
	)
}

func field(id notifier.UserID) string {
	return strconv.FormatInt(int64(id), 10)
}

// Get reports whether the user has opted in.
func (s *RedisStore) Get(ctx context.Context, id notifier.UserID) (bool, error) {
	var v string
	var missing bool
	err := s.do(ctx, "get", func() error {
		var getErr error
		v, getErr = s.rdb.HGet(ctx, s.cfg.PreferenceKey(), field(id)).Result()
		if errors.Is(getErr, redis.Nil) {
			missing = true
			return nil
		}
		return getErr
	})
	if err != nil {
		return false, fmt.Errorf("get preference: %w", err)
	}
	if missing {
		return false, nil
	}
	return v == s.cfg.YesValue, nil
}

// Set stores the yes value or removes the field.
func (s *RedisStore) Set(ctx context.Context, id notifier.UserID, optedIn bool) error {
	if id <= 0 {
		return fmt.Errorf("invalid user id %d", id)
	}
	key := s.cfg.PreferenceKey()

	if !optedIn {
		if err := s.do(ctx, "delete", func() error {
			return s.rdb.HDel(ctx, key, field(id)).Err()
		}); err != nil {
			return fmt.Errorf("delete preference: %w", err)
		}
		s.logger.Info("Preference deleted", "key", key, "user_id", id)
		return nil
	}

	if err := s.do(ctx, "save", func() error {
		return s.rdb.HSet(ctx, key, field(id), s.cfg.YesValue).Err()
	}); err != nil {
		return fmt.Errorf("save preference: %w", err)
	}
	s.logger.Info("Preference saved", "key", key, "user_id", id)
	return nil
}

// OptedIn lists opted-in users in ascending ID order.
func (s *RedisStore) OptedIn(ctx context.Context) ([]notifier.UserID, error) {
	var all map[string]string
	err := s.do(ctx, "list", func() error {
		var listErr error
		all, listErr = s.rdb.HGetAll(ctx, s.cfg.PreferenceKey()).Result()
		return listErr
	})
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}

	ids := make([]notifier.UserID, 0, len(all))
	for f, v := range all {
		if v != s.cfg.YesValue {
			continue
		}
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil || n <= 0 {
			s.logger.Debug("Ignoring malformed preference field", "field", f)
			continue
		}
		ids = append(ids, notifier.UserID(n))
	}
	slices.Sort(ids)
	return ids, nil
}
