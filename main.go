// Package main runs the opt-in comment notification service: a profile
// settings page for the opt-in checkbox and a webhook the blog host calls
// when a comment needs announcing.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"optin-comment-notifier/capability"
	"optin-comment-notifier/directory"
	"optin-comment-notifier/email"
	"optin-comment-notifier/pipeline"
	"optin-comment-notifier/pkg/notifier"
	"optin-comment-notifier/recipients"
	"optin-comment-notifier/server"
	"optin-comment-notifier/settings"
	optinstore "optin-comment-notifier/storage"
)

// config is everything read from the environment at startup.
type config struct {
	StorageBucket string
	LocalStorage  string
	RedisURL      string
	DatabaseURL   string
	DirectoryFile string
	SitePrefix    string
	SiteName      string
	BaseURL       string
	JWTSecret     string
	HookToken     string
	BrevoAPIKey   string
	GoogleCreds   string
	FromAddr      string
	Port          string
	LogLevel      slog.Level
	OptinRoles    []string
	OptinCap      string
}

// preferenceStore is satisfied by both the object store and the Redis store.
type preferenceStore interface {
	Get(ctx context.Context, id notifier.UserID) (bool, error)
	Set(ctx context.Context, id notifier.UserID, optedIn bool) error
	OptedIn(ctx context.Context) ([]notifier.UserID, error)
}

// userDirectory is satisfied by the file and Postgres directories.
type userDirectory interface {
	User(ctx context.Context, id notifier.UserID) (notifier.User, error)
	Users(ctx context.Context, ids []notifier.UserID) (map[notifier.UserID]notifier.User, error)
	Comment(ctx context.Context, id notifier.CommentID) (notifier.Comment, error)
}

func main() {
	ctx := context.Background()

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	ncfg := notifier.DefaultConfig().WithSitePrefix(cfg.SitePrefix)

	store, closeStore, err := openStore(ctx, cfg, ncfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	dir, closeDir, err := openDirectory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDir()

	caps := capability.New(ncfg, logger, capabilityOverrides(cfg, logger)...)

	provider, err := newEmailProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	sender := email.New(provider, logger, cfg.BaseURL, cfg.SiteName)

	resolver := recipients.New(store, dir, caps, ncfg, logger)
	dispatcher := pipeline.New(resolver, dir, sender, logger)
	binder := settings.New(store, caps, ncfg, logger)

	if cfg.HookToken == "" {
		logger.Warn("HOOK_TOKEN not set, comment webhook will reject every call")
	}

	srv := server.New(&server.Config{
		Users:      dir,
		Binder:     binder,
		Dispatcher: dispatcher,
		Logger:     logger,
		IsNotFound: isNotFound,
		SiteName:   cfg.SiteName,
		HookToken:  cfg.HookToken,
		JWTSecret:  []byte(cfg.JWTSecret),
	})
	return srv.Serve(cfg.Port)
}

// capabilityOverrides builds the opt-in override chain from configuration.
// The role restriction runs before the capability requirement.
func capabilityOverrides(cfg *config, logger *slog.Logger) []capability.Override {
	var overrides []capability.Override
	if len(cfg.OptinRoles) > 0 {
		logger.Info("Restricting opt-in to roles", "roles", cfg.OptinRoles)
		overrides = append(overrides, capability.RestrictToRoles(cfg.OptinRoles...))
	}
	if cfg.OptinCap != "" {
		logger.Info("Requiring capability for opt-in", "capability", cfg.OptinCap)
		overrides = append(overrides, capability.RequireCapability(cfg.OptinCap))
	}
	return overrides
}

func loadConfig(getenv func(string) string) (*config, error) {
	cfg := &config{
		StorageBucket: getenv("STORAGE_BUCKET"),
		LocalStorage:  getenv("LOCAL_STORAGE"),
		RedisURL:      getenv("REDIS_URL"),
		DatabaseURL:   getenv("DATABASE_URL"),
		DirectoryFile: getenv("DIRECTORY_FILE"),
		SitePrefix:    getenv("SITE_PREFIX"),
		SiteName:      getenv("SITE_NAME"),
		BaseURL:       getenv("BASE_URL"),
		JWTSecret:     getenv("JWT_SECRET"),
		HookToken:     getenv("HOOK_TOKEN"),
		BrevoAPIKey:   getenv("BREVO_API_KEY"),
		GoogleCreds:   getenv("GOOGLE_CREDENTIALS_JSON"),
		FromAddr:      getenv("FROM_ADDR"),
		Port:          getenv("PORT"),
		OptinRoles:    splitList(getenv("OPTIN_ROLES")),
		OptinCap:      strings.TrimSpace(getenv("OPTIN_CAPABILITY")),
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.SitePrefix == "" {
		cfg.SitePrefix = notifier.DefaultConfig().SitePrefix
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}
	if cfg.StorageBucket == "" && cfg.RedisURL == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
	}

	level, err := parseLogLevel(getenv("LOG_LEVEL"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if cfg.DatabaseURL == "" && cfg.DirectoryFile == "" {
		return nil, errors.New("DATABASE_URL or DIRECTORY_FILE environment variable required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET environment variable required")
	}
	if cfg.BrevoAPIKey != "" && cfg.FromAddr == "" {
		return nil, errors.New("FROM_ADDR environment variable required with BREVO_API_KEY")
	}
	return cfg, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

// splitList parses a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, directory.ErrUserNotFound) ||
		errors.Is(err, directory.ErrCommentNotFound) ||
		optinstore.IsNotFound(err)
}

func openStore(ctx context.Context, cfg *config, ncfg notifier.Config, logger *slog.Logger) (preferenceStore, func(), error) {
	switch {
	case cfg.RedisURL != "":
		logger.Info("Using Redis preference store")
		rs, err := optinstore.Connect(ctx, cfg.RedisURL, ncfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return rs, func() {
			if err := rs.Close(); err != nil {
				logger.Warn("Failed to close redis client", "error", err)
			}
		}, nil

	case cfg.StorageBucket != "":
		logger.Info("Using Cloud Storage preference store", "bucket", cfg.StorageBucket)
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize storage client: %w", err)
		}
		return optinstore.New(client, cfg.StorageBucket, "", ncfg, logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil

	default:
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return optinstore.New(nil, "", cfg.LocalStorage, ncfg, logger), func() {}, nil
	}
}

func openDirectory(ctx context.Context, cfg *config, logger *slog.Logger) (userDirectory, func(), error) {
	var file *directory.File
	if cfg.DirectoryFile != "" {
		f, err := directory.LoadFile(cfg.DirectoryFile)
		if err != nil {
			return nil, nil, err
		}
		file = f
	}

	if cfg.DatabaseURL == "" {
		logger.Info("Using file directory", "path", cfg.DirectoryFile)
		return file, func() {}, nil
	}

	var roles directory.Roles
	if file != nil {
		roles = file.Roles()
	}
	pg, err := directory.OpenPostgres(ctx, cfg.DatabaseURL, roles, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	logger.Info("Using Postgres directory")
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Warn("Failed to close database", "error", err)
		}
	}, nil
}

func newEmailProvider(ctx context.Context, cfg *config, logger *slog.Logger) (email.Provider, error) {
	if cfg.BrevoAPIKey != "" {
		logger.Info("Using Brevo email provider", "from", cfg.FromAddr)
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.FromAddr, cfg.SiteName, logger), nil
	}

	if cfg.GoogleCreds != "" || isCloudRun(ctx) {
		svc, err := email.NewGmailService(ctx, cfg.GoogleCreds)
		if err != nil {
			return nil, fmt.Errorf("initialize gmail service: %w", err)
		}
		logger.Info("Using Gmail email provider")
		return email.NewGmailProvider(svc, logger), nil
	}

	logger.Info("Mock email mode enabled (no BREVO_API_KEY or GOOGLE_CREDENTIALS_JSON)")
	return email.NewMockProvider(logger), nil
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
