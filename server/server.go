// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"optin-comment-notifier/pipeline"
	"optin-comment-notifier/pkg/notifier"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// settingsAnchor is where the opt-in control is placed on the profile page.
const settingsAnchor = "#optin-settings"

// Users looks up the signed-in user.
type Users interface {
	User(ctx context.Context, id notifier.UserID) (notifier.User, error)
}

// Binder renders and saves the opt-in control.
type Binder interface {
	Inject(ctx context.Context, page io.Reader, selector string, viewer notifier.User, target notifier.UserID) (string, error)
	Save(ctx context.Context, target notifier.UserID, submitted string, acting notifier.User) (bool, error)
	CanEdit(acting notifier.User, target notifier.UserID) bool
	FieldName() string
}

// Dispatcher runs the comment notification pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev pipeline.Event, commentID notifier.CommentID, base []string) (*pipeline.Result, error)
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	users      Users
	binder     Binder
	dispatcher Dispatcher
	logger     *slog.Logger
	isNotFound IsNotFound
	validate   *validator.Validate
	siteName   string
	hookToken  string
	jwtSecret  []byte
}

// Config holds server configuration.
type Config struct {
	Users      Users
	Binder     Binder
	Dispatcher Dispatcher
	Logger     *slog.Logger
	IsNotFound IsNotFound
	SiteName   string
	HookToken  string // Shared secret the host presents on webhook calls
	JWTSecret  []byte // HMAC key for session tokens
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	isNotFound := cfg.IsNotFound
	if isNotFound == nil {
		isNotFound = func(error) bool { return false }
	}
	return &Server{
		users:      cfg.Users,
		binder:     cfg.Binder,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
		isNotFound: isNotFound,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		siteName:   cfg.SiteName,
		hookToken:  cfg.HookToken,
		jwtSecret:  cfg.JWTSecret,
	}
}

// Handler returns the router with every endpoint registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/settings", s.handleSettings)
	mux.HandleFunc("/hooks/comment", s.handleCommentHook)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve starts the HTTP server on port.
func (s *Server) Serve(port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second, // Dispatch sends mail inline
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, `{"status":"healthy","version":%q}`, notifier.Version); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
}
