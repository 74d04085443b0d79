package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"optin-comment-notifier/pkg/notifier"
)

// Schema creates the tables the Postgres directory reads.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id           BIGINT PRIMARY KEY,
	email        TEXT NOT NULL,
	roles        TEXT[] NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS comments (
	id           BIGINT PRIMARY KEY,
	user_id      BIGINT,
	status       TEXT NOT NULL DEFAULT 'pending',
	author       TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL DEFAULT '',
	post_url     TEXT NOT NULL DEFAULT ''
);
`

// Postgres reads users and comments from a blog database. Capabilities are
// derived from the stored roles through the role table.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
	roles  Roles
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, roles Roles, logger *slog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewPostgres(db, roles, logger), nil
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB, roles Roles, logger *slog.Logger) *Postgres {
	if len(roles) == 0 {
		roles = DefaultRoles()
	}
	return &Postgres{db: db, roles: roles, logger: logger}
}

// Migrate creates the directory tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// User returns a single user.
func (p *Postgres) User(ctx context.Context, id notifier.UserID) (notifier.User, error) {
	var (
		uid   int64
		email string
		roles []string
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, email, roles FROM users WHERE id = $1`, int64(id),
	).Scan(&uid, &email, pq.Array(&roles))
	if errors.Is(err, sql.ErrNoRows) {
		return notifier.User{}, fmt.Errorf("user %d: %w", id, ErrUserNotFound)
	}
	if err != nil {
		return notifier.User{}, fmt.Errorf("query user %d: %w", id, err)
	}
	return p.user(uid, email, roles), nil
}

// Users returns the users among ids that exist. Missing IDs are omitted.
func (p *Postgres) Users(ctx context.Context, ids []notifier.UserID) (map[notifier.UserID]notifier.User, error) {
	out := make(map[notifier.UserID]notifier.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, email, roles FROM users WHERE id = ANY($1)`, pq.Array(int64s(ids)))
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			p.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var (
			uid   int64
			email string
			roles []string
		)
		if err := rows.Scan(&uid, &email, pq.Array(&roles)); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		out[notifier.UserID(uid)] = p.user(uid, email, roles)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	p.logger.Debug("Users loaded", "requested", len(ids), "found", len(out))
	return out, nil
}

func (p *Postgres) user(id int64, email string, roles []string) notifier.User {
	return notifier.User{
		ID:           notifier.UserID(id),
		Email:        email,
		Roles:        roles,
		Capabilities: p.roles.Capabilities(roles, nil),
	}
}

// Comment returns a single comment.
func (p *Postgres) Comment(ctx context.Context, id notifier.CommentID) (notifier.Comment, error) {
	var (
		cid      int64
		authorID sql.NullInt64
		status   string
		c        notifier.Comment
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, author, content, post_url FROM comments WHERE id = $1`, int64(id),
	).Scan(&cid, &authorID, &status, &c.Author, &c.Text, &c.PostURL)
	if errors.Is(err, sql.ErrNoRows) {
		return notifier.Comment{}, fmt.Errorf("comment %d: %w", id, ErrCommentNotFound)
	}
	if err != nil {
		return notifier.Comment{}, fmt.Errorf("query comment %d: %w", id, err)
	}

	state, err := ParseApproval(status)
	if err != nil {
		return notifier.Comment{}, fmt.Errorf("comment %d: %w", id, err)
	}
	c.ID = notifier.CommentID(cid)
	c.Approval = state
	if authorID.Valid {
		c.AuthorID = notifier.UserID(authorID.Int64)
	}
	return c, nil
}
