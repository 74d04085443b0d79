// Package recipients adds opted-in users to comment notification recipient lists.
package recipients

import (
	"context"
	"fmt"
	"log/slog"

	"optin-comment-notifier/pkg/notifier"
)

// PreferenceStore enumerates opted-in users.
type PreferenceStore interface {
	OptedIn(ctx context.Context) ([]notifier.UserID, error)
}

// UserDirectory resolves user IDs. IDs that no longer exist are omitted.
type UserDirectory interface {
	Users(ctx context.Context, ids []notifier.UserID) (map[notifier.UserID]notifier.User, error)
}

// CommentSource looks up comments by ID.
type CommentSource interface {
	Comment(ctx context.Context, id notifier.CommentID) (notifier.Comment, error)
}

// CapabilityResolver decides whether a user may receive every comment and
// answers raw capability checks.
type CapabilityResolver interface {
	Resolve(u notifier.User) bool
	Can(u notifier.User, name string) bool
}

// Hook is the recipient filter contract of the host's notification pipeline.
type Hook func(ctx context.Context, existing []string, commentID notifier.CommentID) ([]string, error)

// Resolver augments recipient lists. It keeps no state between calls.
type Resolver struct {
	store  PreferenceStore
	users  UserDirectory
	caps   CapabilityResolver
	logger *slog.Logger
	cfg    notifier.Config
}

// New creates a new recipient resolver.
func New(store PreferenceStore, users UserDirectory, caps CapabilityResolver, cfg notifier.Config, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		users:  users,
		caps:   caps,
		cfg:    cfg,
		logger: logger,
	}
}

// Resolve returns existing followed by the email of every opted-in user
// who should hear about comment and is not already listed. The input slice
// is not modified. Errors from the store or directory abort the call.
func (r *Resolver) Resolve(ctx context.Context, existing []string, comment notifier.Comment) ([]string, error) {
	ids, err := r.store.OptedIn(ctx)
	if err != nil {
		return nil, fmt.Errorf("list opted-in users: %w", err)
	}

	out := make([]string, len(existing), len(existing)+len(ids))
	copy(out, existing)
	if len(ids) == 0 {
		return out, nil
	}

	users, err := r.users.Users(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load opted-in users: %w", err)
	}

	seen := make(map[string]struct{}, len(out)+len(ids))
	for _, addr := range out {
		seen[addr] = struct{}{}
	}

	var added int
	for _, id := range ids {
		u, ok := users[id]
		if !ok {
			r.logger.Debug("Skipping opted-in user missing from directory", "user_id", id)
			continue
		}
		if reason := r.skip(u, comment); reason != "" {
			r.logger.Debug("Skipping opted-in user", "user_id", id, "comment_id", comment.ID, "reason", reason)
			continue
		}
		if _, dup := seen[u.Email]; dup {
			continue
		}
		seen[u.Email] = struct{}{}
		out = append(out, u.Email)
		added++
	}

	r.logger.Info("Recipients resolved",
		"comment_id", comment.ID,
		"approval", comment.Approval,
		"existing", len(existing),
		"opted_in", len(ids),
		"added", added)
	return out, nil
}

// skip applies the gates in order and names the first one that fails.
func (r *Resolver) skip(u notifier.User, c notifier.Comment) string {
	if !c.Anonymous() && u.ID == c.AuthorID {
		return "comment author"
	}
	if !r.caps.Resolve(u) {
		return "not capable"
	}
	if c.Approval == notifier.Pending && !r.caps.Can(u, r.cfg.ModerateCap) {
		return "cannot moderate"
	}
	return ""
}

// Hook adapts the resolver to the host contract, which passes a comment ID.
func (r *Resolver) Hook(comments CommentSource) Hook {
	return func(ctx context.Context, existing []string, commentID notifier.CommentID) ([]string, error) {
		c, err := comments.Comment(ctx, commentID)
		if err != nil {
			return nil, fmt.Errorf("load comment %d: %w", commentID, err)
		}
		return r.Resolve(ctx, existing, c)
	}
}
