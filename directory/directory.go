// Package directory looks up users and comments for the notification logic.
package directory

import (
	"errors"
	"fmt"
	"strings"

	"optin-comment-notifier/pkg/notifier"
)

var (
	// ErrUserNotFound is returned when no user has the requested ID.
	ErrUserNotFound = errors.New("user not found")
	// ErrCommentNotFound is returned when no comment has the requested ID.
	ErrCommentNotFound = errors.New("comment not found")
)

// Roles maps a role name to the raw capabilities it grants.
type Roles map[string][]string

// DefaultRoles returns the stock role set of a blog.
func DefaultRoles() Roles {
	return Roles{
		"administrator": {"read", "edit_posts", "moderate_comments", "edit_users", "list_users", "manage_options"},
		"editor":        {"read", "edit_posts", "edit_others_posts", "moderate_comments"},
		"author":        {"read", "edit_posts", "publish_posts"},
		"contributor":   {"read", "edit_posts"},
		"subscriber":    {"read"},
	}
}

// Capabilities expands a user's roles into a raw capability map. Role names
// are granted as capabilities too. Unknown roles grant only their own name.
func (r Roles) Capabilities(roles []string, extra map[string]bool) notifier.Capabilities {
	caps := make(notifier.Capabilities)
	for _, role := range roles {
		caps[role] = true
		for _, c := range r[role] {
			caps[c] = true
		}
	}
	// Explicit grants and revocations win over roles.
	for name, granted := range extra {
		caps[name] = granted
	}
	return caps
}

// ParseApproval maps a stored comment status onto an approval state.
// Both the numeric and the named forms are accepted.
func ParseApproval(status string) (notifier.ApprovalState, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "1", "approved", "approve":
		return notifier.Approved, nil
	case "0", "pending", "hold", "unapproved":
		return notifier.Pending, nil
	default:
		return "", fmt.Errorf("unsupported comment status %q", status)
	}
}

func int64s(ids []notifier.UserID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
