package directory

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"optin-comment-notifier/pkg/notifier"
)

type fileUser struct {
	Capabilities map[string]bool `yaml:"capabilities"`
	Email        string          `yaml:"email"`
	Roles        []string        `yaml:"roles"`
	ID           int64           `yaml:"id"`
}

type fileComment struct {
	Status   string `yaml:"status"`
	Author   string `yaml:"author"`
	Text     string `yaml:"text"`
	PostURL  string `yaml:"post_url"`
	ID       int64  `yaml:"id"`
	AuthorID int64  `yaml:"author_id"`
}

type fileData struct {
	Roles    Roles         `yaml:"roles"`
	Users    []fileUser    `yaml:"users"`
	Comments []fileComment `yaml:"comments"`
}

// File is a read-only directory loaded from a YAML document. It backs local
// development and supplies the role table to the Postgres directory.
type File struct {
	users    map[notifier.UserID]notifier.User
	comments map[notifier.CommentID]notifier.Comment
	roles    Roles
}

// LoadFile reads and parses a YAML directory file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// Parse builds a directory from YAML. When no roles section is present the
// default roles apply.
func Parse(data []byte) (*File, error) {
	var raw fileData
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal directory: %w", err)
	}

	roles := raw.Roles
	if len(roles) == 0 {
		roles = DefaultRoles()
	}

	f := &File{
		users:    make(map[notifier.UserID]notifier.User, len(raw.Users)),
		comments: make(map[notifier.CommentID]notifier.Comment, len(raw.Comments)),
		roles:    roles,
	}

	for _, u := range raw.Users {
		if u.ID <= 0 {
			return nil, fmt.Errorf("user %q: id must be positive", u.Email)
		}
		if u.Email == "" {
			return nil, fmt.Errorf("user %d: email is required", u.ID)
		}
		id := notifier.UserID(u.ID)
		if _, dup := f.users[id]; dup {
			return nil, fmt.Errorf("user %d: duplicate id", u.ID)
		}
		f.users[id] = notifier.User{
			ID:           id,
			Email:        u.Email,
			Roles:        u.Roles,
			Capabilities: roles.Capabilities(u.Roles, u.Capabilities),
		}
	}

	for _, c := range raw.Comments {
		state, err := ParseApproval(c.Status)
		if err != nil {
			return nil, fmt.Errorf("comment %d: %w", c.ID, err)
		}
		f.comments[notifier.CommentID(c.ID)] = notifier.Comment{
			ID:       notifier.CommentID(c.ID),
			AuthorID: notifier.UserID(c.AuthorID),
			Approval: state,
			Author:   c.Author,
			Text:     c.Text,
			PostURL:  c.PostURL,
		}
	}

	return f, nil
}

// Roles returns the role table the directory was built with.
func (f *File) Roles() Roles {
	return f.roles
}

// User returns a single user.
func (f *File) User(_ context.Context, id notifier.UserID) (notifier.User, error) {
	u, ok := f.users[id]
	if !ok {
		return notifier.User{}, fmt.Errorf("user %d: %w", id, ErrUserNotFound)
	}
	return u, nil
}

// Users returns the users among ids that exist. Missing IDs are omitted.
func (f *File) Users(_ context.Context, ids []notifier.UserID) (map[notifier.UserID]notifier.User, error) {
	out := make(map[notifier.UserID]notifier.User, len(ids))
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

// Comment returns a single comment.
func (f *File) Comment(_ context.Context, id notifier.CommentID) (notifier.Comment, error) {
	c, ok := f.comments[id]
	if !ok {
		return notifier.Comment{}, fmt.Errorf("comment %d: %w", id, ErrCommentNotFound)
	}
	return c, nil
}
