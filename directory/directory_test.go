package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"optin-comment-notifier/pkg/notifier"
)

const sampleYAML = `
roles:
  administrator: [read, moderate_comments, edit_users]
  editor: [read, moderate_comments]
  subscriber: [read]
users:
  - id: 1
    email: admin@example.com
    roles: [administrator]
  - id: 2
    email: editor@example.com
    roles: [editor]
  - id: 3
    email: reader@example.com
    roles: [subscriber]
    capabilities:
      moderate_comments: true
  - id: 4
    email: demoted@example.com
    roles: [editor]
    capabilities:
      moderate_comments: false
comments:
  - id: 100
    author_id: 3
    status: approved
    author: Reader
    text: "Nice **post**"
  - id: 101
    status: "0"
    author: Anonymous Coward
`

func TestRolesCapabilities(t *testing.T) {
	caps := DefaultRoles().Capabilities([]string{"editor"}, nil)
	for _, want := range []string{"editor", "read", "moderate_comments"} {
		if !caps.Has(want) {
			t.Errorf("editor capabilities missing %q", want)
		}
	}
	if caps.Has("edit_users") {
		t.Error("editor granted edit_users")
	}

	unknown := DefaultRoles().Capabilities([]string{"shop_manager"}, nil)
	if !unknown.Has("shop_manager") || len(unknown) != 1 {
		t.Errorf("unknown role capabilities = %v, want only the role name", unknown)
	}
}

func TestParseApproval(t *testing.T) {
	tests := []struct {
		status  string
		want    notifier.ApprovalState
		wantErr bool
	}{
		{status: "1", want: notifier.Approved},
		{status: "approved", want: notifier.Approved},
		{status: "0", want: notifier.Pending},
		{status: " Pending ", want: notifier.Pending},
		{status: "hold", want: notifier.Pending},
		{status: "spam", wantErr: true},
		{status: "trash", wantErr: true},
		{status: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			got, err := ParseApproval(tt.status)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseApproval(%q) error = %v, wantErr %v", tt.status, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseApproval(%q) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestParseFile(t *testing.T) {
	ctx := context.Background()
	f, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	admin, err := f.User(ctx, 1)
	if err != nil {
		t.Fatalf("User(1) error = %v", err)
	}
	if admin.Email != "admin@example.com" || !admin.Capabilities.Has("administrator") || !admin.Capabilities.Has("edit_users") {
		t.Errorf("User(1) = %+v, want administrator with edit_users", admin)
	}

	reader, _ := f.User(ctx, 3)
	if !reader.Capabilities.Has("moderate_comments") {
		t.Error("explicit capability grant not applied")
	}
	demoted, _ := f.User(ctx, 4)
	if demoted.Capabilities.Has("moderate_comments") {
		t.Error("explicit capability revocation not applied")
	}

	if _, err := f.User(ctx, 99); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("User(99) error = %v, want ErrUserNotFound", err)
	}

	users, err := f.Users(ctx, []notifier.UserID{2, 99, 1})
	if err != nil {
		t.Fatalf("Users() error = %v", err)
	}
	if len(users) != 2 || users[1].ID != 1 || users[2].ID != 2 {
		t.Errorf("Users() = %v, want users 1 and 2 only", users)
	}

	c, err := f.Comment(ctx, 100)
	if err != nil {
		t.Fatalf("Comment(100) error = %v", err)
	}
	if c.AuthorID != 3 || c.Approval != notifier.Approved || c.Anonymous() {
		t.Errorf("Comment(100) = %+v", c)
	}
	anon, _ := f.Comment(ctx, 101)
	if !anon.Anonymous() || anon.Approval != notifier.Pending {
		t.Errorf("Comment(101) = %+v, want anonymous pending comment", anon)
	}
	if _, err := f.Comment(ctx, 5); !errors.Is(err, ErrCommentNotFound) {
		t.Errorf("Comment(5) error = %v, want ErrCommentNotFound", err)
	}
}

func TestParseFileDefaultsRoles(t *testing.T) {
	f, err := Parse([]byte("users:\n  - id: 7\n    email: a@example.com\n    roles: [editor]\n"))
	if err != nil {
		t.Fatal(err)
	}
	u, _ := f.User(context.Background(), 7)
	if !u.Capabilities.Has("moderate_comments") {
		t.Error("default editor role lacks moderate_comments")
	}
}

func TestParseFileErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "malformed", yaml: "users: [:"},
		{name: "missing id", yaml: "users:\n  - email: a@example.com\n"},
		{name: "missing email", yaml: "users:\n  - id: 1\n"},
		{name: "duplicate id", yaml: "users:\n  - id: 1\n    email: a@example.com\n  - id: 1\n    email: b@example.com\n"},
		{name: "spam comment", yaml: "comments:\n  - id: 1\n    status: spam\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("Parse() succeeded, want error")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(f.Roles()) != 3 {
		t.Errorf("Roles() = %v, want the three roles from the file", f.Roles())
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadFile() on missing file succeeded, want error")
	}
}
