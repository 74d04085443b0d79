// Package notifier contains the core domain types for the comment opt-in notification service.
package notifier

// Version is the release version of the opt-in notification service.
const Version = "1.0"

// UserID identifies a registered user. Zero is never a real user.
type UserID int64

// CommentID identifies a comment.
type CommentID int64

// Capabilities is a user's raw capability map. Role names appear as keys too.
type Capabilities map[string]bool

// Has reports whether the capability is granted.
func (c Capabilities) Has(name string) bool {
	return c[name]
}

// User is a registered account as seen by the notification logic.
type User struct {
	Capabilities Capabilities `json:"capabilities"`
	Email        string       `json:"email"`
	Roles        []string     `json:"roles"`
	ID           UserID       `json:"id"`
}

// ApprovalState is the moderation state of a comment.
type ApprovalState string

// Approval states. Spam comments never reach the notification logic.
const (
	Approved ApprovalState = "approved"
	Pending  ApprovalState = "pending"
)

// Comment is the subset of a comment the recipient logic reads.
type Comment struct {
	Approval ApprovalState `json:"approval"`
	Text     string        `json:"text"`
	Author   string        `json:"author"`
	PostURL  string        `json:"post_url"`
	ID       CommentID     `json:"id"`
	AuthorID UserID        `json:"author_id"` // 0 for anonymous comments
}

// Anonymous reports whether the comment has no associated user.
func (c Comment) Anonymous() bool {
	return c.AuthorID == 0
}

// Config holds the names and sentinel values shared by the store, the
// recipient resolver and the settings control. It is immutable once built.
type Config struct {
	SitePrefix   string // Per-site scope for the stored preference
	OptionName   string // Preference name
	YesValue     string // Stored and submitted value meaning "opted in"
	FieldName    string // Form field carrying the checkbox value
	CapName      string // Derived capability gating the feature
	ModerateCap  string // Raw capability needed to hear about pending comments
	EditUsersCap string // Raw capability allowing edits of other users
}

// DefaultConfig returns the standard configuration for a site.
func DefaultConfig() Config {
	return Config{
		SitePrefix:   "wp_",
		OptionName:   "c2c_comment_notification_optin",
		YesValue:     "1",
		FieldName:    "optin_flag_field",
		CapName:      "c2c_subscribe_to_all_comments",
		ModerateCap:  "moderate_comments",
		EditUsersCap: "edit_users",
	}
}

// WithSitePrefix returns a copy of c scoped to another site.
func (c Config) WithSitePrefix(prefix string) Config {
	c.SitePrefix = prefix
	return c
}

// PreferenceKey is the site-scoped name the preference is persisted under.
func (c Config) PreferenceKey() string {
	return c.SitePrefix + c.OptionName
}
