// Package settings renders and saves the per-user opt-in control on the profile page.
package settings

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"

	"github.com/PuerkitoBio/goquery"

	"optin-comment-notifier/pkg/notifier"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// ErrNoAnchor is returned by Inject when the selector matches nothing.
var ErrNoAnchor = errors.New("settings anchor not found")

// Preferences reads and writes the opt-in preference.
type Preferences interface {
	Get(ctx context.Context, id notifier.UserID) (bool, error)
	Set(ctx context.Context, id notifier.UserID, optedIn bool) error
}

// Capabilities answers the permission checks the control needs.
type Capabilities interface {
	Resolve(u notifier.User) bool
	CanEditUser(acting notifier.User, target notifier.UserID) bool
}

// Binder connects the preference store to the settings page.
type Binder struct {
	prefs  Preferences
	caps   Capabilities
	logger *slog.Logger
	cfg    notifier.Config
}

// New creates a new settings binder.
func New(prefs Preferences, caps Capabilities, cfg notifier.Config, logger *slog.Logger) *Binder {
	return &Binder{
		prefs:  prefs,
		caps:   caps,
		cfg:    cfg,
		logger: logger,
	}
}

// FieldName is the form field the control submits.
func (b *Binder) FieldName() string {
	return b.cfg.FieldName
}

// CanEdit reports whether acting may view and change target's settings.
func (b *Binder) CanEdit(acting notifier.User, target notifier.UserID) bool {
	return b.caps.CanEditUser(acting, target)
}

// RenderControl returns the checkbox row for viewer's own preference, or
// nothing when the viewer may not use the feature.
func (b *Binder) RenderControl(ctx context.Context, viewer notifier.User) (template.HTML, error) {
	return b.RenderControlFor(ctx, viewer, viewer.ID)
}

// RenderControlFor renders the control showing target's preference to
// viewer, as on another user's profile page.
func (b *Binder) RenderControlFor(ctx context.Context, viewer notifier.User, target notifier.UserID) (template.HTML, error) {
	if !b.caps.Resolve(viewer) {
		return "", nil
	}
	if target != viewer.ID && !b.caps.CanEditUser(viewer, target) {
		return "", nil
	}

	checked, err := b.prefs.Get(ctx, target)
	if err != nil {
		return "", fmt.Errorf("read preference: %w", err)
	}

	var buf bytes.Buffer
	data := struct {
		Field   string
		Value   string
		Checked bool
	}{
		Field:   b.cfg.FieldName,
		Value:   b.cfg.YesValue,
		Checked: checked,
	}
	if err := templates.ExecuteTemplate(&buf, "optin.tmpl", data); err != nil {
		return "", fmt.Errorf("render control: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// Inject appends the control for target inside the first element of page
// matching selector and returns the resulting document.
func (b *Binder) Inject(ctx context.Context, page io.Reader, selector string, viewer notifier.User, target notifier.UserID) (string, error) {
	doc, err := goquery.NewDocumentFromReader(page)
	if err != nil {
		return "", fmt.Errorf("parse settings page: %w", err)
	}

	anchor := doc.Find(selector).First()
	if anchor.Length() == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoAnchor, selector)
	}

	control, err := b.RenderControlFor(ctx, viewer, target)
	if err != nil {
		return "", err
	}
	if control != "" {
		anchor.AppendHtml(string(control))
	}

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("serialize settings page: %w", err)
	}
	return out, nil
}

// Save applies a submitted form value to target's preference on behalf of
// acting. It reports false without touching the store when acting may not
// edit target or may not use the feature. Any value other than the yes
// value opts the user out.
func (b *Binder) Save(ctx context.Context, target notifier.UserID, submitted string, acting notifier.User) (bool, error) {
	if !b.caps.CanEditUser(acting, target) || !b.caps.Resolve(acting) {
		b.logger.Warn("Preference save denied", "acting_user_id", acting.ID, "target_user_id", target)
		return false, nil
	}

	optedIn := submitted == b.cfg.YesValue
	if err := b.prefs.Set(ctx, target, optedIn); err != nil {
		return false, fmt.Errorf("save preference: %w", err)
	}

	b.logger.Info("Preference updated", "acting_user_id", acting.ID, "target_user_id", target, "opted_in", optedIn)
	return true, nil
}
