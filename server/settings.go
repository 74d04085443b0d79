package server

import (
	"bytes"
	"net/http"
	"net/url"
	"strconv"

	"optin-comment-notifier/pkg/notifier"
)

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.showSettings(w, r)
	case http.MethodPost:
		s.saveSettings(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// actingUser resolves the signed-in user, writing an error response on failure.
func (s *Server) actingUser(w http.ResponseWriter, r *http.Request) (notifier.User, bool) {
	id, err := s.sessionUserID(r)
	if err != nil {
		s.logger.Debug("Rejected session", "error", err)
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return notifier.User{}, false
	}

	u, err := s.users.User(r.Context(), id)
	if err != nil {
		if s.isNotFound(err) {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return notifier.User{}, false
		}
		s.logger.Error("Failed to load signed-in user", "user_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return notifier.User{}, false
	}
	return u, true
}

// targetUser reads the profile being viewed or edited, defaulting to self.
func targetUser(raw string, self notifier.UserID) (notifier.UserID, bool) {
	if raw == "" {
		return self, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return notifier.UserID(n), true
}

func (s *Server) showSettings(w http.ResponseWriter, r *http.Request) {
	acting, ok := s.actingUser(w, r)
	if !ok {
		return
	}

	target, ok := targetUser(r.URL.Query().Get("user_id"), acting.ID)
	if !ok {
		http.Error(w, "Invalid user", http.StatusBadRequest)
		return
	}

	email := acting.Email
	if target != acting.ID {
		if !s.binder.CanEdit(acting, target) {
			http.Error(w, "You are not allowed to view this profile", http.StatusForbidden)
			return
		}
		u, err := s.users.User(r.Context(), target)
		if err != nil {
			if s.isNotFound(err) {
				http.Error(w, "User not found", http.StatusNotFound)
				return
			}
			s.logger.Error("Failed to load profile user", "user_id", target, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		email = u.Email
	}

	formToken, err := newFormToken(s.jwtSecret, acting.ID, formTokenTTL)
	if err != nil {
		s.logger.Error("Failed to issue form token", "user_id", acting.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var page bytes.Buffer
	data := map[string]any{
		"SiteName":   s.siteName,
		"TargetID":   int64(target),
		"Email":      email,
		"Self":       target == acting.ID,
		"TokenField": formTokenField,
		"FormToken":  formToken,
		"Updated":    r.URL.Query().Get("updated") == "1",
	}
	if err := templates.ExecuteTemplate(&page, "profile.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "profile.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	out, err := s.binder.Inject(r.Context(), &page, settingsAnchor, acting, target)
	if err != nil {
		s.logger.Error("Failed to add opt-in control", "user_id", acting.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(out)); err != nil {
		s.logger.Warn("Failed to write settings page", "error", err)
	}
}

func (s *Server) saveSettings(w http.ResponseWriter, r *http.Request) {
	acting, ok := s.actingUser(w, r)
	if !ok {
		return
	}

	if crossSite(r) {
		s.logger.Warn("Rejected cross-site settings update", "user_id", acting.ID, "origin", r.Header.Get("Origin"))
		http.Error(w, "Cross-site request rejected", http.StatusForbidden)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	if err := s.checkFormToken(r.PostFormValue(formTokenField), acting.ID); err != nil {
		s.logger.Warn("Rejected settings update", "user_id", acting.ID, "error", err)
		http.Error(w, "Invalid or expired form, reload the page and try again", http.StatusForbidden)
		return
	}

	target, ok := targetUser(r.PostFormValue("user_id"), acting.ID)
	if !ok {
		http.Error(w, "Invalid user", http.StatusBadRequest)
		return
	}

	saved, err := s.binder.Save(r.Context(), target, r.PostFormValue(s.binder.FieldName()), acting)
	if err != nil {
		s.logger.Error("Failed to save preference", "acting_user_id", acting.ID, "target_user_id", target, "error", err)
		http.Error(w, "Failed to save settings", http.StatusInternalServerError)
		return
	}
	if !saved {
		http.Error(w, "You are not allowed to change this setting", http.StatusForbidden)
		return
	}

	q := url.Values{"updated": {"1"}}
	if target != acting.ID {
		q.Set("user_id", strconv.FormatInt(int64(target), 10))
	}
	http.Redirect(w, r, "/settings?"+q.Encode(), http.StatusSeeOther)
}
