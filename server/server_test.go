package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"optin-comment-notifier/capability"
	"optin-comment-notifier/pipeline"
	"optin-comment-notifier/pkg/notifier"
	"optin-comment-notifier/settings"
	"optin-comment-notifier/storage"
)

var errNoUser = errors.New("no such user")

type fakeUsers map[notifier.UserID]notifier.User

func (f fakeUsers) User(_ context.Context, id notifier.UserID) (notifier.User, error) {
	u, ok := f[id]
	if !ok {
		return notifier.User{}, errNoUser
	}
	return u, nil
}

type fakeDispatcher struct {
	err   error
	calls []dispatchCall
}

type dispatchCall struct {
	ev   pipeline.Event
	id   notifier.CommentID
	base []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, ev pipeline.Event, id notifier.CommentID, base []string) (*pipeline.Result, error) {
	f.calls = append(f.calls, dispatchCall{ev: ev, id: id, base: base})
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Result{DispatchID: "test", Event: ev, Recipients: base, Sent: len(base)}, nil
}

var (
	secret = []byte("test-secret")
	users  = fakeUsers{
		1: {ID: 1, Email: "admin@example.com", Capabilities: notifier.Capabilities{"administrator": true, "edit_users": true}},
		4: {ID: 4, Email: "subscriber@example.com", Capabilities: notifier.Capabilities{"subscriber": true}},
		5: {ID: 5, Email: "other@example.com", Capabilities: notifier.Capabilities{"subscriber": true}},
	}
)

type testEnv struct {
	store      *storage.Store
	dispatcher *fakeDispatcher
	handler    http.Handler
}

func newTestEnv(t *testing.T, overrides ...capability.Override) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := notifier.DefaultConfig()
	store := storage.New(nil, "", t.TempDir(), cfg, logger)
	binder := settings.New(store, capability.New(cfg, logger, overrides...), cfg, logger)
	dispatcher := &fakeDispatcher{}
	srv := New(&Config{
		Users:      users,
		Binder:     binder,
		Dispatcher: dispatcher,
		Logger:     logger,
		IsNotFound: func(err error) bool { return errors.Is(err, errNoUser) },
		SiteName:   "Example Blog",
		HookToken:  "hook-secret",
		JWTSecret:  secret,
	})
	return &testEnv{store: store, dispatcher: dispatcher, handler: srv.Handler()}
}

func bearer(t *testing.T, id notifier.UserID) string {
	t.Helper()
	tok, err := NewSessionToken(secret, id, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + tok
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" || body["version"] != notifier.Version {
		t.Errorf("health body = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestSettingsRequiresSession(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		header string
	}{
		{name: "no token", header: ""},
		{name: "garbage token", header: "Bearer nope"},
		{name: "unknown user", header: bearer(t, 99)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/settings", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}

	expired, err := NewSessionToken(secret, 4, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/settings", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: expired})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expired session status = %d, want 401", rec.Code)
	}
}

func TestShowSettings(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.Set(context.Background(), 4, true); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/settings", nil)
	req.Header.Set("Authorization", bearer(t, 4))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing")
	}
	doc, err := goquery.NewDocumentFromReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	input := doc.Find(`form#your-profile #optin-settings input[name="optin_flag_field"]`)
	if input.Length() != 1 {
		t.Fatal("opt-in checkbox not rendered inside the profile form")
	}
	if _, checked := input.Attr("checked"); !checked {
		t.Error("checkbox not checked for opted-in user")
	}
}

func TestShowSettingsHiddenWithoutCapability(t *testing.T) {
	env := newTestEnv(t, capability.RestrictToRoles("administrator"))

	req := httptest.NewRequest(http.MethodGet, "/settings", nil)
	req.Header.Set("Authorization", bearer(t, 4))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "optin_flag_field") {
		t.Error("checkbox rendered for user without the capability")
	}
}

func TestShowSettingsOtherUser(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/settings?user_id=5", nil)
	req.Header.Set("Authorization", bearer(t, 1))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "other@example.com") {
		t.Error("profile page does not show the target user")
	}

	req = httptest.NewRequest(http.MethodGet, "/settings?user_id=77", nil)
	req.Header.Set("Authorization", bearer(t, 1))
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown target status = %d, want 404", rec.Code)
	}
}

func formToken(t *testing.T, id notifier.UserID) string {
	t.Helper()
	tok, err := newFormToken(secret, id, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// postSettings submits the settings form with a valid form token unless the
// form already carries one.
func postSettings(t *testing.T, h http.Handler, acting notifier.UserID, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	if !form.Has(formTokenField) {
		form.Set(formTokenField, formToken(t, acting))
	}
	req := httptest.NewRequest(http.MethodPost, "/settings", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", bearer(t, acting))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSaveSettings(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	rec := postSettings(t, env.handler, 4, url.Values{"optin_flag_field": {"1"}})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("opt-in status = %d, want 303", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/settings?updated=1" {
		t.Errorf("redirect = %q", loc)
	}
	if ok, _ := env.store.Get(ctx, 4); !ok {
		t.Error("preference not stored after opt-in")
	}

	rec = postSettings(t, env.handler, 4, url.Values{})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("opt-out status = %d, want 303", rec.Code)
	}
	if ok, _ := env.store.Get(ctx, 4); ok {
		t.Error("preference still set after submitting without the checkbox")
	}
}

func TestSaveSettingsForOtherUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	rec := postSettings(t, env.handler, 4, url.Values{"user_id": {"5"}, "optin_flag_field": {"1"}})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if ok, _ := env.store.Get(ctx, 5); ok {
		t.Error("preference changed by a user without edit permission")
	}

	rec = postSettings(t, env.handler, 1, url.Values{"user_id": {"5"}, "optin_flag_field": {"1"}})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("admin status = %d, want 303", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/settings?updated=1&user_id=5" {
		t.Errorf("redirect = %q", loc)
	}
	if ok, _ := env.store.Get(ctx, 5); !ok {
		t.Error("administrator could not opt another user in")
	}

	rec = postSettings(t, env.handler, 1, url.Values{"user_id": {"abc"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad user_id status = %d, want 400", rec.Code)
	}
}

func TestSaveSettingsWithoutCapability(t *testing.T) {
	env := newTestEnv(t, capability.RestrictToRoles("administrator"))
	rec := postSettings(t, env.handler, 4, url.Values{"optin_flag_field": {"1"}})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if ok, _ := env.store.Get(context.Background(), 4); ok {
		t.Error("preference stored for user without the capability")
	}
}

func TestShowSettingsOtherUserRequiresEditPermission(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/settings?user_id=1", nil)
	req.Header.Set("Authorization", bearer(t, 4))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "admin@example.com") {
		t.Error("profile page leaked another user's email")
	}

	// Unknown targets are refused the same way, so IDs cannot be probed.
	req = httptest.NewRequest(http.MethodGet, "/settings?user_id=77", nil)
	req.Header.Set("Authorization", bearer(t, 4))
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("unknown target status = %d, want 403", rec.Code)
	}
}

func TestSaveSettingsRejectsForgedRequests(t *testing.T) {
	session, err := NewSessionToken(secret, 4, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		form    url.Values
		headers map[string]string
	}{
		{
			name:    "cross-origin without token",
			form:    url.Values{"optin_flag_field": {"1"}},
			headers: map[string]string{"Origin": "https://evil.example"},
		},
		{
			name:    "cross-origin with valid token",
			form:    url.Values{"optin_flag_field": {"1"}, formTokenField: {formToken(t, 4)}},
			headers: map[string]string{"Origin": "https://evil.example"},
		},
		{
			name:    "cross-site fetch metadata",
			form:    url.Values{"optin_flag_field": {"1"}, formTokenField: {formToken(t, 4)}},
			headers: map[string]string{"Sec-Fetch-Site": "cross-site"},
		},
		{
			name: "missing token",
			form: url.Values{"optin_flag_field": {"1"}},
		},
		{
			name: "token issued to another user",
			form: url.Values{"optin_flag_field": {"1"}, formTokenField: {formToken(t, 5)}},
		},
		{
			name: "session token as form token",
			form: url.Values{"optin_flag_field": {"1"}, formTokenField: {session}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := httptest.NewRequest(http.MethodPost, "/settings", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.AddCookie(&http.Cookie{Name: sessionCookie, Value: session})
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusForbidden {
				t.Errorf("status = %d, want 403", rec.Code)
			}
			if ok, _ := env.store.Get(context.Background(), 4); ok {
				t.Error("preference stored by a forged request")
			}
		})
	}
}

func TestFormTokenIsNotASession(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/settings", nil)
	req.Header.Set("Authorization", "Bearer "+formToken(t, 4))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestSettingsFormRoundTripWithCookie(t *testing.T) {
	env := newTestEnv(t)
	session, err := NewSessionToken(secret, 4, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	cookie := &http.Cookie{Name: sessionCookie, Value: session}

	req := httptest.NewRequest(http.MethodGet, "/settings", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", rec.Code)
	}
	doc, err := goquery.NewDocumentFromReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	tok, ok := doc.Find(`form#your-profile input[name="` + formTokenField + `"]`).Attr("value")
	if !ok || tok == "" {
		t.Fatal("settings form carries no form token")
	}

	form := url.Values{"optin_flag_field": {"1"}, formTokenField: {tok}}
	req = httptest.NewRequest(http.MethodPost, "/settings", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("POST status = %d, want 303", rec.Code)
	}
	if ok, _ := env.store.Get(context.Background(), 4); !ok {
		t.Error("preference not stored after a same-origin submission")
	}
}

func postHook(h http.Handler, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hooks/comment", strings.NewReader(body))
	if token != "" {
		req.Header.Set("X-Hook-Token", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCommentHook(t *testing.T) {
	env := newTestEnv(t)

	rec := postHook(env.handler, "hook-secret", `{"event":"comment_moderation","comment_id":12,"recipients":["owner@example.com"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if len(env.dispatcher.calls) != 1 {
		t.Fatalf("dispatcher called %d times, want 1", len(env.dispatcher.calls))
	}
	call := env.dispatcher.calls[0]
	if call.ev != pipeline.EventModerate || call.id != 12 || len(call.base) != 1 || call.base[0] != "owner@example.com" {
		t.Errorf("dispatch call = %+v", call)
	}
	var res pipeline.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.DispatchID != "test" || res.Sent != 1 {
		t.Errorf("response = %+v", res)
	}
}

func TestCommentHookRejects(t *testing.T) {
	tests := []struct {
		name  string
		token string
		body  string
		want  int
	}{
		{name: "missing token", body: `{"event":"comment_notification","comment_id":1}`, want: http.StatusUnauthorized},
		{name: "wrong token", token: "guess", body: `{"event":"comment_notification","comment_id":1}`, want: http.StatusUnauthorized},
		{name: "invalid json", token: "hook-secret", body: `{`, want: http.StatusBadRequest},
		{name: "unknown field", token: "hook-secret", body: `{"event":"comment_notification","comment_id":1,"extra":true}`, want: http.StatusBadRequest},
		{name: "unknown event", token: "hook-secret", body: `{"event":"comment_spam","comment_id":1}`, want: http.StatusBadRequest},
		{name: "missing comment", token: "hook-secret", body: `{"event":"comment_notification"}`, want: http.StatusBadRequest},
		{name: "bad recipient", token: "hook-secret", body: `{"event":"comment_notification","comment_id":1,"recipients":["not-an-email"]}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := postHook(env.handler, tt.token, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if len(env.dispatcher.calls) != 0 {
				t.Error("dispatcher called for rejected request")
			}
		})
	}
}

func TestCommentHookDispatchFailure(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.err = errors.New("store unavailable")
	rec := postHook(env.handler, "hook-secret", `{"event":"comment_notification","comment_id":3}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}

	env.dispatcher.err = errNoUser
	rec = postHook(env.handler, "hook-secret", `{"event":"comment_notification","comment_id":3}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("not found status = %d, want 404", rec.Code)
	}
}
