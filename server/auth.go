package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"optin-comment-notifier/pkg/notifier"
)

const (
	sessionCookie = "optin_session"

	// formTokenField carries the per-user token every settings POST must echo.
	formTokenField = "optin_form_token"
	formAudience   = "optin-settings-form"
	formTokenTTL   = time.Hour
)

var (
	errUnauthenticated = errors.New("unauthenticated")
	errBadFormToken    = errors.New("invalid form token")
)

// NewSessionToken signs a session token for a user, valid for ttl.
func NewSessionToken(secret []byte, id notifier.UserID, ttl time.Duration) (string, error) {
	return signToken(secret, id, ttl, nil)
}

// newFormToken signs the token embedded in the settings form for id.
func newFormToken(secret []byte, id notifier.UserID, ttl time.Duration) (string, error) {
	return signToken(secret, id, ttl, jwt.ClaimStrings{formAudience})
}

func signToken(secret []byte, id notifier.UserID, ttl time.Duration, aud jwt.ClaimStrings) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(int64(id), 10),
		Audience:  aud,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// parseToken verifies an HS256 token and returns its claims.
func (s *Server) parseToken(raw string, opts ...jwt.ParserOption) (jwt.RegisteredClaims, error) {
	var claims jwt.RegisteredClaims
	if raw == "" || len(s.jwtSecret) == 0 {
		return claims, errors.New("missing token")
	}
	opts = append(opts, jwt.WithExpirationRequired())
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, opts...)
	return claims, err
}

func subjectID(claims jwt.RegisteredClaims) (notifier.UserID, bool) {
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return notifier.UserID(id), true
}

// sessionUserID extracts the signed-in user from a bearer token or the
// session cookie.
func (s *Server) sessionUserID(r *http.Request) (notifier.UserID, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		c, err := r.Cookie(sessionCookie)
		if err != nil {
			return 0, errUnauthenticated
		}
		raw = c.Value
	}
	claims, err := s.parseToken(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errUnauthenticated, err)
	}
	// Form tokens are scoped to the settings form and never act as sessions.
	if len(claims.Audience) > 0 {
		return 0, fmt.Errorf("%w: token has audience %v", errUnauthenticated, claims.Audience)
	}

	id, ok := subjectID(claims)
	if !ok {
		return 0, fmt.Errorf("%w: bad subject %q", errUnauthenticated, claims.Subject)
	}
	return id, nil
}

// checkFormToken verifies that raw was issued by the settings page to acting.
func (s *Server) checkFormToken(raw string, acting notifier.UserID) error {
	claims, err := s.parseToken(raw, jwt.WithAudience(formAudience))
	if err != nil {
		return fmt.Errorf("%w: %w", errBadFormToken, err)
	}
	if id, ok := subjectID(claims); !ok || id != acting {
		return fmt.Errorf("%w: issued to %q", errBadFormToken, claims.Subject)
	}
	return nil
}

// crossSite reports whether the browser marked r as coming from another site.
func crossSite(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Site") == "cross-site" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return true
	}
	return u.Host != r.Host
}
