// Package email delivers comment notification emails via pluggable providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"optin-comment-notifier/pkg/notifier"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender formats comment notifications and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For profile links in emails
	siteName string
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL, siteName string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
		siteName: siteName,
	}
}

// SendCommentNotification emails one recipient about a comment. When
// moderation is true the message asks for review instead of announcing.
func (s *Sender) SendCommentNotification(ctx context.Context, to string, c notifier.Comment, moderation bool) error {
	subject := s.subject(c, moderation)
	body := s.formatCommentBody(c, moderation)

	s.logger.Info("Sending comment notification",
		"to", to,
		"comment_id", c.ID,
		"moderation", moderation)

	if err := s.provider.Send(ctx, to, subject, body); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

func (s *Sender) subject(c notifier.Comment, moderation bool) string {
	site := s.siteName
	if site == "" {
		site = "Your site"
	}
	if moderation {
		return fmt.Sprintf("[%s] Please moderate: comment #%d", site, c.ID)
	}
	return fmt.Sprintf("[%s] New comment #%d", site, c.ID)
}

func sendRetryOptions(ctx context.Context, logger *slog.Logger, providerName string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying "+providerName+" email send after error", "attempt", n, "error", err)
		}),
	}
}
