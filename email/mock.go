package email

import (
	"context"
	"log/slog"
	"sync"
)

// Message is an email captured by the mock provider.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
}

// MockProvider logs and records emails instead of sending them.
type MockProvider struct {
	logger *slog.Logger
	sent   []Message
	mu     sync.Mutex
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send records the email.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Message{To: to, Subject: subject, HTMLBody: htmlBody})
	return nil
}

// Sent returns a copy of every email recorded so far.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
