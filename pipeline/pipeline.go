// Package pipeline runs the host's comment notification flow: it widens the
// recipient list through the opt-in hook and mails every recipient.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"optin-comment-notifier/pkg/notifier"
)

// Event names the host notification that triggered a dispatch.
type Event string

// Both host notifications run through the same recipient hook.
const (
	EventNotify   Event = "comment_notification"
	EventModerate Event = "comment_moderation"
)

// ParseEvent validates an event name.
func ParseEvent(s string) (Event, error) {
	switch Event(s) {
	case EventNotify, EventModerate:
		return Event(s), nil
	default:
		return "", fmt.Errorf("unknown event %q", s)
	}
}

// CommentSource loads the comment being announced.
type CommentSource interface {
	Comment(ctx context.Context, id notifier.CommentID) (notifier.Comment, error)
}

// Recipients widens the host's recipient list for a loaded comment.
type Recipients interface {
	Resolve(ctx context.Context, existing []string, c notifier.Comment) ([]string, error)
}

// Emailer sends one notification.
type Emailer interface {
	SendCommentNotification(ctx context.Context, to string, c notifier.Comment, moderation bool) error
}

// Result summarizes one dispatch.
type Result struct {
	DispatchID string   `json:"dispatch_id"`
	Event      Event    `json:"event"`
	Recipients []string `json:"recipients"`
	Sent       int      `json:"sent"`
	Failed     int      `json:"failed"`
}

// Dispatcher delivers comment notifications.
type Dispatcher struct {
	recipients Recipients
	comments   CommentSource
	emailer    Emailer
	logger     *slog.Logger
}

// New creates a new dispatcher.
func New(recipients Recipients, comments CommentSource, emailer Emailer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		recipients: recipients,
		comments:   comments,
		emailer:    emailer,
		logger:     logger,
	}
}

// Dispatch loads the comment once, resolves its recipients starting from
// the host's base list and emails each of them. A failed delivery is
// logged and counted without stopping the others. Lookup and resolution
// failures abort the dispatch before anything is sent.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event, commentID notifier.CommentID, base []string) (*Result, error) {
	start := time.Now()
	res := &Result{DispatchID: uuid.NewString(), Event: ev}
	logger := d.logger.With("dispatch_id", res.DispatchID, "event", ev, "comment_id", commentID)

	c, err := d.comments.Comment(ctx, commentID)
	if err != nil {
		dispatchesTotal.WithLabelValues(string(ev), "error").Inc()
		return nil, fmt.Errorf("load comment: %w", err)
	}

	to, err := d.recipients.Resolve(ctx, base, c)
	if err != nil {
		dispatchesTotal.WithLabelValues(string(ev), "error").Inc()
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	res.Recipients = to
	recipientsAdded.WithLabelValues(string(ev)).Observe(float64(len(to) - len(base)))

	if len(to) == 0 {
		logger.Info("No recipients for comment")
		dispatchesTotal.WithLabelValues(string(ev), "empty").Inc()
		return res, nil
	}

	for _, addr := range to {
		select {
		case <-ctx.Done():
			logger.Info("Context cancelled, stopping dispatch", "sent", res.Sent, "error", ctx.Err())
			dispatchesTotal.WithLabelValues(string(ev), "cancelled").Inc()
			return res, ctx.Err()
		default:
		}

		if err := d.emailer.SendCommentNotification(ctx, addr, c, ev == EventModerate); err != nil {
			res.Failed++
			emailsTotal.WithLabelValues(string(ev), "failed").Inc()
			logger.Warn("Notification delivery failed", "to", addr, "error", err)
			// Continue with other recipients despite errors
			continue
		}
		res.Sent++
		emailsTotal.WithLabelValues(string(ev), "sent").Inc()
	}

	outcome := "ok"
	if res.Failed > 0 {
		outcome = "partial"
	}
	dispatchesTotal.WithLabelValues(string(ev), outcome).Inc()
	dispatchDuration.WithLabelValues(string(ev)).Observe(time.Since(start).Seconds())

	logger.Info("Comment notifications dispatched",
		"base_recipients", len(base),
		"recipients", len(to),
		"sent", res.Sent,
		"failed", res.Failed,
		"duration_ms", time.Since(start).Milliseconds())
	return res, nil
}
