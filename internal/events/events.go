package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/labforge/pkg/models"
)

// Type is the routing key of a lifecycle event
type Type string

const (
	SessionStarted       Type = "session.started"
	SessionActivated     Type = "session.activated"
	SessionFailed        Type = "session.failed"
	SessionEnded         Type = "session.ended"
	SessionCleanupFailed Type = "session.cleanup_failed"
)

// Event is one session lifecycle notification
type Event struct {
	Type      Type                  `json:"type"`
	SessionID string                `json:"sessionId"`
	UserID    string                `json:"userId"`
	LabID     string                `json:"labId"`
	AccountID string                `json:"accountId"`
	Status    models.SessionStatus  `json:"status"`
	Reason    string                `json:"reason,omitempty"`
	Report    *models.DestroyReport `json:"report,omitempty"`
	Time      time.Time             `json:"time"`
}

// FromSession builds an event describing s
func FromSession(t Type, s *models.LabSession) Event {
	return Event{
		Type:      t,
		SessionID: s.ID,
		UserID:    s.UserID,
		LabID:     s.LabID,
		AccountID: s.AccountID,
		Status:    s.Status,
		Reason:    s.FailureReason,
		Time:      time.Now().UTC(),
	}
}

// Publisher delivers lifecycle events
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// LogPublisher writes events to the structured log
type LogPublisher struct {
	log zerolog.Logger
}

// NewLogPublisher creates a log-only publisher
func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	entry := p.log.Info()
	if ev.Type == SessionCleanupFailed {
		// Operators alarm on this one; resources may still be billing.
		entry = p.log.Error()
		if ev.Report != nil {
			entry = entry.Interface("failedSteps", ev.Report.FailedSteps())
		}
	}
	entry.
		Str("event", string(ev.Type)).
		Str("session", ev.SessionID).
		Str("user", ev.UserID).
		Str("lab", ev.LabID).
		Str("account", ev.AccountID).
		Str("status", string(ev.Status)).
		Str("reason", ev.Reason).
		Msg("session event")
	return nil
}

// Multi fans one event out to several publishers
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
