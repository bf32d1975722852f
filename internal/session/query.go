package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shehryarbajwa/labforge/internal/events"
	"github.com/shehryarbajwa/labforge/internal/guard"
	"github.com/shehryarbajwa/labforge/pkg/models"
)

// ConsoleLink is a federated sign-in link
type ConsoleLink struct {
	URL       string    `json:"consoleUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (m *Manager) owned(ctx context.Context, sessionID, userID string) (*models.LabSession, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrUnauthorized
	}
	return sess, nil
}

// Status is the single authoritative status query for a session.
// Sessions found past their expiry are ended on access.
func (m *Manager) Status(ctx context.Context, sessionID, userID string) (*models.SessionView, error) {
	sess, err := m.owned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	if sess.Status.IsOpen() && sess.Expired(m.now()) {
		view, err := m.end(ctx, sess, "expired")
		if err == nil {
			return view, nil
		}
		if !errors.Is(err, guard.ErrAlreadyInProgress) {
			return nil, err
		}
	}
	return m.view(ctx, sess), nil
}

// view builds the caller view, adding a console link for ACTIVE sessions.
// A federation failure only leaves the link out.
func (m *Manager) view(ctx context.Context, sess *models.LabSession) *models.SessionView {
	v := models.NewSessionView(sess)
	if v.Credentials == nil || m.console == nil || sess.Expired(m.now()) {
		return v
	}
	link, _, err := m.console.GenerateConsoleURL(ctx, sess.Region, v.Credentials)
	if err != nil {
		m.log.Warn().Err(err).Str("session", sess.ID).Msg("console link unavailable")
		return v
	}
	v.ConsoleURL = link
	return v
}

// ConsoleURL generates a fresh sign-in link. It can be retried freely; a
// session found past its expiry is ended instead.
func (m *Manager) ConsoleURL(ctx context.Context, sessionID, userID string) (*ConsoleLink, error) {
	sess, err := m.owned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsOpen() && sess.Expired(m.now()) {
		if _, err := m.end(ctx, sess, "expired"); err != nil && !errors.Is(err, guard.ErrAlreadyInProgress) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: session expired", ErrNotActive)
	}
	creds := sess.Credentials()
	if creds == nil {
		return nil, fmt.Errorf("%w: status is %s", ErrNotActive, sess.Status)
	}
	if m.console == nil {
		return nil, fmt.Errorf("console access is not configured")
	}
	link, expires, err := m.console.GenerateConsoleURL(ctx, sess.Region, creds)
	if err != nil {
		return nil, err
	}
	return &ConsoleLink{URL: link, ExpiresAt: expires}, nil
}

// History lists the user's sessions for a lab, newest first. Credentials
// are never included.
func (m *Manager) History(ctx context.Context, userID, labID string) ([]*models.SessionView, error) {
	sessions, err := m.store.ListByUserLab(ctx, userID, labID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	views := make([]*models.SessionView, 0, len(sessions))
	for _, s := range sessions {
		v := models.NewSessionView(s)
		v.Credentials = nil
		views = append(views, v)
	}
	return views, nil
}

// Watch subscribes to lifecycle events of one session. The returned view
// is the state at subscription time.
func (m *Manager) Watch(ctx context.Context, sessionID, userID string) (*models.SessionView, <-chan events.Event, func(), error) {
	sess, err := m.owned(ctx, sessionID, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	ch, cancel := m.hub.Subscribe(sessionID)
	view := models.NewSessionView(sess)
	view.Credentials = nil
	return view, ch, cancel, nil
}

// Sessions lists sessions by status for operators
func (m *Manager) Sessions(ctx context.Context, statuses ...models.SessionStatus) ([]*models.LabSession, error) {
	return m.store.ListByStatus(ctx, statuses...)
}

// Accounts reports the derived availability of every pool account
func (m *Manager) Accounts(ctx context.Context) ([]models.AccountAvailability, error) {
	return m.registry.Availability(ctx)
}
