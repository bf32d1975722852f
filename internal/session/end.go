package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shehryarbajwa/labforge/internal/events"
	"github.com/shehryarbajwa/labforge/internal/store"
	"github.com/shehryarbajwa/labforge/pkg/models"
)

// End tears a session down and marks it ENDED. Ending an unknown or
// already ended session succeeds. Concurrent calls for one session share a
// single destroy.
func (m *Manager) End(ctx context.Context, sessionID, userID string) (*models.SessionView, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}

	sess, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return models.EndedView(sessionID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess.UserID != userID {
		return nil, ErrUnauthorized
	}
	return m.end(ctx, sess, "")
}

// ForceEnd ends a session regardless of owner; used by operators.
func (m *Manager) ForceEnd(ctx context.Context, sessionID, reason string) (*models.SessionView, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return models.EndedView(sessionID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return m.end(ctx, sess, reason)
}

func (m *Manager) end(ctx context.Context, sess *models.LabSession, reason string) (*models.SessionView, error) {
	if sess.Status == models.StatusEnded {
		return models.NewSessionView(sess), nil
	}

	v, err, _ := m.ends.Do(sess.ID, func() (any, error) {
		release, err := m.acquire(ctx, sess.ScopeKey)
		if err != nil {
			return nil, err
		}
		defer release()
		// Ending must complete even if the caller goes away.
		return m.endLocked(context.WithoutCancel(ctx), sess.ID, reason)
	})
	if err != nil {
		return nil, err
	}
	view := *v.(*models.SessionView)
	return &view, nil
}

// endLocked does the work of End; the caller holds the scope lease.
func (m *Manager) endLocked(ctx context.Context, sessionID, reason string) (*models.SessionView, error) {
	m.cancelProvision(sessionID)
	unlock := m.lockCleanup(sessionID)
	defer unlock()

	cur, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if cur.Status == models.StatusEnded {
		return models.NewSessionView(cur), nil
	}

	log := m.log.With().Str("session", cur.ID).Str("account", cur.AccountID).Str("from", string(cur.Status)).Logger()
	log.Info().Str("reason", reason).Msg("ending session")

	// PENDING sessions may have partially applied; the driver treats
	// not-found as success.
	report := storedCleanup(cur)
	if report == nil {
		report = m.destroy(ctx, cur)
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		reportJSON = nil
	}

	now := m.now()
	ended, err := m.store.Transition(ctx, cur.ID,
		[]models.SessionStatus{models.StatusPending, models.StatusActive, models.StatusFailed},
		models.StatusEnded,
		func(s *models.LabSession) {
			s.ClearCredentials()
			s.EndedAt = &now
			s.CleanupReport = string(reportJSON)
		})
	if errors.Is(err, store.ErrStaleTransition) {
		latest, gerr := m.store.Get(ctx, cur.ID)
		if gerr != nil {
			return nil, gerr
		}
		return models.NewSessionView(latest), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}

	ev := events.FromSession(events.SessionEnded, ended)
	if reason != "" {
		ev.Reason = reason
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Msg("failed to publish event")
	}

	view := models.NewSessionView(ended)
	if !report.Clean() {
		view.CleanupWarning = cleanupWarning(report)
		log.Error().Str("warning", view.CleanupWarning).Msg("session ended with leftover resources")
		m.publish(ctx, events.SessionCleanupFailed, ended, report)
	}
	return view, nil
}

func cleanupWarning(r *models.DestroyReport) string {
	if failed := r.FailedSteps(); len(failed) > 0 {
		return fmt.Sprintf("resource cleanup incomplete: %d cleanup steps failed", len(failed))
	}
	if r.Fallback != nil && r.Fallback.Error != "" {
		return "resource cleanup incomplete: " + r.Fallback.Error
	}
	if r.Declarative.Error != "" {
		return "resource cleanup incomplete: " + r.Declarative.Error
	}
	return "resource cleanup incomplete"
}
