// Package store persists lab sessions. The session table is the single source
// of truth for pool availability and admission.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shehryarbajwa/labforge/pkg/models"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrAccountClaimed    = errors.New("account already claimed by an open session")
	ErrScopeBusy         = errors.New("an open session already exists for this scope")
	ErrStaleTransition   = errors.New("session status changed concurrently")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Store is the persistence collaborator for lab sessions.
type Store interface {
	// CreatePending inserts a PENDING session after checking, in the same
	// transaction, that neither its account nor its scope has an open session.
	CreatePending(ctx context.Context, session *models.LabSession) error
	Get(ctx context.Context, id string) (*models.LabSession, error)
	FindByUser(ctx context.Context, userID string, statuses ...models.SessionStatus) ([]*models.LabSession, error)
	FindByAccount(ctx context.Context, accountID string, statuses ...models.SessionStatus) ([]*models.LabSession, error)
	FindOpenByScope(ctx context.Context, scopeKey string) (*models.LabSession, error)
	ListByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]*models.LabSession, error)
	ListByUserLab(ctx context.Context, userID, labID string) ([]*models.LabSession, error)
	ListExpired(ctx context.Context, now time.Time) ([]*models.LabSession, error)
	ListStalePending(ctx context.Context, startedBefore time.Time) ([]*models.LabSession, error)
	// ClaimedAccounts maps account id to the open session holding it.
	ClaimedAccounts(ctx context.Context) (map[string]string, error)
	CountOpen(ctx context.Context) (int64, error)
	// Transition moves a session from one of the given statuses to another,
	// applying mutate to the row first. It fails with ErrStaleTransition when
	// the stored status is not in from.
	Transition(ctx context.Context, id string, from []models.SessionStatus, to models.SessionStatus, mutate func(*models.LabSession)) (*models.LabSession, error)
}

func statusStrings(statuses []models.SessionStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func containsStatus(statuses []models.SessionStatus, s models.SessionStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
