package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/shehryarbajwa/labforge/pkg/models"
)

// GormStore implements Store on top of gorm.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGorm creates a store over an already migrated database.
func NewGorm(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

// DB exposes the underlying handle for migrations and health checks.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) CreatePending(ctx context.Context, session *models.LabSession) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if session.AccountID == "" || session.ScopeKey == "" {
		return fmt.Errorf("account and scope are required")
	}
	session.Status = models.StatusPending
	now := s.now().UTC()
	if session.StartedAt.IsZero() {
		session.StartedAt = now
	}
	session.UpdatedAt = now
	session.StartedAt = session.StartedAt.UTC()
	session.ExpiresAt = session.ExpiresAt.UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.LabSession{}).
			Where("account_id = ?", session.AccountID).
			Where("status IN ?", statusStrings(models.OpenStatuses)).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrAccountClaimed
		}
		if err := tx.Model(&models.LabSession{}).
			Where("scope_key = ?", session.ScopeKey).
			Where("status IN ?", statusStrings(models.OpenStatuses)).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrScopeBusy
		}
		if err := tx.Create(session).Error; err != nil {
			if conflict := classifyUniqueViolation(err); conflict != nil {
				return conflict
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

func (s *GormStore) Get(ctx context.Context, id string) (*models.LabSession, error) {
	var session models.LabSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *GormStore) FindByUser(ctx context.Context, userID string, statuses ...models.SessionStatus) ([]*models.LabSession, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(statuses))
	}
	var sessions []*models.LabSession
	if err := q.Order("started_at DESC").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *GormStore) FindByAccount(ctx context.Context, accountID string, statuses ...models.SessionStatus) ([]*models.LabSession, error) {
	q := s.db.WithContext(ctx).Where("account_id = ?", accountID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(statuses))
	}
	var sessions []*models.LabSession
	if err := q.Order("started_at DESC").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *GormStore) FindOpenByScope(ctx context.Context, scopeKey string) (*models.LabSession, error) {
	var session models.LabSession
	err := s.db.WithContext(ctx).
		Where("scope_key = ?", scopeKey).
		Where("status IN ?", statusStrings(models.OpenStatuses)).
		Order("started_at DESC").
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *GormStore) ListByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]*models.LabSession, error) {
	q := s.db.WithContext(ctx)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(statuses))
	}
	var sessions []*models.LabSession
	if err := q.Order("started_at DESC").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *GormStore) ListByUserLab(ctx context.Context, userID, labID string) ([]*models.LabSession, error) {
	var sessions []*models.LabSession
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND lab_id = ?", userID, labID).
		Order("started_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *GormStore) ListExpired(ctx context.Context, now time.Time) ([]*models.LabSession, error) {
	var sessions []*models.LabSession
	err := s.db.WithContext(ctx).
		Where("status IN ?", statusStrings(models.OpenStatuses)).
		Where("expires_at <= ?", now.UTC()).
		Order("expires_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *GormStore) ListStalePending(ctx context.Context, startedBefore time.Time) ([]*models.LabSession, error) {
	var sessions []*models.LabSession
	err := s.db.WithContext(ctx).
		Where("status = ?", string(models.StatusPending)).
		Where("started_at < ?", startedBefore.UTC()).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *GormStore) ClaimedAccounts(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		ID        string
		AccountID string
	}
	err := s.db.WithContext(ctx).
		Model(&models.LabSession{}).
		Select("id", "account_id").
		Where("status IN ?", statusStrings(models.OpenStatuses)).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	claimed := make(map[string]string, len(rows))
	for _, row := range rows {
		claimed[row.AccountID] = row.ID
	}
	return claimed, nil
}

func (s *GormStore) CountOpen(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.LabSession{}).
		Where("status IN ?", statusStrings(models.OpenStatuses)).
		Count(&n).Error
	return n, err
}

func (s *GormStore) Transition(ctx context.Context, id string, from []models.SessionStatus, to models.SessionStatus, mutate func(*models.LabSession)) (*models.LabSession, error) {
	for _, f := range from {
		if !models.CanTransition(f, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, f, to)
		}
	}

	var out *models.LabSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.LabSession
		if err := tx.First(&current, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !containsStatus(from, current.Status) {
			return ErrStaleTransition
		}

		prev := current.Status
		next := current
		if mutate != nil {
			mutate(&next)
		}
		next.ID = current.ID
		next.Status = to
		next.UpdatedAt = s.now().UTC()

		// The status predicate makes the write conditional even when the
		// database runs below serializable isolation.
		res := tx.Model(&models.LabSession{}).
			Where("id = ? AND status = ?", id, string(prev)).
			Updates(mutableColumns(&next))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleTransition
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func mutableColumns(s *models.LabSession) map[string]any {
	var endedAt *time.Time
	if s.EndedAt != nil {
		t := s.EndedAt.UTC()
		endedAt = &t
	}
	return map[string]any{
		"status":            string(s.Status),
		"principal_name":    s.PrincipalName,
		"password":          s.Password,
		"access_key_id":     s.AccessKeyID,
		"secret_access_key": s.SecretAccessKey,
		"session_token":     s.SessionToken,
		"bucket_name":       s.BucketName,
		"region":            s.Region,
		"failure_reason":    s.FailureReason,
		"cleanup_report":    s.CleanupReport,
		"expires_at":        s.ExpiresAt.UTC(),
		"ended_at":          endedAt,
		"updated_at":        s.UpdatedAt.UTC(),
	}
}
