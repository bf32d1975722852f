package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/shehryarbajwa/labforge/internal/driver"
	"github.com/shehryarbajwa/labforge/internal/events"
	"github.com/shehryarbajwa/labforge/internal/guard"
	"github.com/shehryarbajwa/labforge/internal/pool"
	"github.com/shehryarbajwa/labforge/internal/store"
	"github.com/shehryarbajwa/labforge/pkg/models"
)

var (
	ErrUnauthorized   = errors.New("session belongs to another user")
	ErrLabNotFound    = errors.New("lab not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotActive      = errors.New("session is not active")
)

// Mode selects whether Start waits for provisioning
type Mode string

const (
	ModeAsync Mode = "async"
	ModeSync  Mode = "sync"
)

// ParseMode parses a provisioning mode, defaulting to async.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAsync:
		return ModeAsync, nil
	case ModeSync:
		return ModeSync, nil
	default:
		return "", fmt.Errorf("unknown provision mode %q", s)
	}
}

// Config tunes the orchestrator
type Config struct {
	Mode                    Mode
	Scope                   guard.Scope
	DefaultDuration         time.Duration
	ProvisionTimeout        time.Duration
	PendingGrace            time.Duration
	SweepInterval           time.Duration
	SweepConcurrency        int
	MaxConcurrentProvisions int
	// CancelWait bounds how long End waits for a cancelled provision to stop.
	CancelWait time.Duration
}

// ConsoleGenerator produces console sign-in links
type ConsoleGenerator interface {
	GenerateConsoleURL(ctx context.Context, region string, bundle *models.CredentialBundle) (string, time.Time, error)
}

// Deps are the orchestrator's collaborators
type Deps struct {
	Store    store.Store
	Registry *pool.Registry
	Guard    guard.Guard
	Capacity *guard.Capacity
	Driver   driver.Driver
	Console  ConsoleGenerator
	Events   events.Publisher
	Hub      *events.Hub
	// Labs is the lab catalog. When empty any lab id is accepted with the
	// default duration.
	Labs   map[string]models.Lab
	Logger zerolog.Logger
	Now    func() time.Time
}

type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type cleanupLock struct {
	mu   sync.Mutex
	refs int
}

// Manager drives sessions through PENDING, ACTIVE, FAILED and ENDED
type Manager struct {
	cfg      Config
	store    store.Store
	registry *pool.Registry
	guard    guard.Guard
	capacity *guard.Capacity
	driver   driver.Driver
	console  ConsoleGenerator
	events   events.Publisher
	hub      *events.Hub
	labs     map[string]models.Lab
	log      zerolog.Logger
	now      func() time.Time

	provisions *semaphore.Weighted
	ends       singleflight.Group
	inflight   sync.Map // sessionID -> *inflight

	cleanupMu sync.Mutex
	cleanups  map[string]*cleanupLock

	baseCtx  context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates a session orchestrator
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Guard == nil || deps.Driver == nil {
		return nil, fmt.Errorf("store, registry, guard and driver are required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAsync
	}
	if cfg.Scope == "" {
		cfg.Scope = guard.ScopeUser
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = time.Hour
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 5 * time.Minute
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = 2 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 4
	}
	if cfg.MaxConcurrentProvisions <= 0 {
		cfg.MaxConcurrentProvisions = deps.Registry.Size()
	}
	if cfg.CancelWait <= 0 {
		cfg.CancelWait = 30 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Hub == nil {
		deps.Hub = events.NewHub()
	}
	if deps.Events == nil {
		deps.Events = events.NewLogPublisher(deps.Logger)
	}

	baseCtx, shutdown := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		store:      deps.Store,
		registry:   deps.Registry,
		guard:      deps.Guard,
		capacity:   deps.Capacity,
		driver:     deps.Driver,
		console:    deps.Console,
		events:     events.Multi{deps.Events, deps.Hub},
		hub:        deps.Hub,
		labs:       deps.Labs,
		log:        deps.Logger,
		now:        deps.Now,
		provisions: semaphore.NewWeighted(int64(cfg.MaxConcurrentProvisions)),
		cleanups:   make(map[string]*cleanupLock),
		baseCtx:    baseCtx,
		shutdown:   shutdown,
	}, nil
}

// Close cancels background provisioning and waits for it to stop
func (m *Manager) Close() {
	m.shutdown()
	m.wg.Wait()
}

func (m *Manager) lab(labID string) (models.Lab, error) {
	if len(m.labs) == 0 {
		return models.Lab{ID: labID, Duration: m.cfg.DefaultDuration}, nil
	}
	lab, ok := m.labs[labID]
	if !ok {
		return models.Lab{}, fmt.Errorf("%w: %s", ErrLabNotFound, labID)
	}
	if lab.ID == "" {
		lab.ID = labID
	}
	if lab.Duration <= 0 {
		lab.Duration = m.cfg.DefaultDuration
	}
	return lab, nil
}

func (m *Manager) acquire(ctx context.Context, key string) (func(), error) {
	lease, err := m.guard.TryAcquire(ctx, key)
	if err != nil {
		return nil, err
	}
	return func() {
		// Release must happen even if the request context is already done.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(relCtx); err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("failed to release lease")
		}
	}, nil
}

// Start admits, allocates and provisions a session for the user. An open
// session in the same scope is returned unchanged.
func (m *Manager) Start(ctx context.Context, userID, labID string) (*models.SessionView, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(labID) == "" {
		return nil, fmt.Errorf("%w: user and lab are required", ErrInvalidRequest)
	}
	lab, err := m.lab(labID)
	if err != nil {
		return nil, err
	}

	key := m.cfg.Scope.Key(userID, labID)
	release, err := m.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := m.store.FindOpenByScope(ctx, key)
	switch {
	case err == nil && existing.Expired(m.now()):
		m.log.Info().Str("session", existing.ID).Msg("ending expired session before start")
		if _, err := m.endLocked(context.WithoutCancel(ctx), existing.ID, "expired"); err != nil {
			return nil, err
		}
	case err == nil:
		return m.view(ctx, existing), nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to look up open session: %w", err)
	}

	if m.capacity != nil {
		if err := m.capacity.Check(ctx); err != nil {
			return nil, err
		}
	}

	sess, account, err := m.allocate(ctx, userID, lab, key)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.StatusPending {
		// Lost the scope race to another instance; that session wins.
		return m.view(ctx, sess), nil
	}

	m.log.Info().
		Str("session", sess.ID).
		Str("user", userID).
		Str("lab", lab.ID).
		Str("account", account.ID).
		Msg("session created")
	m.publish(ctx, events.SessionStarted, sess, nil)

	if m.cfg.Mode == ModeAsync {
		m.launch(sess, account, lab)
		return m.view(ctx, sess), nil
	}
	return m.provisionSync(ctx, sess, account, lab)
}

// allocate persists a PENDING session on a free account, retrying with the
// next account when another request claimed the chosen one first.
func (m *Manager) allocate(ctx context.Context, userID string, lab models.Lab, key string) (*models.LabSession, models.CloudAccount, error) {
	skip := map[string]bool{}
	for attempt := 0; attempt < m.registry.Size(); attempt++ {
		account, err := m.registry.FindAvailableAccountExcluding(ctx, skip)
		if err != nil {
			return nil, models.CloudAccount{}, err
		}

		now := m.now()
		sess := &models.LabSession{
			ID:        uuid.New().String(),
			LabID:     lab.ID,
			UserID:    userID,
			ScopeKey:  key,
			AccountID: account.ID,
			Region:    account.Region,
			Status:    models.StatusPending,
			StartedAt: now,
			ExpiresAt: now.Add(lab.Duration),
		}

		err = m.store.CreatePending(ctx, sess)
		switch {
		case err == nil:
			return sess, account, nil
		case errors.Is(err, store.ErrAccountClaimed):
			m.log.Debug().Str("account", account.ID).Msg("account claimed concurrently, retrying")
			skip[account.ID] = true
		case errors.Is(err, store.ErrScopeBusy):
			existing, ferr := m.store.FindOpenByScope(ctx, key)
			if ferr != nil {
				return nil, models.CloudAccount{}, fmt.Errorf("failed to look up open session: %w", ferr)
			}
			return existing, account, nil
		default:
			return nil, models.CloudAccount{}, fmt.Errorf("failed to create session: %w", err)
		}
	}
	return nil, models.CloudAccount{}, pool.ErrAccountPoolExhausted
}

func (m *Manager) track(sessionID string, parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	f := &inflight{cancel: cancel, done: make(chan struct{})}
	m.inflight.Store(sessionID, f)
	return ctx, func() {
		m.inflight.Delete(sessionID)
		cancel()
		close(f.done)
	}
}

// lockCleanup serializes destroys of one session's resources. The returned
// func releases the lock.
func (m *Manager) lockCleanup(sessionID string) func() {
	m.cleanupMu.Lock()
	l, ok := m.cleanups[sessionID]
	if !ok {
		l = &cleanupLock{}
		m.cleanups[sessionID] = l
	}
	l.refs++
	m.cleanupMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.cleanupMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.cleanups, sessionID)
		}
		m.cleanupMu.Unlock()
	}
}

// cancelProvision stops an in-flight provision and waits for it to unwind
func (m *Manager) cancelProvision(sessionID string) {
	v, ok := m.inflight.Load(sessionID)
	if !ok {
		return
	}
	f := v.(*inflight)
	f.cancel()
	select {
	case <-f.done:
	case <-time.After(m.cfg.CancelWait):
		m.log.Warn().Str("session", sessionID).Msg("provisioning did not stop after cancel")
	}
}

func (m *Manager) launch(sess *models.LabSession, account models.CloudAccount, lab models.Lab) {
	ctx, untrack := m.track(sess.ID, m.baseCtx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer untrack()

		if err := m.provisions.Acquire(ctx, 1); err != nil {
			// Cancelled while queued; End or the sweeper owns the row now.
			return
		}
		defer m.provisions.Release(1)

		if _, err := m.provision(ctx, sess, account, lab); err != nil {
			m.log.Warn().Err(err).Str("session", sess.ID).Msg("async provisioning failed")
		}
	}()
}

func (m *Manager) provisionSync(ctx context.Context, sess *models.LabSession, account models.CloudAccount, lab models.Lab) (*models.SessionView, error) {
	// A disconnecting caller must not abandon a half-applied sandbox.
	provCtx, untrack := m.track(sess.ID, context.WithoutCancel(ctx))
	defer untrack()

	if err := m.provisions.Acquire(provCtx, 1); err != nil {
		return nil, err
	}
	defer m.provisions.Release(1)

	return m.provision(provCtx, sess, account, lab)
}

// provision runs the driver and records the outcome
func (m *Manager) provision(ctx context.Context, sess *models.LabSession, account models.CloudAccount, lab models.Lab) (*models.SessionView, error) {
	log := m.log.With().Str("session", sess.ID).Str("account", account.ID).Logger()
	persistCtx := context.WithoutCancel(ctx)

	result, err := m.driver.Provision(ctx, driver.ProvisionRequest{
		Account:   account,
		Lab:       lab,
		UserID:    sess.UserID,
		SessionID: sess.ID,
	})
	if err != nil {
		if !errors.Is(err, driver.ErrProvisioningFailed) {
			err = &driver.ProvisioningError{SessionID: sess.ID, Step: "provision", Err: err}
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			// Cancelled by End or shutdown; whoever cancelled owns the row.
			log.Info().Msg("provisioning cancelled")
			return nil, err
		}
		m.fail(persistCtx, sess, err.Error())
		return nil, err
	}

	active, err := m.store.Transition(persistCtx, sess.ID, []models.SessionStatus{models.StatusPending}, models.StatusActive, func(s *models.LabSession) {
		s.ApplyProvisionResult(result)
		s.ExpiresAt = m.now().Add(lab.Duration)
	})
	if errors.Is(err, store.ErrStaleTransition) {
		log.Warn().Msg("session ended during provisioning, destroying fresh resources")
		unlock := m.lockCleanup(sess.ID)
		report := m.driver.Destroy(persistCtx, driver.DestroyRequest{
			Account:   account,
			Lab:       lab,
			UserID:    sess.UserID,
			SessionID: sess.ID,
			Known:     result,
		})
		unlock()
		current, gerr := m.store.Get(persistCtx, sess.ID)
		if gerr != nil {
			return nil, gerr
		}
		if !report.Clean() {
			m.publish(persistCtx, events.SessionCleanupFailed, current, report)
		}
		return models.NewSessionView(current), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to activate session: %w", err)
	}

	log.Info().Str("principal", active.PrincipalName).Msg("session active")
	m.publish(persistCtx, events.SessionActivated, active, nil)
	return m.view(persistCtx, active), nil
}

// fail destroys whatever a failed provision may have created and marks the
// session FAILED with the cleanup report. The row stays FAILED for
// inspection until End.
func (m *Manager) fail(ctx context.Context, sess *models.LabSession, reason string) {
	log := m.log.With().Str("session", sess.ID).Logger()

	unlock := m.lockCleanup(sess.ID)
	defer unlock()

	cur, err := m.store.Get(ctx, sess.ID)
	if err != nil || cur.Status != models.StatusPending {
		// Ended elsewhere; that path handled cleanup.
		log.Warn().Err(err).Msg("could not mark session failed")
		return
	}

	report := m.destroy(ctx, cur)
	reportJSON, err := json.Marshal(report)
	if err != nil {
		reportJSON = nil
	}
	failed, err := m.store.Transition(ctx, sess.ID, []models.SessionStatus{models.StatusPending}, models.StatusFailed, func(s *models.LabSession) {
		s.FailureReason = reason
		s.CleanupReport = string(reportJSON)
	})
	if err != nil {
		log.Warn().Err(err).Msg("could not mark session failed")
		return
	}
	log.Warn().Str("reason", reason).Msg("session failed")
	m.publish(ctx, events.SessionFailed, failed, nil)
	if !report.Clean() {
		m.publish(ctx, events.SessionCleanupFailed, failed, report)
	}
}

// storedCleanup returns the report of an earlier clean destroy of a FAILED
// session, or nil when End must destroy again.
func storedCleanup(s *models.LabSession) *models.DestroyReport {
	if s.Status != models.StatusFailed || s.CleanupReport == "" {
		return nil
	}
	var r models.DestroyReport
	if err := json.Unmarshal([]byte(s.CleanupReport), &r); err != nil || !r.Clean() {
		return nil
	}
	return &r
}

func (m *Manager) destroy(ctx context.Context, sess *models.LabSession) *models.DestroyReport {
	account, ok := m.registry.Get(sess.AccountID)
	if !ok {
		return &models.DestroyReport{Declarative: models.TierResult{
			Error: fmt.Sprintf("account %s is no longer configured", sess.AccountID),
		}}
	}
	lab, err := m.lab(sess.LabID)
	if err != nil {
		lab = models.Lab{ID: sess.LabID, Duration: m.cfg.DefaultDuration}
	}
	return m.driver.Destroy(ctx, driver.DestroyRequest{
		Account:   account,
		Lab:       lab,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Known:     sess.KnownResources(),
	})
}

func (m *Manager) publish(ctx context.Context, t events.Type, sess *models.LabSession, report *models.DestroyReport) {
	ev := events.FromSession(t, sess)
	ev.Report = report
	if err := m.events.Publish(ctx, ev); err != nil {
		m.log.Warn().Err(err).Str("event", string(t)).Str("session", sess.ID).Msg("failed to publish event")
	}
}
