package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/labforge/internal/driver"
	"github.com/shehryarbajwa/labforge/internal/events"
	"github.com/shehryarbajwa/labforge/internal/guard"
	"github.com/shehryarbajwa/labforge/internal/pool"
	"github.com/shehryarbajwa/labforge/internal/store"
	"github.com/shehryarbajwa/labforge/internal/store/storetest"
	"github.com/shehryarbajwa/labforge/pkg/models"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeDriver struct {
	mu          sync.Mutex
	provisionFn func(ctx context.Context, req driver.ProvisionRequest) (*models.ProvisionResult, error)
	destroyFn   func(ctx context.Context, req driver.DestroyRequest) *models.DestroyReport
	provisions  []string
	destroys    []driver.DestroyRequest
}

func okResult(req driver.ProvisionRequest) *models.ProvisionResult {
	return &models.ProvisionResult{
		Username:        "lab-" + req.SessionID[:8],
		Password:        "pw",
		AccessKeyID:     "AKIA" + req.SessionID[:8],
		SecretAccessKey: "secret",
		Region:          req.Account.Region,
		BucketName:      "bucket-" + req.SessionID[:8],
	}
}

func (f *fakeDriver) Provision(ctx context.Context, req driver.ProvisionRequest) (*models.ProvisionResult, error) {
	f.mu.Lock()
	f.provisions = append(f.provisions, req.SessionID)
	fn := f.provisionFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return okResult(req), nil
}

func (f *fakeDriver) Destroy(ctx context.Context, req driver.DestroyRequest) *models.DestroyReport {
	f.mu.Lock()
	f.destroys = append(f.destroys, req)
	fn := f.destroyFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &models.DestroyReport{Declarative: models.TierResult{Attempted: true, Succeeded: true}}
}

func (f *fakeDriver) ProvisionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.provisions)
}

func (f *fakeDriver) Destroys() []driver.DestroyRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]driver.DestroyRequest(nil), f.destroys...)
}

type fakeConsole struct {
	err error
}

func (f *fakeConsole) GenerateConsoleURL(ctx context.Context, region string, bundle *models.CredentialBundle) (string, time.Time, error) {
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return "https://signin.example/federation?Action=login&SigninToken=" + bundle.AccessKeyID, bundle.ExpiresAt, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Types(sessionID string) []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, ev := range r.events {
		if ev.SessionID == sessionID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type harness struct {
	m       *Manager
	store   *store.GormStore
	driver  *fakeDriver
	console *fakeConsole
	events  *recorder
	guard   *guard.Local
	clock   *clock
}

type option func(*Config, *Deps)

func withMode(mode Mode) option {
	return func(c *Config, d *Deps) { c.Mode = mode }
}

func withScope(scope guard.Scope) option {
	return func(c *Config, d *Deps) { c.Scope = scope }
}

func withCancelWait(wait time.Duration) option {
	return func(c *Config, d *Deps) { c.CancelWait = wait }
}

func withLabs(labs ...models.Lab) option {
	return func(c *Config, d *Deps) {
		d.Labs = map[string]models.Lab{}
		for _, l := range labs {
			d.Labs[l.ID] = l
		}
	}
}

func newHarness(t *testing.T, accounts int, opts ...option) *harness {
	t.Helper()

	st := storetest.New(t)
	var accts []models.CloudAccount
	for i := 1; i <= accounts; i++ {
		accts = append(accts, models.CloudAccount{
			ID:          fmt.Sprintf("acct-%d", i),
			Region:      "us-east-1",
			AccessKeyID: "AKIAADMIN",
			TemplateDir: "/templates/default",
		})
	}
	registry, err := pool.NewRegistry(accts, st)
	require.NoError(t, err)

	h := &harness{
		store:   st,
		driver:  &fakeDriver{},
		console: &fakeConsole{},
		events:  &recorder{},
		guard:   guard.NewLocal(),
		clock:   &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}

	cfg := Config{Mode: ModeSync, DefaultDuration: time.Hour, SweepInterval: time.Hour}
	deps := Deps{
		Store:    st,
		Registry: registry,
		Guard:    h.guard,
		Capacity: guard.NewCapacity(st, registry.Size()),
		Driver:   h.driver,
		Console:  h.console,
		Events:   h.events,
		Logger:   zerolog.Nop(),
		Now:      h.clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	h.m, err = NewManager(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) get(t *testing.T, id string) *models.LabSession {
	t.Helper()
	s, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestStart_SyncActivates(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	view, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)

	assert.Equal(t, models.StatusActive, view.Status)
	require.NotNil(t, view.Credentials)
	assert.NotEmpty(t, view.Credentials.AccessKeyID)
	assert.Contains(t, view.ConsoleURL, "SigninToken=")
	require.NotNil(t, view.ExpiresAt)
	assert.WithinDuration(t, h.clock.Now().Add(time.Hour), *view.ExpiresAt, time.Second)

	row := h.get(t, view.SessionID)
	assert.Equal(t, models.StatusActive, row.Status)
	assert.Equal(t, "acct-1", row.AccountID)
	assert.Equal(t, []events.Type{events.SessionStarted, events.SessionActivated}, h.events.Types(view.SessionID))
}

func TestStart_IsIdempotent(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	first, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)
	second, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, h.driver.ProvisionCount())

	open, err := h.store.FindByUser(ctx, "user-1", models.OpenStatuses...)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestStart_UnknownLab(t *testing.T) {
	h := newHarness(t, 1, withLabs(models.Lab{ID: "lab-iam", Duration: 30 * time.Minute}))

	_, err := h.m.Start(context.Background(), "user-1", "lab-missing")
	assert.ErrorIs(t, err, ErrLabNotFound)

	view, err := h.m.Start(context.Background(), "user-1", "lab-iam")
	require.NoError(t, err)
	assert.WithinDuration(t, h.clock.Now().Add(30*time.Minute), *view.ExpiresAt, time.Second)
}

func TestStart_GuardFailsFast(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	lease, err := h.guard.TryAcquire(ctx, "user-1")
	require.NoError(t, err)
	defer lease.Release(ctx)

	_, err = h.m.Start(ctx, "user-1", "lab-iam")
	assert.ErrorIs(t, err, guard.ErrAlreadyInProgress)

	n, err := h.store.CountOpen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "admission errors must not touch persisted state")
}

func TestStart_CapacityCreatesNoRecord(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	_, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)
	_, err = h.m.Start(ctx, "user-2", "lab-iam")
	require.NoError(t, err)

	_, err = h.m.Start(ctx, "user-3", "lab-iam")
	assert.ErrorIs(t, err, guard.ErrPoolAtCapacity)

	sessions, err := h.store.FindByUser(ctx, "user-3")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestStart_ConcurrentUsersOnTwoAccounts(t *testing.T) {
	h := newHarness(t, 2, withMode(ModeAsync))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 3)
	views := make([]*models.SessionView, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			views[i], results[i] = h.m.Start(ctx, fmt.Sprintf("user-%d", i), "lab-iam")
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t,
			errors.Is(err, guard.ErrPoolAtCapacity) || errors.Is(err, pool.ErrAccountPoolExhausted),
			"unexpected error: %v", err)
	}
	assert.Equal(t, 2, succeeded)

	claimed, err := h.store.ClaimedAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, claimed, 2, "each open session holds a distinct account")
}

func TestStart_AsyncReturnsPendingThenActivates(t *testing.T) {
	h := newHarness(t, 1, withMode(ModeAsync))
	ctx := context.Background()

	release := make(chan struct{})
	h.driver.provisionFn = func(ctx context.Context, req driver.ProvisionRequest) (*models.ProvisionResult, error) {
		select {
		case <-release:
			return okResult(req), nil
		case <-ctx.Done():
			return nil, &driver.ProvisioningError{SessionID: req.SessionID, Step: "apply", Err: ctx.Err()}
		}
	}

	view, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, view.Status)
	assert.Nil(t, view.Credentials)

	status, err := h.m.Status(ctx, view.SessionID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, status.Status, "PENDING row is queryable before provisioning completes")

	again, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)
	assert.Equal(t, view.SessionID, again.SessionID)

	close(release)
	require.Eventually(t, func() bool {
		s, err := h.m.Status(ctx, view.SessionID, "user-1")
		return err == nil && s.Status == models.StatusActive && s.Credentials != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.driver.ProvisionCount(), "re-entrant start must not provision twice")
}

func TestStart_ProvisioningFailure(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	h.driver.provisionFn = func(ctx context.Context, req driver.ProvisionRequest) (*models.ProvisionResult, error) {
		return nil, &driver.ProvisioningError{SessionID: req.SessionID, Step: "apply", Err: errors.New("AccessDenied: iam:CreateUser")}
	}

	_, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.ErrorIs(t, err, driver.ErrProvisioningFailed)

	sessions, err := h.store.FindByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	failed := sessions[0]
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "AccessDenied")
	assert.Len(t, h.driver.Destroys(), 1, "partial resources get a best-effort destroy")

	claimed, err := h.store.ClaimedAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, claimed, "a failed session releases its account")

	view, err := h.m.End(ctx, failed.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, view.Status)
	assert.Equal(t, []events.Type{events.SessionStarted, events.SessionFailed, events.SessionEnded}, h.events.Types(failed.ID))
}

func TestStart_ProvisioningTimeout(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	h.driver.provisionFn = func(ctx context.Context, req driver.ProvisionRequest) (*models.ProvisionResult, error) {
		return nil, &driver.ProvisioningError{
			SessionID: req.SessionID,
			Step:      "apply",
			Err:       fmt.Errorf("%w: terraform apply killed", context.DeadlineExceeded),
		}
	}

	_, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.ErrorIs(t, err, driver.ErrProvisioningFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	sessions, err := h.store.FindByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.StatusFailed, sessions[0].Status)

	view, err := h.m.End(ctx, sessions[0].ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, view.Status)
}

func TestEnd_IsIdempotent(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	started, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)

	first, err := h.m.End(ctx, started.SessionID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, first.Status)

	second, err := h.m.End(ctx, started.SessionID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, second.Status)

	assert.Len(t, h.driver.Destroys(), 1)

	row := h.get(t, started.SessionID)
	assert.Equal(t, models.StatusEnded, row.Status)
	require.NotNil(t, row.EndedAt)
	assert.Empty(t, row.SecretAccessKey)
	assert.Empty(t, row.Password)
	assert.Empty(t, row.SessionToken)
	assert.NotEmpty(t, row.PrincipalName, "principal name is kept for later cleanup")
}

func TestEnd_UnknownSession(t *testing.T) {
	h := newHarness(t, 1)

	view, err := h.m.End(context.Background(), "does-not-exist", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, view.Status)
	assert.Empty(t, h.driver.Destroys())
}

func TestEnd_WrongOwner(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	started, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)

	_, err = h.m.End(ctx, started.SessionID, "user-2")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, models.StatusActive, h.get(t, started.SessionID).Status)
	assert.Empty(t, h.driver.Destroys())
}

func TestEnd_ConcurrentCallsDestroyOnce(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	started, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.driver.destroyFn = func(ctx context.Context, req driver.DestroyRequest) *models.DestroyReport {
		once.Do(func() { close(entered) })
		<-release
		return &models.DestroyReport{Declarative: models.TierResult{Attempted: true, Succeeded: true}}
	}

	var wg sync.WaitGroup
	views := make([]*models.SessionView, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		views[0], errs[0] = h.m.End(ctx, started.SessionID, "user-1")
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		views[1], errs[1] = h.m.End(ctx, started.SessionID, "user-1")
	}()

	// Give the second caller time to join the in-flight end.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range views {
		require.NoError(t, errs[i])
		assert.Equal(t, models.StatusEnded, views[i].Status)
	}
	assert.Len(t, h.driver.Destroys(), 1)
}

func TestEnd_PendingCancelsProvisioning(t *testing.T) {
	h := newHarness(t, 1, withMode(ModeAsync))
	ctx := context.Background()

	provisioning := make(chan struct{})
	h.driver.provisionFn = func(ctx context.Context, req driver.ProvisionRequest) (*models.ProvisionResult, error) {
		close(provisioning)
		<-ctx.Done()
		return nil, &driver.ProvisioningError{SessionID: req.SessionID, Step: "apply", Err: ctx.Err()}
	}

	started, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)
	<-provisioning

	view, err := h.m.End(ctx, started.SessionID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, view.Status)

	destroys := h.driver.Destroys()
	require.Len(t, destroys, 1, "a PENDING session is destroyed defensively")
	assert.Nil(t, destroys[0].Known, "no credentials are needed to end a PENDING session")
	assert.Equal(t, []events.Type{events.SessionStarted, events.SessionEnded}, h.events.Types(started.SessionID))
}

func TestEnd_WaitsForFailureCleanup(t *testing.T) {
	h := newHarness(t, 1, withMode(ModeAsync), withCancelWait(20*time.Millisecond))
	ctx := context.Background()

	h.driver.provisionFn = func(ctx context.Context, req driver.ProvisionRequest) (*models.ProvisionResult, error) {
		return nil, &driver.ProvisioningError{
			SessionID: req.SessionID,
			Step:      "apply",
			Err:       fmt.Errorf("%w: terraform apply killed", context.DeadlineExceeded),
		}
	}

	cleaning := make(chan struct{})
	var once sync.Once
	var running, peak atomic.Int32
	h.driver.destroyFn = func(ctx context.Context, req driver.DestroyRequest) *models.DestroyReport {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		once.Do(func() { close(cleaning) })
		time.Sleep(200 * time.Millisecond)
		return &models.DestroyReport{Declarative: models.TierResult{Attempted: true, Succeeded: true}}
	}

	started, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)
	<-cleaning

	view, err := h.m.End(ctx, started.SessionID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, view.Status)
	assert.Empty(t, view.CleanupWarning)

	assert.EqualValues(t, 1, peak.Load(), "destroys of one session never overlap")
	assert.Len(t, h.driver.Destroys(), 1, "a clean failure cleanup is not repeated")
	assert.Equal(t, []events.Type{events.SessionStarted, events.SessionFailed, events.SessionEnded}, h.events.Types(started.SessionID))
}

func TestEnd_RetriesUncleanFailureCleanup(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	h.driver.provisionFn = func(ctx context.Context, req driver.ProvisionRequest) (*models.ProvisionResult, error) {
		return nil, &driver.ProvisioningError{SessionID: req.SessionID, Step: "apply", Err: errors.New("Throttling")}
	}
	h.driver.destroyFn = func(ctx context.Context, req driver.DestroyRequest) *models.DestroyReport {
		return &models.DestroyReport{Declarative: models.TierResult{Attempted: true, Error: "state lock held"}}
	}

	_, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.Error(t, err)
	sessions, err := h.store.FindByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Contains(t, sessions[0].CleanupReport, "state lock held")

	h.driver.mu.Lock()
	h.driver.destroyFn = nil
	h.driver.mu.Unlock()

	view, err := h.m.End(ctx, sessions[0].ID, "user-1")
	require.NoError(t, err)
	assert.Empty(t, view.CleanupWarning)
	assert.Len(t, h.driver.Destroys(), 2)
}

func TestEnd_CleanupFailureStillEnds(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	h.driver.destroyFn = func(ctx context.Context, req driver.DestroyRequest) *models.DestroyReport {
		r := &models.DestroyReport{Declarative: models.TierResult{Attempted: true, Error: "timeout"}}
		r.Fallback = &models.TierResult{Attempted: true, Error: "1 cleanup steps failed"}
		r.AddStep(models.CleanupStep{Tier: models.TierDirect, Action: "delete_user", Error: "Throttling"})
		return r
	}

	started, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)

	view, err := h.m.End(ctx, started.SessionID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, view.Status)
	assert.NotEmpty(t, view.CleanupWarning)
	assert.Contains(t, h.events.Types(started.SessionID), events.SessionCleanupFailed)
	assert.Contains(t, h.get(t, started.SessionID).CleanupReport, "delete_user")

	claimed, err := h.store.ClaimedAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestEnd_ReleasesAccountForNextUser(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	first, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)
	_, err = h.m.End(ctx, first.SessionID, "user-1")
	require.NoError(t, err)

	second, err := h.m.Start(ctx, "user-2", "lab-iam")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, second.Status)
	assert.Equal(t, "acct-1", h.get(t, second.SessionID).AccountID)
}

func TestStatus_EndsExpiredSessionOnAccess(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	started, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)

	view, err := h.m.Status(ctx, started.SessionID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, view.Status)
	assert.Nil(t, view.Credentials)
}

func TestStatus_Errors(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	_, err := h.m.Status(ctx, "nope", "user-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	started, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)
	_, err = h.m.Status(ctx, started.SessionID, "user-2")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStart_ReplacesExpiredSession(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	first, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)

	h.clock.Advance(61 * time.Minute)

	second, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, models.StatusEnded, h.get(t, first.SessionID).Status)
	assert.Equal(t, models.StatusActive, second.Status)
}

func TestConsoleURL_FederationFailureLeavesSessionActive(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.console.err = errors.New("federation endpoint unavailable")

	view, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, view.Status)
	assert.Empty(t, view.ConsoleURL)
	require.NotNil(t, view.Credentials, "raw credentials stay usable")

	_, err = h.m.ConsoleURL(ctx, view.SessionID, "user-1")
	require.Error(t, err)
	assert.Equal(t, models.StatusActive, h.get(t, view.SessionID).Status)

	h.console.err = nil
	link, err := h.m.ConsoleURL(ctx, view.SessionID, "user-1")
	require.NoError(t, err)
	assert.Contains(t, link.URL, "Action=login")
}

func TestConsoleURL_RequiresActive(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	view, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)
	_, err = h.m.End(ctx, view.SessionID, "user-1")
	require.NoError(t, err)

	_, err = h.m.ConsoleURL(ctx, view.SessionID, "user-1")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestConsoleURL_EndsExpiredSession(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	view, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)

	link, err := h.m.ConsoleURL(ctx, view.SessionID, "user-1")
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Nil(t, link)

	ended := h.get(t, view.SessionID)
	assert.Equal(t, models.StatusEnded, ended.Status)
	assert.Nil(t, ended.Credentials())
	assert.Len(t, h.driver.Destroys(), 1)
}

func TestHistory(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	first, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)
	_, err = h.m.End(ctx, first.SessionID, "user-1")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	second, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)

	history, err := h.m.History(ctx, "user-1", "lab-iam")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.SessionID, history[0].SessionID)
	assert.Equal(t, first.SessionID, history[1].SessionID)
	for _, v := range history {
		assert.Nil(t, v.Credentials)
	}
}

func TestScope_UserLab(t *testing.T) {
	ctx := context.Background()

	t.Run("per user", func(t *testing.T) {
		h := newHarness(t, 2)
		a, err := h.m.Start(ctx, "user-1", "lab-iam")
		require.NoError(t, err)
		b, err := h.m.Start(ctx, "user-1", "lab-s3")
		require.NoError(t, err)
		assert.Equal(t, a.SessionID, b.SessionID)
	})

	t.Run("per user and lab", func(t *testing.T) {
		h := newHarness(t, 2, withScope(guard.ScopeUserLab))
		a, err := h.m.Start(ctx, "user-1", "lab-iam")
		require.NoError(t, err)
		b, err := h.m.Start(ctx, "user-1", "lab-s3")
		require.NoError(t, err)
		assert.NotEqual(t, a.SessionID, b.SessionID)
	})
}

func TestSweep(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	expiring, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)

	// A PENDING row left behind by a crashed instance.
	now := h.clock.Now()
	orphan := &models.LabSession{
		ID:        "orphan-0000-0000",
		LabID:     "lab-iam",
		UserID:    "user-2",
		ScopeKey:  "user-2",
		AccountID: "acct-2",
		Region:    "us-east-1",
		Status:    models.StatusPending,
		StartedAt: now,
		ExpiresAt: now.Add(4 * time.Hour),
	}
	require.NoError(t, h.store.CreatePending(ctx, orphan))

	h.clock.Advance(90 * time.Minute)

	fresh, err := h.m.Start(ctx, "user-3", "lab-iam")
	require.NoError(t, err)

	res, err := h.m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.Abandoned)
	assert.Zero(t, res.Errors)

	assert.Equal(t, models.StatusEnded, h.get(t, expiring.SessionID).Status)
	abandoned := h.get(t, orphan.ID)
	assert.Equal(t, models.StatusFailed, abandoned.Status)
	assert.Equal(t, "provisioning abandoned", abandoned.FailureReason)
	assert.Equal(t, models.StatusActive, h.get(t, fresh.SessionID).Status)
}

func TestWatch(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	started, err := h.m.Start(ctx, "user-1", "lab-iam")
	require.NoError(t, err)

	_, _, _, err = h.m.Watch(ctx, started.SessionID, "user-2")
	assert.ErrorIs(t, err, ErrUnauthorized)

	view, ch, cancel, err := h.m.Watch(ctx, started.SessionID, "user-1")
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, models.StatusActive, view.Status)
	assert.Nil(t, view.Credentials)

	_, err = h.m.End(ctx, started.SessionID, "user-1")
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, events.SessionEnded, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected an ended event")
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, m)

	m, err = ParseMode("SYNC")
	require.NoError(t, err)
	assert.Equal(t, ModeSync, m)

	_, err = ParseMode("eventually")
	assert.Error(t, err)
}
