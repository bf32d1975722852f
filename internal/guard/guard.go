package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrAlreadyInProgress is returned when the key already has an in-flight
	// start or end. It never waits.
	ErrAlreadyInProgress = errors.New("another request is already being processed")
	// ErrPoolAtCapacity is returned when open sessions have reached pool size.
	ErrPoolAtCapacity = errors.New("lab capacity reached, try again later")
)

// Lease is held for the duration of one start-or-end operation.
type Lease interface {
	Release(ctx context.Context) error
}

// Guard hands out per-key leases without blocking.
type Guard interface {
	TryAcquire(ctx context.Context, key string) (Lease, error)
}

// Scope decides how admission keys are derived.
type Scope string

const (
	// ScopeUser allows one open session per user.
	ScopeUser Scope = "user"
	// ScopeUserLab allows one open session per user and lab.
	ScopeUserLab Scope = "user_lab"
)

// ParseScope parses a scope name, defaulting to ScopeUser.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeUser:
		return ScopeUser, nil
	case ScopeUserLab:
		return ScopeUserLab, nil
	default:
		return "", fmt.Errorf("unknown session scope %q", s)
	}
}

// Key returns the admission key for a user and lab.
func (s Scope) Key(userID, labID string) string {
	if s == ScopeUserLab {
		return userID + "/" + labID
	}
	return userID
}

// Local is an in-process guard
type Local struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewLocal creates an in-process guard
func NewLocal() *Local {
	return &Local{locks: make(map[string]*semaphore.Weighted)}
}

// TryAcquire takes the lease for key or fails immediately
func (l *Local) TryAcquire(ctx context.Context, key string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, exists := l.locks[key]
	if !exists {
		sem = semaphore.NewWeighted(1)
		l.locks[key] = sem
	}
	if !sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w for %s", ErrAlreadyInProgress, key)
	}
	return &localLease{owner: l, key: key, sem: sem}, nil
}

// release frees the lease and drops the key; the semaphore is
// single-holder, so nothing else can be waiting on it.
func (l *Local) release(key string, sem *semaphore.Weighted) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem.Release(1)
	if l.locks[key] == sem {
		delete(l.locks, key)
	}
}

type localLease struct {
	owner *Local
	key   string
	sem   *semaphore.Weighted
	once  sync.Once
}

func (l *localLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.owner.release(l.key, l.sem)
	})
	return nil
}
