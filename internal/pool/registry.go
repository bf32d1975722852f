package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/shehryarbajwa/labforge/pkg/models"
)

// ErrAccountPoolExhausted is returned when every configured account is claimed
// by an open session. Callers should treat it as "try again shortly".
var ErrAccountPoolExhausted = errors.New("no cloud accounts available")

// ClaimLister reports which accounts are claimed by PENDING or ACTIVE sessions.
type ClaimLister interface {
	ClaimedAccounts(ctx context.Context) (map[string]string, error)
}

// Registry holds the configured account pool. Accounts are immutable;
// availability is always derived from the session store.
type Registry struct {
	accounts []models.CloudAccount
	byID     map[string]int
	claims   ClaimLister
}

// NewRegistry creates a registry over a fixed account pool
func NewRegistry(accounts []models.CloudAccount, claims ClaimLister) (*Registry, error) {
	if len(accounts) == 0 {
		return nil, fmt.Errorf("account pool is empty")
	}
	if claims == nil {
		return nil, fmt.Errorf("claim lister is required")
	}

	r := &Registry{
		accounts: make([]models.CloudAccount, len(accounts)),
		byID:     make(map[string]int, len(accounts)),
		claims:   claims,
	}
	copy(r.accounts, accounts)

	for i, acct := range r.accounts {
		if acct.ID == "" {
			return nil, fmt.Errorf("account %d has no id", i)
		}
		if _, dup := r.byID[acct.ID]; dup {
			return nil, fmt.Errorf("duplicate account id %s", acct.ID)
		}
		r.byID[acct.ID] = i
	}

	return r, nil
}

// Size returns the number of configured accounts
func (r *Registry) Size() int {
	return len(r.accounts)
}

// Accounts returns a copy of the configured pool
func (r *Registry) Accounts() []models.CloudAccount {
	out := make([]models.CloudAccount, len(r.accounts))
	copy(out, r.accounts)
	return out
}

// Get returns an account by id
func (r *Registry) Get(id string) (models.CloudAccount, bool) {
	i, ok := r.byID[id]
	if !ok {
		return models.CloudAccount{}, false
	}
	return r.accounts[i], true
}

// FindAvailableAccount returns the first account not claimed by an open session
func (r *Registry) FindAvailableAccount(ctx context.Context) (models.CloudAccount, error) {
	return r.FindAvailableAccountExcluding(ctx, nil)
}

// FindAvailableAccountExcluding is FindAvailableAccount skipping accounts the
// caller already lost a race for.
func (r *Registry) FindAvailableAccountExcluding(ctx context.Context, skip map[string]bool) (models.CloudAccount, error) {
	claimed, err := r.claims.ClaimedAccounts(ctx)
	if err != nil {
		return models.CloudAccount{}, fmt.Errorf("failed to list claimed accounts: %w", err)
	}

	for _, acct := range r.accounts {
		if skip[acct.ID] {
			continue
		}
		if _, inUse := claimed[acct.ID]; inUse {
			continue
		}
		return acct, nil
	}

	return models.CloudAccount{}, ErrAccountPoolExhausted
}

// Availability returns the derived claim state of every account
func (r *Registry) Availability(ctx context.Context) ([]models.AccountAvailability, error) {
	claimed, err := r.claims.ClaimedAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list claimed accounts: %w", err)
	}

	out := make([]models.AccountAvailability, 0, len(r.accounts))
	for _, acct := range r.accounts {
		sessionID, inUse := claimed[acct.ID]
		out = append(out, models.AccountAvailability{
			Account:   acct,
			Claimed:   inUse,
			SessionID: sessionID,
		})
	}
	return out, nil
}
