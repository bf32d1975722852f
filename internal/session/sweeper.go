package session

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweepResult counts what one sweep pass did
type SweepResult struct {
	Expired   int
	Abandoned int
	Errors    int
}

// Run sweeps on every tick until ctx is done
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", m.cfg.SweepInterval).Msg("session sweeper started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("session sweeper stopped")
			return
		case <-ticker.C:
			res, err := m.Sweep(ctx)
			if err != nil {
				m.log.Error().Err(err).Msg("sweep failed")
				continue
			}
			if res.Expired > 0 || res.Abandoned > 0 || res.Errors > 0 {
				m.log.Info().
					Int("expired", res.Expired).
					Int("abandoned", res.Abandoned).
					Int("errors", res.Errors).
					Msg("sweep complete")
			}
		}
	}
}

// Sweep ends open sessions past their expiry and fails PENDING sessions
// whose provisioning was abandoned.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := m.now()

	stale, err := m.store.ListStalePending(ctx, now.Add(-(m.cfg.ProvisionTimeout + m.cfg.PendingGrace)))
	if err != nil {
		return res, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	for _, sess := range stale {
		if _, running := m.inflight.Load(sess.ID); running {
			// Still queued or provisioning in this process.
			continue
		}
		m.fail(ctx, sess, "provisioning abandoned")
		res.Abandoned++
	}

	expired, err := m.store.ListExpired(ctx, now)
	if err != nil {
		return res, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	results := make([]error, len(expired))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.SweepConcurrency)
	for i, sess := range expired {
		g.Go(func() error {
			_, results[i] = m.end(gctx, sess, "expired")
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range results {
		if err != nil {
			m.log.Warn().Err(err).Str("session", expired[i].ID).Msg("failed to end expired session")
			res.Errors++
			continue
		}
		res.Expired++
	}
	return res, nil
}
