package guard

import (
	"context"
	"fmt"
)

// OpenCounter counts sessions in PENDING or ACTIVE.
type OpenCounter interface {
	CountOpen(ctx context.Context) (int64, error)
}

// Capacity caps concurrent open sessions at the pool size.
type Capacity struct {
	counter OpenCounter
	limit   int64
}

// NewCapacity creates a capacity ceiling of limit open sessions
func NewCapacity(counter OpenCounter, limit int) *Capacity {
	return &Capacity{counter: counter, limit: int64(limit)}
}

// Check returns ErrPoolAtCapacity once the ceiling is reached
func (c *Capacity) Check(ctx context.Context) error {
	n, err := c.counter.CountOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to count open sessions: %w", err)
	}
	if n >= c.limit {
		return ErrPoolAtCapacity
	}
	return nil
}

// Limit returns the configured ceiling
func (c *Capacity) Limit() int {
	return int(c.limit)
}
