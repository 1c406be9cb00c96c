// Package proc provides shared utilities for subprocess management.
package proc

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate limits concurrent subprocess spawn sequences using a weighted
// semaphore. Engine handshakes are expensive (node startup plus workspace
// indexing), so all spawn paths go through a shared Gate to prevent resource
// exhaustion when many workspaces are opened at once.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate creates a Gate that allows at most limit concurrent spawns.
func NewGate(limit int) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(limit))}
}

// Run acquires a slot, runs fn, and releases the slot.
// Blocks if all slots are busy. Returns ctx.Err() if the context
// is cancelled while waiting for a slot.
// If the gate is nil, fn is executed directly without concurrency control.
func (g *Gate) Run(ctx context.Context, fn func() error) error {
	if g == nil || g.sem == nil {
		return fn()
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)
	return fn()
}
