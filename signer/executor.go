package signer

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Executor runs signing work with bounded parallelism. Presence prompts may
// block for a long time; running them here keeps them off relay readers and
// caps how many are outstanding.
type Executor struct {
	sem *semaphore.Weighted
}

// NewExecutor allows up to n concurrent tasks.
func NewExecutor(n int64) *Executor {
	if n < 1 {
		n = 1
	}
	return &Executor{sem: semaphore.NewWeighted(n)}
}

// Do runs fn once a slot is free or returns ctx's error.
func (e *Executor) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)
	return fn(ctx)
}
