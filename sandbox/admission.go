package sandbox

import (
	"context"
	"sync"
	"time"
)

// Admission bounds the number of concurrent executions. Requests wait for a
// free slot for at most the queue timeout.
type Admission struct {
	slots chan struct{}
	wait  time.Duration
}

// NewAdmission allows up to limit concurrent executions. A zero wait rejects
// immediately when all slots are taken.
func NewAdmission(limit int, wait time.Duration) *Admission {
	if limit < 1 {
		limit = 1
	}
	return &Admission{
		slots: make(chan struct{}, limit),
		wait:  wait,
	}
}

// Acquire takes a slot. It returns ErrCapacity when none frees up in time and
// ctx.Err() when the caller gives up first. The returned release function is
// idempotent.
func (a *Admission) Acquire(ctx context.Context) (func(), error) {
	select {
	case a.slots <- struct{}{}:
		return a.releaser(), nil
	default:
	}

	if a.wait <= 0 {
		return nil, ErrCapacity
	}

	timer := time.NewTimer(a.wait)
	defer timer.Stop()

	select {
	case a.slots <- struct{}{}:
		return a.releaser(), nil
	case <-timer.C:
		return nil, ErrCapacity
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Admission) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-a.slots })
	}
}

// InFlight returns the number of taken slots.
func (a *Admission) InFlight() int {
	return len(a.slots)
}

// Capacity returns the number of slots.
func (a *Admission) Capacity() int {
	return cap(a.slots)
}
