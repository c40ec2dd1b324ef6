package sdk

import (
	"context"
	"time"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// TaskKind distinguishes one-shot from periodic tasks.
type TaskKind int

const (
	KindOnce TaskKind = iota
	KindEvery
)

func (k TaskKind) String() string {
	switch k {
	case KindOnce:
		return "once"
	case KindEvery:
		return "every"
	default:
		return "unknown"
	}
}

// TaskHandle controls a scheduled task.
type TaskHandle interface {
	ID() string
	Owner() string
	Kind() TaskKind
	// Cancel prevents further runs. A run already in progress completes.
	Cancel()
	// Done is closed once the task will never run again.
	Done() <-chan struct{}
}

// Scheduler runs delayed and periodic jobs grouped by owner.
type Scheduler interface {
	CallLater(delay time.Duration, job Job, owner string) TaskHandle
	CallEvery(interval time.Duration, job Job, owner string) TaskHandle
	CancelOwner(owner string)
	CancelAll()
}
