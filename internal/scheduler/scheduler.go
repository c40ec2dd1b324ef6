// Package scheduler runs delayed and periodic jobs on goroutines and tracks
// them by owner so that a plugin's work can be cancelled in one call.
//
// Periodic tasks wait the full interval after each run finishes before the
// next one starts. A failing or panicking run is logged and the loop carries
// on. Cancellation stops future runs; a run already in progress receives a
// context that is never cancelled and is allowed to finish.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/EchoPBX/echohost/internal/fanout"
	"github.com/EchoPBX/echohost/internal/metrics"
	"github.com/EchoPBX/echohost/pkg/sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MinInterval is the floor applied to periodic intervals.
const MinInterval = time.Millisecond

// Task is the handle returned by CallLater and CallEvery.
type Task struct {
	id     string
	owner  string
	kind   sdk.TaskKind
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *Task) ID() string            { return t.id }
func (t *Task) Owner() string         { return t.owner }
func (t *Task) Kind() sdk.TaskKind    { return t.kind }
func (t *Task) Cancel()               { t.cancel() }
func (t *Task) Done() <-chan struct{} { return t.done }

// Finished returns a handle that never runs and is already done. It is
// handed out when a caller may no longer schedule work.
func Finished(owner string, kind sdk.TaskKind) *Task {
	t := &Task{owner: owner, kind: kind, cancel: func() {}, done: make(chan struct{})}
	close(t.done)
	return t
}

type Scheduler struct {
	log *zap.Logger
	m   *metrics.Metrics

	mu    sync.Mutex
	tasks map[string]map[string]*Task // owner -> id -> task
}

func New(log *zap.Logger, m *metrics.Metrics) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{log: log, m: m, tasks: make(map[string]map[string]*Task)}
}

// CallLater runs job once after delay.
func (s *Scheduler) CallLater(delay time.Duration, job sdk.Job, owner string) *Task {
	if delay < 0 {
		delay = 0
	}
	t, ctx := s.track(owner, sdk.KindOnce)
	go func() {
		defer s.finish(t)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		s.run(ctx, t, job)
	}()
	return t
}

// CallEvery runs job every interval until cancelled.
func (s *Scheduler) CallEvery(interval time.Duration, job sdk.Job, owner string) *Task {
	if interval < MinInterval {
		s.log.Warn("interval below minimum, clamping",
			zap.String("owner", owner),
			zap.Duration("interval", interval))
		interval = MinInterval
	}
	t, ctx := s.track(owner, sdk.KindEvery)
	go func() {
		defer s.finish(t)
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			if ctx.Err() != nil {
				return
			}
			s.run(ctx, t, job)
			timer.Reset(interval)
		}
	}()
	return t
}

// CancelOwner cancels every task of owner and forgets the owner. Unknown
// owners are ignored.
func (s *Scheduler) CancelOwner(owner string) {
	s.mu.Lock()
	tasks := s.tasks[owner]
	delete(s.tasks, owner)
	s.mu.Unlock()
	for _, t := range tasks {
		t.cancel()
	}
	if len(tasks) > 0 {
		s.log.Debug("owner tasks cancelled", zap.String("owner", owner), zap.Int("tasks", len(tasks)))
	}
}

// CancelAll cancels every tracked task.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	all := s.tasks
	s.tasks = make(map[string]map[string]*Task)
	s.mu.Unlock()
	n := 0
	for _, tasks := range all {
		for _, t := range tasks {
			t.cancel()
			n++
		}
	}
	s.log.Debug("all tasks cancelled", zap.Int("tasks", n))
}

// Count returns the number of live tasks tracked under owner.
func (s *Scheduler) Count(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks[owner])
}

// Owners returns the owners that currently hold at least one task.
func (s *Scheduler) Owners() []string {
	s.mu.Lock()
	owners := make([]string, 0, len(s.tasks))
	for o := range s.tasks {
		owners = append(owners, o)
	}
	s.mu.Unlock()
	sort.Strings(owners)
	return owners
}

func (s *Scheduler) track(owner string, kind sdk.TaskKind) (*Task, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		id:     uuid.NewString(),
		owner:  owner,
		kind:   kind,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	if s.tasks[owner] == nil {
		s.tasks[owner] = make(map[string]*Task)
	}
	s.tasks[owner][t.id] = t
	s.mu.Unlock()
	s.m.TaskScheduled(kind.String())
	return t, ctx
}

func (s *Scheduler) finish(t *Task) {
	t.cancel()
	s.mu.Lock()
	if tasks, ok := s.tasks[t.owner]; ok {
		delete(tasks, t.id)
		if len(tasks) == 0 {
			delete(s.tasks, t.owner)
		}
	}
	s.mu.Unlock()
	close(t.done)
	s.m.TaskFinished()
}

func (s *Scheduler) run(ctx context.Context, t *Task, job sdk.Job) {
	err := fanout.Safe(context.WithoutCancel(ctx), fanout.Call(job))
	s.m.TaskRan(t.kind.String())
	if err != nil {
		s.m.HandlerFailed(metrics.ComponentScheduler, 1)
		s.log.Warn("scheduled job failed",
			zap.String("owner", t.owner),
			zap.String("task", t.id),
			zap.Stringer("kind", t.kind),
			zap.Error(&sdk.HandlerError{Topic: t.owner, ID: t.id, Err: err}))
	}
}
