// Package scheduler keeps every timed job of the service as an explicit task
// record (deadline plus cancellation handle) driven by one injected clock.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TaskFunc is the body of a scheduled task.
type TaskFunc func(ctx context.Context)

// TaskInfo is a read-only view of a pending task.
type TaskInfo struct {
	ID        string
	Name      string
	Deadline  time.Time
	Recurring bool
	Running   bool
}

type task struct {
	id         string
	name       string
	deadline   time.Time
	schedule   cron.Schedule // nil for one-shot tasks
	fn         TaskFunc
	timer      clockwork.Timer
	generation uint64
	running    bool
}

// Scheduler owns all task records. Firing, cancelling and rescheduling are
// serialised on one mutex; a generation counter discards timers that fire
// after their task was rescheduled or cancelled.
type Scheduler struct {
	clock  clockwork.Clock
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool
}

// New creates a scheduler bound to clock.
func New(clock clockwork.Clock, logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:  clock,
		logger: logger.With().Str("component", "scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*task),
	}
}

// Clock exposes the scheduler clock to components sharing it.
func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

// Every schedules fn on a cron spec such as "@every 15m" or "*/5 * * * *".
func (s *Scheduler) Every(name, spec string, fn TaskFunc) (string, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return "", fmt.Errorf("failed to parse schedule %q for %s: %w", spec, name, err)
	}
	return s.add(name, schedule, 0, fn)
}

// EveryInterval schedules fn at a fixed interval (rounded to whole seconds).
func (s *Scheduler) EveryInterval(name string, interval time.Duration, fn TaskFunc) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("non-positive interval for %s", name)
	}
	return s.add(name, cron.Every(interval), 0, fn)
}

// After schedules fn once, d from now.
func (s *Scheduler) After(name string, d time.Duration, fn TaskFunc) (string, error) {
	return s.add(name, nil, d, fn)
}

func (s *Scheduler) add(name string, schedule cron.Schedule, delay time.Duration, fn TaskFunc) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return "", fmt.Errorf("scheduler stopped, cannot add %s", name)
	}

	t := &task{
		id:       uuid.NewString(),
		name:     name,
		schedule: schedule,
		fn:       fn,
	}
	now := s.clock.Now()
	if schedule != nil {
		t.deadline = schedule.Next(now)
	} else {
		t.deadline = now.Add(delay)
	}
	s.tasks[t.id] = t
	s.armLocked(t, now)

	s.logger.Debug().Str("task", name).Str("task_id", t.id).Time("deadline", t.deadline).Msg("task scheduled")
	return t.id, nil
}

// armLocked starts the timer for t's current deadline. Must hold s.mu.
func (s *Scheduler) armLocked(t *task, now time.Time) {
	t.generation++
	generation := t.generation
	id := t.id
	t.timer = s.clock.AfterFunc(t.deadline.Sub(now), func() { s.fire(id, generation) })
}

func (s *Scheduler) fire(id string, generation uint64) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || s.stopped || t.generation != generation {
		s.mu.Unlock()
		return
	}

	now := s.clock.Now()
	if t.schedule != nil {
		t.deadline = t.schedule.Next(now)
		s.armLocked(t, now)
	} else {
		delete(s.tasks, id)
	}

	if t.running {
		s.mu.Unlock()
		s.logger.Warn().Str("task", t.name).Msg("previous run still in progress, skipping")
		return
	}
	t.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		t.running = false
		s.mu.Unlock()
		s.wg.Done()
	}()
	t.fn(s.ctx)
}

// Cancel removes a task. It returns false when the task is unknown.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.generation++
	t.timer.Stop()
	delete(s.tasks, id)
	return true
}

// Reschedule moves the next deadline of a task to d from now.
func (s *Scheduler) Reschedule(id string, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.timer.Stop()
	now := s.clock.Now()
	t.deadline = now.Add(d)
	s.armLocked(t, now)
	return true
}

// Tasks lists pending tasks ordered by deadline.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskInfo{
			ID:        t.id,
			Name:      t.name,
			Deadline:  t.deadline,
			Recurring: t.schedule != nil,
			Running:   t.running,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out
}

// Stop cancels every task and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
