package continuity

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sapphirehost/sapphire/pkg/models"
)

// tickInterval is the scheduler wake cadence. Cron matching is per minute,
// so two ticks per minute with per-minute dedup never double-fires.
const tickInterval = 30 * time.Second

// maxTimelineHours caps timeline projections.
const maxTimelineHours = 168

// TaskRunner executes one task and reports how many iterations completed.
type TaskRunner interface {
	Run(ctx context.Context, task models.Task) (int, error)
}

// Publisher is the event bus surface used by the scheduler.
type Publisher interface {
	Publish(kind models.EventKind, data map[string]any)
}

// Scheduler fires continuity tasks on their cron schedules.
type Scheduler struct {
	store  *Store
	runner TaskRunner
	bus    Publisher
	logger *slog.Logger
	now    func() time.Time
	intn   func(n int) int

	running atomic.Bool
	done    chan struct{}

	// lastFired dedups fires to at most once per task per minute.
	lastFired map[string]time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger.With("component", "scheduler") }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithRandInt overrides the chance-roll source, for tests.
func WithRandInt(intn func(n int) int) SchedulerOption {
	return func(s *Scheduler) { s.intn = intn }
}

// NewScheduler wires a scheduler. Start begins the tick loop.
func NewScheduler(store *Store, runner TaskRunner, bus Publisher, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:     store,
		runner:    runner,
		bus:       bus,
		logger:    slog.Default().With("component", "scheduler"),
		now:       time.Now,
		intn:      rand.Intn,
		done:      make(chan struct{}),
		lastFired: map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("scheduler started", "tick", tickInterval)
	go s.loop(ctx)
}

// Stop clears the running flag and joins the worker, waiting at most five
// seconds.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("scheduler worker did not stop in time")
	}
}

// Running reports whether the tick loop is live.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for s.running.Load() {
		s.Tick(ctx)
		// Sleep in one-second chunks so Stop stays responsive.
		for slept := time.Duration(0); slept < tickInterval; slept += time.Second {
			if !s.running.Load() {
				return
			}
			select {
			case <-ctx.Done():
				s.running.Store(false)
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// Tick evaluates every enabled task against the current minute.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	minute := now.Truncate(time.Minute)
	for _, task := range s.store.Tasks() {
		if !task.Enabled {
			continue
		}
		if !matchesMinute(task.Schedule, now) {
			continue
		}
		if fired, ok := s.lastFired[task.ID]; ok && fired.Equal(minute) {
			continue
		}
		s.lastFired[task.ID] = minute

		if !s.cooldownElapsed(task, now) {
			s.logger.Debug("task in cooldown", "task", task.Name)
			continue
		}
		if task.Chance < 100 && s.intn(100)+1 > task.Chance {
			s.skip(task, now, "chance roll failed")
			continue
		}
		s.fire(ctx, task, now)
	}
}

// RunNow fires a task immediately, bypassing schedule, cooldown and chance.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	task, err := s.store.Task(id)
	if err != nil {
		return err
	}
	s.fire(ctx, task, s.now())
	return nil
}

func (s *Scheduler) fire(ctx context.Context, task models.Task, now time.Time) {
	s.bus.Publish(models.EventContinuityTaskStarting, map[string]any{
		"task_id": task.ID, "task_name": task.Name,
	})
	s.store.RecordActivity(models.ActivityEntry{
		Timestamp: now.Format(time.RFC3339),
		TaskID:    task.ID,
		TaskName:  task.Name,
		Status:    models.ActivityStarted,
	})

	iterations, err := s.runner.Run(ctx, task)
	if err := s.store.SetLastRun(task.ID, now); err != nil {
		s.logger.Warn("last_run not recorded", "task", task.Name, "error", err)
	}
	if err != nil {
		// A failed task never blocks the rest of the tick.
		s.logger.Error("task run failed", "task", task.Name, "error", err)
		s.bus.Publish(models.EventContinuityTaskError, map[string]any{
			"task_id": task.ID, "task_name": task.Name, "error": err.Error(),
		})
		s.store.RecordActivity(models.ActivityEntry{
			Timestamp: s.now().Format(time.RFC3339),
			TaskID:    task.ID,
			TaskName:  task.Name,
			Status:    models.ActivityError,
			Details:   err.Error(),
		})
		return
	}

	s.bus.Publish(models.EventContinuityTaskComplete, map[string]any{
		"task_id": task.ID, "task_name": task.Name, "iterations": iterations,
	})
	s.store.RecordActivity(models.ActivityEntry{
		Timestamp: s.now().Format(time.RFC3339),
		TaskID:    task.ID,
		TaskName:  task.Name,
		Status:    models.ActivityComplete,
		Details:   fmt.Sprintf("%d iterations", iterations),
	})
}

func (s *Scheduler) skip(task models.Task, now time.Time, reason string) {
	s.bus.Publish(models.EventContinuityTaskSkipped, map[string]any{
		"task_id": task.ID, "task_name": task.Name, "reason": reason,
	})
	s.store.RecordActivity(models.ActivityEntry{
		Timestamp: now.Format(time.RFC3339),
		TaskID:    task.ID,
		TaskName:  task.Name,
		Status:    models.ActivitySkipped,
		Details:   reason,
	})
}

func (s *Scheduler) cooldownElapsed(task models.Task, now time.Time) bool {
	if task.CooldownMinutes <= 0 || task.LastRun == "" {
		return true
	}
	last, err := time.Parse(time.RFC3339, task.LastRun)
	if err != nil {
		return true
	}
	return now.Sub(last) >= time.Duration(task.CooldownMinutes)*time.Minute
}

// matchesMinute reports whether the cron expression fires in now's minute.
// It advances from one minute before now and checks whether the next fire
// lands in the current minute.
func matchesMinute(expr string, now time.Time) bool {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return false
	}
	next := sched.Next(now.Add(-time.Minute))
	return next.Truncate(time.Minute).Equal(now.Truncate(time.Minute))
}

// Timeline projects the next occurrences of every enabled task within the
// window, capped at one week.
func (s *Scheduler) Timeline(hours int) []models.TimelineOccurrence {
	if hours <= 0 || hours > maxTimelineHours {
		hours = maxTimelineHours
	}
	now := s.now()
	horizon := now.Add(time.Duration(hours) * time.Hour)

	var out []models.TimelineOccurrence
	for _, task := range s.store.Tasks() {
		if !task.Enabled {
			continue
		}
		sched, err := cronParser.Parse(task.Schedule)
		if err != nil {
			continue
		}
		at := now
		for i := 0; i < 20; i++ {
			at = sched.Next(at)
			if at.IsZero() || at.After(horizon) {
				break
			}
			out = append(out, models.TimelineOccurrence{
				TaskID:   task.ID,
				TaskName: task.Name,
				At:       at.Format(time.RFC3339),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At < out[j].At })
	return out
}
