package continuity

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sapphirehost/sapphire/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "tasks.json"), filepath.Join(dir, "activity.json"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

type countingRunner struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (r *countingRunner) Run(_ context.Context, task models.Task) (int, error) {
	r.mu.Lock()
	r.runs = append(r.runs, task.Name)
	r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	return 1, nil
}

type collectingBus struct {
	mu     sync.Mutex
	events []models.Event
}

func (b *collectingBus) Publish(kind models.EventKind, data map[string]any) {
	b.mu.Lock()
	b.events = append(b.events, models.Event{Kind: kind, Data: data})
	b.mu.Unlock()
}

func (b *collectingBus) has(kind models.EventKind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func TestStore_TaskLifecycle(t *testing.T) {
	store := newTestStore(t)

	task, err := store.AddTask(models.Task{Name: "morning check", Schedule: "0 9 * * *", Enabled: true})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if task.ID == "" {
		t.Error("AddTask did not assign an ID")
	}
	if task.Chance != 100 || task.Iterations != 1 {
		t.Errorf("defaults not applied: chance=%d iterations=%d", task.Chance, task.Iterations)
	}

	task.Name = "evening check"
	if err := store.UpdateTask(task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	got, err := store.Task(task.ID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if got.Name != "evening check" {
		t.Errorf("name = %q after update", got.Name)
	}

	if err := store.DeleteTask(task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := store.Task(task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Task after delete = %v, want ErrTaskNotFound", err)
	}
}

func TestStore_RejectsInvalidCron(t *testing.T) {
	store := newTestStore(t)
	for _, expr := range []string{"", "not cron", "61 * * * *", "* * * *"} {
		if _, err := store.AddTask(models.Task{Name: "bad", Schedule: expr}); err == nil {
			t.Errorf("AddTask accepted cron %q", expr)
		}
	}
}

func TestStore_ActivityRingCapped(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < activityCap+10; i++ {
		store.RecordActivity(models.ActivityEntry{
			TaskID: fmt.Sprintf("t%d", i),
			Status: models.ActivityComplete,
		})
	}
	activity := store.Activity()
	if len(activity) != activityCap {
		t.Fatalf("activity entries = %d, want %d", len(activity), activityCap)
	}
	// Most recent first.
	if activity[0].TaskID != fmt.Sprintf("t%d", activityCap+9) {
		t.Errorf("first entry = %s, want newest", activity[0].TaskID)
	}
}

func TestStore_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	tasksPath := filepath.Join(dir, "tasks.json")
	activityPath := filepath.Join(dir, "activity.json")

	store, err := NewStore(tasksPath, activityPath, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	task, err := store.AddTask(models.Task{Name: "nightly", Schedule: "0 2 * * *"})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	reloaded, err := NewStore(tasksPath, activityPath, nil)
	if err != nil {
		t.Fatalf("NewStore reload: %v", err)
	}
	if _, err := reloaded.Task(task.ID); err != nil {
		t.Errorf("task lost on reload: %v", err)
	}
}

func TestMatchesMinute(t *testing.T) {
	cases := []struct {
		expr string
		at   time.Time
		want bool
	}{
		{"*/5 * * * *", time.Date(2026, 8, 24, 10, 5, 12, 0, time.UTC), true},
		{"*/5 * * * *", time.Date(2026, 8, 24, 10, 6, 0, 0, time.UTC), false},
		{"30 14 * * *", time.Date(2026, 8, 24, 14, 30, 59, 0, time.UTC), true},
		{"30 14 * * *", time.Date(2026, 8, 24, 14, 31, 0, 0, time.UTC), false},
		{"* * * * *", time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), true},
		{"bogus", time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		if got := matchesMinute(tc.expr, tc.at); got != tc.want {
			t.Errorf("matchesMinute(%q, %s) = %v, want %v", tc.expr, tc.at, got, tc.want)
		}
	}
}

func TestScheduler_FiresMatchingTask(t *testing.T) {
	store := newTestStore(t)
	task, _ := store.AddTask(models.Task{Name: "pulse", Schedule: "* * * * *", Enabled: true})
	runner := &countingRunner{}
	bus := &collectingBus{}

	now := time.Date(2026, 8, 24, 12, 0, 10, 0, time.UTC)
	s := NewScheduler(store, runner, bus, WithNow(func() time.Time { return now }))

	s.Tick(context.Background())
	if len(runner.runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runner.runs))
	}
	if !bus.has(models.EventContinuityTaskStarting) || !bus.has(models.EventContinuityTaskComplete) {
		t.Error("starting/complete events missing")
	}

	// Second tick in the same minute must not fire again.
	now = now.Add(30 * time.Second)
	s.Tick(context.Background())
	if len(runner.runs) != 1 {
		t.Errorf("runs after same-minute tick = %d, want 1", len(runner.runs))
	}

	// Next minute fires again (cooldown 0).
	now = now.Add(time.Minute)
	s.Tick(context.Background())
	if len(runner.runs) != 2 {
		t.Errorf("runs after next minute = %d, want 2", len(runner.runs))
	}

	got, _ := store.Task(task.ID)
	if got.LastRun == "" {
		t.Error("last_run not recorded")
	}
}

func TestScheduler_CooldownSkips(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	task, _ := store.AddTask(models.Task{
		Name: "slow", Schedule: "* * * * *", Enabled: true, CooldownMinutes: 10,
	})
	if err := store.SetLastRun(task.ID, now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("SetLastRun: %v", err)
	}

	runner := &countingRunner{}
	s := NewScheduler(store, runner, &collectingBus{}, WithNow(func() time.Time { return now }))
	s.Tick(context.Background())
	if len(runner.runs) != 0 {
		t.Errorf("runs = %d, want 0 during cooldown", len(runner.runs))
	}

	now = now.Add(6 * time.Minute)
	s.Tick(context.Background())
	if len(runner.runs) != 1 {
		t.Errorf("runs = %d, want 1 after cooldown", len(runner.runs))
	}
}

func TestScheduler_ChanceRollSkips(t *testing.T) {
	store := newTestStore(t)
	store.AddTask(models.Task{Name: "flaky", Schedule: "* * * * *", Enabled: true, Chance: 30})

	runner := &countingRunner{}
	bus := &collectingBus{}
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(store, runner, bus,
		WithNow(func() time.Time { return now }),
		WithRandInt(func(int) int { return 98 }))

	s.Tick(context.Background())
	if len(runner.runs) != 0 {
		t.Errorf("runs = %d, want 0 after failed roll", len(runner.runs))
	}
	if !bus.has(models.EventContinuityTaskSkipped) {
		t.Error("skipped event missing")
	}

	activity := store.Activity()
	if len(activity) == 0 || activity[0].Status != models.ActivitySkipped {
		t.Errorf("activity = %+v, want skipped entry", activity)
	}
}

func TestScheduler_ErrorContinuesWithNextTask(t *testing.T) {
	store := newTestStore(t)
	store.AddTask(models.Task{Name: "first", Schedule: "* * * * *", Enabled: true})
	store.AddTask(models.Task{Name: "second", Schedule: "* * * * *", Enabled: true})

	runner := &countingRunner{err: errors.New("provider down")}
	bus := &collectingBus{}
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(store, runner, bus, WithNow(func() time.Time { return now }))

	s.Tick(context.Background())
	if len(runner.runs) != 2 {
		t.Errorf("runs = %d, want both tasks attempted", len(runner.runs))
	}
	if !bus.has(models.EventContinuityTaskError) {
		t.Error("error event missing")
	}
}

func TestScheduler_DisabledTasksNeverFire(t *testing.T) {
	store := newTestStore(t)
	store.AddTask(models.Task{Name: "off", Schedule: "* * * * *", Enabled: false})

	runner := &countingRunner{}
	s := NewScheduler(store, runner, &collectingBus{},
		WithNow(func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }))
	s.Tick(context.Background())
	if len(runner.runs) != 0 {
		t.Errorf("disabled task fired %d times", len(runner.runs))
	}
}

func TestScheduler_Timeline(t *testing.T) {
	store := newTestStore(t)
	store.AddTask(models.Task{Name: "hourly", Schedule: "0 * * * *", Enabled: true})
	store.AddTask(models.Task{Name: "never shown", Schedule: "0 * * * *", Enabled: false})

	now := time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC)
	s := NewScheduler(store, &countingRunner{}, &collectingBus{}, WithNow(func() time.Time { return now }))

	occurrences := s.Timeline(3)
	if len(occurrences) != 3 {
		t.Fatalf("occurrences = %d, want 3 within 3h", len(occurrences))
	}
	first, err := time.Parse(time.RFC3339, occurrences[0].At)
	if err != nil {
		t.Fatalf("parse occurrence: %v", err)
	}
	if !first.Equal(time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("first occurrence = %s", occurrences[0].At)
	}
	for _, occ := range occurrences {
		if occ.TaskName != "hourly" {
			t.Errorf("disabled task in timeline: %+v", occ)
		}
	}
}
