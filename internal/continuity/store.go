// Package continuity runs background "continuity" tasks: cron-scheduled
// conversations the assistant starts on its own, either in an isolated
// ephemeral context or in a real chat.
package continuity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/sapphirehost/sapphire/pkg/models"
)

// activityCap bounds the persisted activity ring.
const activityCap = 50

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already exists")
)

// cronParser accepts the five-field form: minute hour day-of-month month
// day-of-week.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type tasksFile struct {
	Tasks []models.Task `json:"tasks"`
}

type activityFile struct {
	Activity []models.ActivityEntry `json:"activity"`
}

// Store persists continuity tasks and the activity ring as JSON files.
type Store struct {
	tasksPath    string
	activityPath string
	logger       *slog.Logger

	mu       sync.Mutex
	tasks    []models.Task
	activity []models.ActivityEntry
}

// NewStore opens (or creates) the task and activity files.
func NewStore(tasksPath, activityPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		tasksPath:    tasksPath,
		activityPath: activityPath,
		logger:       logger.With("component", "continuity-store"),
	}

	var tf tasksFile
	if err := readJSONFile(tasksPath, &tf); err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	s.tasks = tf.Tasks

	var af activityFile
	if err := readJSONFile(activityPath, &af); err != nil {
		return nil, fmt.Errorf("load activity: %w", err)
	}
	s.activity = af.Activity
	return s, nil
}

// Tasks returns a copy of all tasks.
func (s *Store) Tasks() []models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Task returns one task by ID.
func (s *Store) Task(id string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.ID == id {
			return task, nil
		}
	}
	return models.Task{}, ErrTaskNotFound
}

// AddTask validates and persists a new task. A missing ID is generated.
func (s *Store) AddTask(task models.Task) (models.Task, error) {
	if err := validateTask(task); err != nil {
		return models.Task{}, err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Chance == 0 {
		task.Chance = 100
	}
	if task.Iterations <= 0 {
		task.Iterations = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tasks {
		if existing.ID == task.ID {
			return models.Task{}, ErrTaskExists
		}
	}
	s.tasks = append(s.tasks, task)
	return task, s.saveTasks()
}

// UpdateTask replaces an existing task.
func (s *Store) UpdateTask(task models.Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.tasks {
		if existing.ID == task.ID {
			if task.LastRun == "" {
				task.LastRun = existing.LastRun
			}
			s.tasks[i] = task
			return s.saveTasks()
		}
	}
	return ErrTaskNotFound
}

// DeleteTask removes a task by ID.
func (s *Store) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.tasks {
		if existing.ID == id {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return s.saveTasks()
		}
	}
	return ErrTaskNotFound
}

// SetLastRun stamps a task's last fire time.
func (s *Store) SetLastRun(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			s.tasks[i].LastRun = at.Format(time.RFC3339)
			return s.saveTasks()
		}
	}
	return ErrTaskNotFound
}

// RecordActivity appends one entry to the ring, trimming to the cap.
func (s *Store) RecordActivity(entry models.ActivityEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, entry)
	if len(s.activity) > activityCap {
		s.activity = s.activity[len(s.activity)-activityCap:]
	}
	if err := s.saveActivity(); err != nil {
		s.logger.Warn("activity not persisted", "error", err)
	}
}

// Activity returns the ring, most recent first.
func (s *Store) Activity() []models.ActivityEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ActivityEntry, len(s.activity))
	for i, entry := range s.activity {
		out[len(out)-1-i] = entry
	}
	return out
}

func validateTask(task models.Task) error {
	if strings.TrimSpace(task.Name) == "" {
		return errors.New("task name is required")
	}
	if _, err := cronParser.Parse(task.Schedule); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", task.Schedule, err)
	}
	if task.Chance < 0 || task.Chance > 100 {
		return errors.New("chance must be between 0 and 100")
	}
	return nil
}

// saveTasks and saveActivity run under s.mu.
func (s *Store) saveTasks() error {
	return writeJSONFile(s.tasksPath, tasksFile{Tasks: s.tasks})
}

func (s *Store) saveActivity() error {
	return writeJSONFile(s.activityPath, activityFile{Activity: s.activity})
}

func readJSONFile(path string, v any) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func writeJSONFile(path string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
