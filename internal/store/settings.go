package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"time"
)

// PollInterval is the cadence of the mtime hot-reload poller. External
// writers become visible within one interval; the local writer always sees
// its own write immediately.
const PollInterval = 2 * time.Second

// ChangeCallback is invoked when a watched key's value changes, with the new
// value (nil when the key was removed).
type ChangeCallback func(value any)

// Settings is a JSON key/value store with typed getters, atomic persistence
// and named-key change callbacks fired on external reloads and local writes.
type Settings struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex
	values    map[string]any
	mtime     time.Time
	callbacks map[string][]ChangeCallback
}

// NewSettings opens (or creates) the settings store at path.
func NewSettings(path string, logger *slog.Logger) (*Settings, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Settings{
		path:      path,
		logger:    logger.With("component", "settings"),
		values:    map[string]any{},
		callbacks: map[string][]ChangeCallback{},
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s.values); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
		if info, err := os.Stat(path); err == nil {
			s.mtime = info.ModTime()
		}
	case errors.Is(err, os.ErrNotExist):
		if err := s.save(); err != nil {
			return nil, fmt.Errorf("initialize settings: %w", err)
		}
	default:
		return nil, err
	}
	return s, nil
}

// Watch starts the mtime poller. It returns when the context is done.
func (s *Settings) Watch(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reloadIfChanged()
		}
	}
}

// OnChange registers a callback fired whenever the named key changes.
func (s *Settings) OnChange(key string, fn ChangeCallback) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.callbacks[key] = append(s.callbacks[key], fn)
	s.mu.Unlock()
}

// Get returns the raw value for key and whether it exists.
func (s *Settings) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetString returns the value for key as a string, or def.
func (s *Settings) GetString(key, def string) string {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	if str, ok := v.(string); ok {
		return str
	}
	return def
}

// GetInt returns the value for key as an int, or def. JSON numbers decode as
// float64 and are truncated.
func (s *Settings) GetInt(key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return def
}

// GetBool returns the value for key as a bool, or def.
func (s *Settings) GetBool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// GetStringSlice returns the value for key as a string slice, or nil.
func (s *Settings) GetStringSlice(key string) []string {
	v, ok := s.Get(key)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// Set stores a value and persists the file. Change callbacks for the key
// fire synchronously when the value actually changed.
func (s *Settings) Set(key string, value any) error {
	s.mu.Lock()
	old, existed := s.values[key]
	s.values[key] = value
	err := s.save()
	changed := !existed || !reflect.DeepEqual(old, value)
	var fns []ChangeCallback
	if changed {
		fns = append(fns, s.callbacks[key]...)
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, fn := range fns {
		fn(value)
	}
	return nil
}

// Delete removes a key and persists the file.
func (s *Settings) Delete(key string) error {
	s.mu.Lock()
	_, existed := s.values[key]
	delete(s.values, key)
	err := s.save()
	var fns []ChangeCallback
	if existed {
		fns = append(fns, s.callbacks[key]...)
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, fn := range fns {
		fn(nil)
	}
	return nil
}

// Snapshot returns a copy of all values.
func (s *Settings) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// reloadIfChanged reloads the file when its mtime moved past the last-seen
// stamp, then fires callbacks for every changed watched key.
func (s *Settings) reloadIfChanged() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}

	s.mu.Lock()
	if !info.ModTime().After(s.mtime) {
		s.mu.Unlock()
		return
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.mu.Unlock()
		return
	}
	fresh := map[string]any{}
	if err := json.Unmarshal(raw, &fresh); err != nil {
		s.logger.Warn("settings reload skipped, file unparsable", "error", err)
		s.mu.Unlock()
		return
	}
	old := s.values
	s.values = fresh
	s.mtime = info.ModTime()

	type firing struct {
		fn    ChangeCallback
		value any
	}
	var fire []firing
	for key, fns := range s.callbacks {
		oldV, hadOld := old[key]
		newV, hasNew := fresh[key]
		if hadOld == hasNew && reflect.DeepEqual(oldV, newV) {
			continue
		}
		for _, fn := range fns {
			fire = append(fire, firing{fn: fn, value: newV})
		}
	}
	s.mu.Unlock()

	for _, f := range fire {
		f.fn(f.value)
	}
}

// save writes the full file atomically. Callers hold s.mu.
func (s *Settings) save() error {
	payload, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := atomicWrite(s.path, payload, 0o644); err != nil {
		return err
	}
	if info, err := os.Stat(s.path); err == nil {
		s.mtime = info.ModTime()
	}
	return nil
}
