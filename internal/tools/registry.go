// Package tools provides the tool registry: descriptor catalog, named
// toolsets ("abilities"), network classification and mode filtering.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Mode is the prompt mode a tool may be restricted to.
type Mode string

const (
	ModeMonolith  Mode = "monolith"
	ModeAssembled Mode = "assembled"
)

// Reserved toolset names. "all" resolves to every tool, "none" to no tools.
const (
	ToolsetAll  = "all"
	ToolsetNone = "none"
)

var (
	// ErrNotFound indicates an unknown tool or toolset.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a name collision with a protected toolset.
	ErrConflict = errors.New("conflict")
)

var executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sapphire_tool_executions_total",
	Help: "Tool executions by tool name and outcome.",
}, []string{"tool", "outcome"})

// Descriptor describes a tool to the registry and to LLM providers.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`

	// Network marks tools that contact remote endpoints; they must route
	// through the privacy gate. Local marks tools touching only this host.
	Network bool `json:"network,omitempty"`
	Local   bool `json:"local,omitempty"`

	// Modes restricts the tool to specific prompt modes. Empty means the
	// tool applies in every mode.
	Modes []Mode `json:"modes,omitempty"`
}

// AppliesTo reports whether the descriptor is usable under the given mode.
func (d Descriptor) AppliesTo(mode Mode) bool {
	if len(d.Modes) == 0 {
		return true
	}
	for _, m := range d.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// Tool is an executable tool. Execute returns the result text and a success
// flag; failures are tool results, not errors.
type Tool interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, args Args) (string, bool)
}

// Registry holds the tool catalog, module-provided toolsets and user-defined
// custom toolsets (persisted separately), plus the active function set.
type Registry struct {
	logger     *slog.Logger
	customPath string

	mu             sync.RWMutex
	tools          map[string]Tool
	moduleToolsets map[string][]string
	custom         map[string][]string
	enabled        []string
}

// NewRegistry creates a registry. customPath is the JSON file holding
// user-defined toolsets; it is created on first save.
func NewRegistry(customPath string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:         logger.With("component", "tools"),
		customPath:     customPath,
		tools:          map[string]Tool{},
		moduleToolsets: map[string][]string{},
		custom:         map[string][]string{},
	}
	if customPath != "" {
		raw, err := os.ReadFile(customPath)
		switch {
		case err == nil:
			if err := json.Unmarshal(raw, &r.custom); err != nil {
				return nil, fmt.Errorf("parse custom toolsets: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool to the catalog, replacing any previous tool with the
// same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Descriptor().Name] = tool
}

// RegisterToolset records a module-provided toolset. Unknown function names
// are kept: modules may register tools after their toolsets.
func (r *Registry) RegisterToolset(name string, functions []string) {
	name = normalizeName(name)
	if name == "" || name == ToolsetAll || name == ToolsetNone {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moduleToolsets[name] = append([]string(nil), functions...)
}

// Abilities returns the names of all known toolsets, reserved ones included.
func (r *Registry) Abilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := []string{ToolsetAll, ToolsetNone}
	for name := range r.moduleToolsets {
		names = append(names, name)
	}
	for name := range r.custom {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolsetExists reports whether name is a known toolset.
func (r *Registry) ToolsetExists(name string) bool {
	name = normalizeName(name)
	if name == ToolsetAll || name == ToolsetNone {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, module := r.moduleToolsets[name]
	_, custom := r.custom[name]
	return module || custom
}

// ToolsetFunctions resolves a toolset to its function names.
func (r *Registry) ToolsetFunctions(name string) ([]string, error) {
	name = normalizeName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch name {
	case ToolsetAll:
		names := make([]string, 0, len(r.tools))
		for fn := range r.tools {
			names = append(names, fn)
		}
		sort.Strings(names)
		return names, nil
	case ToolsetNone:
		return []string{}, nil
	}
	if fns, ok := r.moduleToolsets[name]; ok {
		return append([]string(nil), fns...), nil
	}
	if fns, ok := r.custom[name]; ok {
		return append([]string(nil), fns...), nil
	}
	return nil, fmt.Errorf("toolset %q: %w", name, ErrNotFound)
}

// ToolsetDescriptors resolves a toolset to the descriptors of its registered
// tools. Functions the toolset names but nothing registered are skipped, the
// same leniency RegisterToolset allows.
func (r *Registry) ToolsetDescriptors(name string) ([]Descriptor, error) {
	functions, err := r.ToolsetFunctions(name)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(functions))
	for _, fn := range functions {
		if tool, ok := r.tools[fn]; ok {
			out = append(out, tool.Descriptor())
		}
	}
	return out, nil
}

// SaveToolset creates or replaces a custom toolset. Module-provided and
// reserved names are protected; every function must exist in the catalog.
func (r *Registry) SaveToolset(name string, functions []string) error {
	name = normalizeName(name)
	if name == "" {
		return errors.New("toolset name is required")
	}
	if name == ToolsetAll || name == ToolsetNone {
		return fmt.Errorf("toolset %q is reserved: %w", name, ErrConflict)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.moduleToolsets[name]; ok {
		return fmt.Errorf("toolset %q is module-provided: %w", name, ErrConflict)
	}
	for _, fn := range functions {
		if _, ok := r.tools[fn]; !ok {
			return fmt.Errorf("unknown function %q", fn)
		}
	}
	r.custom[name] = append([]string(nil), functions...)
	return r.saveCustomLocked()
}

// DeleteToolset removes a custom toolset.
func (r *Registry) DeleteToolset(name string) error {
	name = normalizeName(name)
	if name == ToolsetAll || name == ToolsetNone {
		return fmt.Errorf("toolset %q is reserved: %w", name, ErrConflict)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.moduleToolsets[name]; ok {
		return fmt.Errorf("toolset %q is module-provided: %w", name, ErrConflict)
	}
	if _, ok := r.custom[name]; !ok {
		return fmt.Errorf("toolset %q: %w", name, ErrNotFound)
	}
	delete(r.custom, name)
	return r.saveCustomLocked()
}

// UpdateEnabled activates a toolset (single-element selection naming one) or
// an explicit function list for the current chat, dropping tools whose mode
// filter excludes mode.
func (r *Registry) UpdateEnabled(selection []string, mode Mode) error {
	var functions []string
	if len(selection) == 1 && r.ToolsetExists(selection[0]) {
		resolved, err := r.ToolsetFunctions(selection[0])
		if err != nil {
			return err
		}
		functions = resolved
	} else {
		functions = selection
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	enabled := make([]string, 0, len(functions))
	for _, fn := range functions {
		tool, ok := r.tools[fn]
		if !ok {
			return fmt.Errorf("unknown function %q", fn)
		}
		if !tool.Descriptor().AppliesTo(mode) {
			continue
		}
		enabled = append(enabled, fn)
	}
	r.enabled = enabled
	return nil
}

// Enabled returns the descriptors of the currently active function set.
func (r *Registry) Enabled() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.enabled))
	for _, fn := range r.enabled {
		if tool, ok := r.tools[fn]; ok {
			out = append(out, tool.Descriptor())
		}
	}
	return out
}

// EnabledNames returns the names of the currently active function set.
func (r *Registry) EnabledNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.enabled...)
}

// Functions returns every descriptor in the catalog, sorted by name.
func (r *Registry) Functions() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NetworkFunctions returns the names of all network-classified tools.
func (r *Registry) NetworkFunctions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, tool := range r.tools {
		if tool.Descriptor().Network {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// HasNetworkToolsEnabled reports whether the active set contains any
// network-classified tool.
func (r *Registry) HasNetworkToolsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.enabled {
		if tool, ok := r.tools[fn]; ok && tool.Descriptor().Network {
			return true
		}
	}
	return false
}

// Has reports whether a tool exists in the catalog.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Execute invokes a tool with parsed arguments. Unknown tools yield a
// failure result rather than an error.
func (r *Registry) Execute(ctx context.Context, name string, args Args) (string, bool) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		executionsTotal.WithLabelValues(name, "unknown").Inc()
		return "tool not found: " + name, false
	}
	text, success := tool.Execute(ctx, args)
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	executionsTotal.WithLabelValues(name, outcome).Inc()
	return text, success
}

// saveCustomLocked persists the custom toolsets file. Callers hold r.mu.
func (r *Registry) saveCustomLocked() error {
	if r.customPath == "" {
		return nil
	}
	payload, err := json.MarshalIndent(r.custom, "", "  ")
	if err != nil {
		return fmt.Errorf("encode custom toolsets: %w", err)
	}
	return atomicWrite(r.customPath, payload)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
