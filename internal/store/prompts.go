package store

import (
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DefaultSystemPrompt is served when a chat names no prompt or names one
// that does not exist on disk.
const DefaultSystemPrompt = "You are a helpful assistant."

// spiceSetsKey is the settings key holding the named spice sets, a mapping
// of set name to a list of strings.
const spiceSetsKey = "spice_sets"

type promptEntry struct {
	text            string
	privacyRequired bool
}

// Prompts serves named system prompts from a directory of .txt files. The
// file name (without extension) is the prompt name. A first line of the form
// "privacy-required: true" is metadata, stripped from the served text.
type Prompts struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	prompts map[string]promptEntry
}

// NewPrompts loads the prompt directory. A missing directory yields an empty
// library; the built-in default prompt is always available.
func NewPrompts(dir string, logger *slog.Logger) *Prompts {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prompts{
		dir:     dir,
		logger:  logger.With("component", "prompts"),
		prompts: map[string]promptEntry{},
	}
	p.Reload()
	return p
}

// Reload rescans the prompt directory.
func (p *Prompts) Reload() {
	loaded := map[string]promptEntry{}
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("prompt directory unreadable", "dir", p.dir, "error", err)
		}
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			p.logger.Warn("prompt file unreadable", "file", entry.Name(), "error", err)
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".txt")
		loaded[name] = parsePrompt(string(raw))
	}

	p.mu.Lock()
	p.prompts = loaded
	p.mu.Unlock()
}

func parsePrompt(raw string) promptEntry {
	entry := promptEntry{text: strings.TrimSpace(raw)}
	line, rest, found := strings.Cut(entry.text, "\n")
	if !found {
		rest = ""
	}
	if strings.TrimSpace(strings.ToLower(line)) == "privacy-required: true" {
		entry.privacyRequired = true
		entry.text = strings.TrimSpace(rest)
	}
	return entry
}

// SystemPrompt returns the text of a named prompt. The reported bool is
// false for unknown names; "default" always resolves, preferring an on-disk
// override over the built-in text.
func (p *Prompts) SystemPrompt(name string) (string, bool) {
	p.mu.RLock()
	entry, ok := p.prompts[name]
	p.mu.RUnlock()
	if ok {
		return entry.text, true
	}
	if name == "default" || name == "" {
		return DefaultSystemPrompt, true
	}
	return "", false
}

// PrivacyRequired reports whether the named prompt demands privacy mode.
func (p *Prompts) PrivacyRequired(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prompts[name].privacyRequired
}

// Names lists the available prompt names, sorted, always including default.
func (p *Prompts) Names() []string {
	p.mu.RLock()
	names := make([]string, 0, len(p.prompts)+1)
	_, hasDefault := p.prompts["default"]
	for name := range p.prompts {
		names = append(names, name)
	}
	p.mu.RUnlock()
	if !hasDefault {
		names = append(names, "default")
	}
	sort.Strings(names)
	return names
}

// Spices picks random lines from the named spice sets stored in settings
// under "spice_sets".
type Spices struct {
	settings *Settings
	intn     func(n int) int
}

// NewSpices creates a spice picker over the settings store.
func NewSpices(settings *Settings) *Spices {
	return &Spices{settings: settings, intn: rand.Intn}
}

// Pick returns a random entry from the named set, or false when the set is
// missing or empty.
func (s *Spices) Pick(set string) (string, bool) {
	v, ok := s.settings.Get(spiceSetsKey)
	if !ok {
		return "", false
	}
	sets, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	items, ok := sets[set].([]any)
	if !ok || len(items) == 0 {
		return "", false
	}
	var lines []string
	for _, item := range items {
		if str, ok := item.(string); ok && str != "" {
			lines = append(lines, str)
		}
	}
	if len(lines) == 0 {
		return "", false
	}
	return lines[s.intn(len(lines))], true
}
