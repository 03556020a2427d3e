package providers

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sapphirehost/sapphire/internal/agent"
	"github.com/sapphirehost/sapphire/internal/store"
)

// Resolver maps provider names from chat settings to live clients. Clients
// are constructed lazily and cached; the cache entry is rebuilt if the
// stored API key changes.
type Resolver struct {
	creds *store.Credentials

	mu    sync.Mutex
	cache map[string]cachedProvider
}

type cachedProvider struct {
	provider agent.LLMProvider
	apiKey   string
}

// NewResolver creates a resolver backed by the credential store.
func NewResolver(creds *store.Credentials) *Resolver {
	return &Resolver{
		creds: creds,
		cache: map[string]cachedProvider{},
	}
}

// Provider returns the client for a provider name ("claude", "openai" or
// "fireworks"). Unknown names and missing API keys are errors.
func (r *Resolver) Provider(name string) (agent.LLMProvider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "claude"
	}

	apiKey := r.creds.APIKey(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.cache[name]; ok && entry.apiKey == apiKey {
		return entry.provider, nil
	}

	var provider agent.LLMProvider
	var err error
	switch name {
	case "claude":
		provider, err = NewAnthropicProvider(apiKey, "")
	case "openai":
		provider, err = NewOpenAIProvider(apiKey, "")
	case "fireworks":
		provider, err = NewFireworksProvider(apiKey, "")
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", name)
	}
	if err != nil {
		return nil, err
	}
	r.cache[name] = cachedProvider{provider: provider, apiKey: apiKey}
	return provider, nil
}
