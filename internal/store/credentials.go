// Package store provides the on-disk key/value stores: credentials and
// settings. Both persist as JSON files with atomic replace writes; settings
// additionally hot-reload by mtime polling.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// credentialEnvVars maps an LLM provider name to the environment variable
// consulted when no stored key exists. The mapping is closed.
var credentialEnvVars = map[string]string{
	"claude":    "ANTHROPIC_API_KEY",
	"fireworks": "FIREWORKS_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

type llmCredential struct {
	APIKey string `json:"api_key"`
}

// SocksCredential holds SOCKS proxy credentials.
type SocksCredential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HomeAssistantCredential holds the Home Assistant long-lived token.
type HomeAssistantCredential struct {
	Token string `json:"token"`
}

type credentialsFile struct {
	LLM           map[string]llmCredential `json:"llm"`
	Socks         *SocksCredential         `json:"socks,omitempty"`
	HomeAssistant *HomeAssistantCredential `json:"homeassistant,omitempty"`
}

// Credentials is the credential store. If the backing file cannot be written
// the store degrades to in-memory operation rather than failing.
type Credentials struct {
	path    string
	mu      sync.RWMutex
	data    credentialsFile
	persist bool
	logger  *slog.Logger
}

// NewCredentials opens (or creates) the credential store at path.
func NewCredentials(path string, logger *slog.Logger) *Credentials {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Credentials{
		path:    path,
		persist: true,
		logger:  logger.With("component", "credentials"),
		data:    credentialsFile{LLM: map[string]llmCredential{}},
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &c.data); err != nil {
			c.logger.Warn("credentials file unreadable, starting empty", "error", err)
		}
		if c.data.LLM == nil {
			c.data.LLM = map[string]llmCredential{}
		}
	case errors.Is(err, os.ErrNotExist):
		if err := c.save(); err != nil {
			c.logger.Warn("credentials not persistable, operating in memory", "error", err)
			c.persist = false
		}
	default:
		c.logger.Warn("credentials not readable, operating in memory", "error", err)
		c.persist = false
	}
	return c
}

// APIKey resolves the key for an LLM provider: stored value, then the mapped
// environment variable, then empty.
func (c *Credentials) APIKey(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))

	c.mu.RLock()
	cred, ok := c.data.LLM[provider]
	c.mu.RUnlock()
	if ok && cred.APIKey != "" {
		return cred.APIKey
	}
	if env, ok := credentialEnvVars[provider]; ok {
		return os.Getenv(env)
	}
	return ""
}

// SetAPIKey stores the key for an LLM provider and persists the file.
func (c *Credentials) SetAPIKey(provider, key string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return errors.New("provider is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.LLM[provider] = llmCredential{APIKey: key}
	return c.save()
}

// Socks returns the stored SOCKS credentials, or nil.
func (c *Credentials) Socks() *SocksCredential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data.Socks == nil {
		return nil
	}
	cred := *c.data.Socks
	return &cred
}

// SetSocks stores SOCKS credentials.
func (c *Credentials) SetSocks(cred SocksCredential) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.Socks = &cred
	return c.save()
}

// HomeAssistantToken returns the stored Home Assistant token, or empty.
func (c *Credentials) HomeAssistantToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data.HomeAssistant == nil {
		return ""
	}
	return c.data.HomeAssistant.Token
}

// SetHomeAssistantToken stores the Home Assistant token.
func (c *Credentials) SetHomeAssistantToken(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.HomeAssistant = &HomeAssistantCredential{Token: token}
	return c.save()
}

// save writes the full file with owner-only permissions. Callers hold c.mu.
func (c *Credentials) save() error {
	if !c.persist {
		return nil
	}
	payload, err := json.MarshalIndent(c.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	return atomicWrite(c.path, payload, 0o600)
}

// atomicWrite replaces path with data as a single operation using a temp
// file and rename in the destination directory.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
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
