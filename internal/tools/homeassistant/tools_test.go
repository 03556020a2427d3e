package homeassistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sapphirehost/sapphire/internal/privacy"
	"github.com/sapphirehost/sapphire/internal/store"
	"github.com/sapphirehost/sapphire/internal/tools"
)

const testToken = "long-lived-token"

func newTestSource(t *testing.T, baseURL string, gate *privacy.Gate) Source {
	t.Helper()
	dir := t.TempDir()
	settings, err := store.NewSettings(filepath.Join(dir, "settings.json"), nil)
	if err != nil {
		t.Fatalf("NewSettings() error = %v", err)
	}
	if err := settings.Set(urlSettingKey, baseURL); err != nil {
		t.Fatalf("Set(%s) error = %v", urlSettingKey, err)
	}
	creds := store.NewCredentials(filepath.Join(dir, "credentials.json"), nil)
	if err := creds.SetHomeAssistantToken(testToken); err != nil {
		t.Fatalf("SetHomeAssistantToken() error = %v", err)
	}
	return Source{Gate: gate, Settings: settings, Credentials: creds}
}

func TestCallService(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	tool := &CallServiceTool{src: newTestSource(t, server.URL, nil)}
	result, ok := tool.Execute(context.Background(), tools.Args{
		"domain":       "light",
		"service":      "turn_on",
		"service_data": map[string]any{"entity_id": "light.kitchen"},
	})
	if !ok {
		t.Fatalf("Execute() failed: %s", result)
	}
	if gotPath != "/api/services/light/turn_on" {
		t.Errorf("path = %q, want /api/services/light/turn_on", gotPath)
	}
	if gotAuth != "Bearer "+testToken {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotBody["entity_id"] != "light.kitchen" {
		t.Errorf("service_data entity_id = %v", gotBody["entity_id"])
	}
}

func TestCallServiceRequiresDomainAndService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	tool := &CallServiceTool{src: newTestSource(t, server.URL, nil)}
	result, ok := tool.Execute(context.Background(), tools.Args{"domain": "light"})
	if ok {
		t.Fatal("Execute() succeeded without a service name")
	}
	if !strings.Contains(result, "required") {
		t.Errorf("result = %q, want mention of required fields", result)
	}
}

func TestGetState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/states/light.kitchen" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"entity_id":"light.kitchen","state":"on"}`))
	}))
	defer server.Close()

	tool := &StateTool{src: newTestSource(t, server.URL, nil)}
	result, ok := tool.Execute(context.Background(), tools.Args{"entity_id": "light.kitchen"})
	if !ok {
		t.Fatalf("Execute() failed: %s", result)
	}
	if !strings.Contains(result, `"state":"on"`) {
		t.Errorf("result = %q, want entity state payload", result)
	}
}

func TestPrivacyGateBlocksWithoutRequest(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	gate := privacy.NewGate([]string{"10.9.9.9"}, true)
	tool := &StateTool{src: newTestSource(t, server.URL, gate)}
	result, ok := tool.Execute(context.Background(), tools.Args{"entity_id": "light.kitchen"})
	if ok {
		t.Fatal("Execute() succeeded through an enabled privacy gate")
	}
	if !strings.Contains(result, "Privacy mode blocked") {
		t.Errorf("result = %q, want privacy denial", result)
	}
	if n := requests.Load(); n != 0 {
		t.Errorf("server received %d requests, want 0", n)
	}
}

func TestMissingConfiguration(t *testing.T) {
	dir := t.TempDir()
	settings, err := store.NewSettings(filepath.Join(dir, "settings.json"), nil)
	if err != nil {
		t.Fatalf("NewSettings() error = %v", err)
	}
	creds := store.NewCredentials(filepath.Join(dir, "credentials.json"), nil)

	tool := &StateTool{src: Source{Settings: settings, Credentials: creds}}
	result, ok := tool.Execute(context.Background(), tools.Args{"entity_id": "light.kitchen"})
	if ok {
		t.Fatal("Execute() succeeded without URL or token configured")
	}
	if !strings.Contains(result, "invalid Home Assistant URL") {
		t.Errorf("result = %q, want configuration error", result)
	}
}

func TestServerErrorSurfacesMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	tool := &StateTool{src: newTestSource(t, server.URL, nil)}
	result, ok := tool.Execute(context.Background(), tools.Args{"entity_id": "light.kitchen"})
	if ok {
		t.Fatal("Execute() succeeded on a 401 response")
	}
	if !strings.Contains(result, "unauthorized") {
		t.Errorf("result = %q, want server message", result)
	}
}

func TestRegisterInstallsToolset(t *testing.T) {
	registry, err := tools.NewRegistry("", nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	src := newTestSource(t, "http://homeassistant.local:8123", nil)
	Register(registry, src.Gate, src.Settings, src.Credentials)

	for _, name := range []string{"ha_call_service", "ha_get_state"} {
		if !registry.Has(name) {
			t.Errorf("tool %q not registered", name)
		}
	}
	fns, err := registry.ToolsetFunctions("home")
	if err != nil {
		t.Fatalf("ToolsetFunctions(home) error = %v", err)
	}
	if len(fns) != 2 {
		t.Errorf("home toolset has %d functions, want 2", len(fns))
	}
}
