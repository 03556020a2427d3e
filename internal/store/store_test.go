package store

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestCredentials_StoredBeatsEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	creds := NewCredentials(path, nil)

	t.Setenv("OPENAI_API_KEY", "env-key")
	if got := creds.APIKey("openai"); got != "env-key" {
		t.Errorf("APIKey() = %q, want env fallback", got)
	}

	if err := creds.SetAPIKey("openai", "stored-key"); err != nil {
		t.Fatalf("SetAPIKey() error = %v", err)
	}
	if got := creds.APIKey("openai"); got != "stored-key" {
		t.Errorf("APIKey() = %q, want stored value", got)
	}
}

func TestCredentials_UnknownProviderEmpty(t *testing.T) {
	creds := NewCredentials(filepath.Join(t.TempDir(), "credentials.json"), nil)
	if got := creds.APIKey("mystery"); got != "" {
		t.Errorf("APIKey(mystery) = %q, want empty", got)
	}
}

func TestCredentials_OwnerOnlyPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions only")
	}
	path := filepath.Join(t.TempDir(), "credentials.json")
	creds := NewCredentials(path, nil)
	if err := creds.SetAPIKey("claude", "k"); err != nil {
		t.Fatalf("SetAPIKey() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}
}

func TestCredentials_DegradesToMemory(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("needs an unwritable directory")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}
	defer os.Chmod(dir, 0o755)

	creds := NewCredentials(filepath.Join(dir, "credentials.json"), nil)
	if err := creds.SetAPIKey("openai", "mem-key"); err != nil {
		t.Fatalf("SetAPIKey() in memory mode error = %v", err)
	}
	if got := creds.APIKey("openai"); got != "mem-key" {
		t.Errorf("APIKey() = %q, want in-memory value", got)
	}
}

func TestSettings_TypedGetters(t *testing.T) {
	settings, err := NewSettings(filepath.Join(t.TempDir(), "settings.json"), nil)
	if err != nil {
		t.Fatalf("NewSettings() error = %v", err)
	}

	if err := settings.Set("name", "sapphire"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := settings.Set("count", 7); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := settings.Set("enabled", true); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if got := settings.GetString("name", ""); got != "sapphire" {
		t.Errorf("GetString() = %q", got)
	}
	if got := settings.GetInt("count", 0); got != 7 {
		t.Errorf("GetInt() = %d", got)
	}
	if got := settings.GetBool("enabled", false); !got {
		t.Error("GetBool() = false, want true")
	}
	if got := settings.GetString("missing", "fallback"); got != "fallback" {
		t.Errorf("GetString(missing) = %q, want fallback", got)
	}
}

func TestSettings_WriterSeesOwnWrite(t *testing.T) {
	settings, err := NewSettings(filepath.Join(t.TempDir(), "settings.json"), nil)
	if err != nil {
		t.Fatalf("NewSettings() error = %v", err)
	}
	if err := settings.Set("k", "v"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got := settings.GetString("k", ""); got != "v" {
		t.Errorf("GetString() = %q immediately after Set", got)
	}
}

func TestSettings_ChangeCallbackOnSet(t *testing.T) {
	settings, err := NewSettings(filepath.Join(t.TempDir(), "settings.json"), nil)
	if err != nil {
		t.Fatalf("NewSettings() error = %v", err)
	}

	var got any
	calls := 0
	settings.OnChange("watched", func(v any) {
		got = v
		calls++
	})

	if err := settings.Set("watched", "first"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if calls != 1 || got != "first" {
		t.Fatalf("callback calls = %d value = %v", calls, got)
	}

	// Same value again: no change, no callback.
	if err := settings.Set("watched", "first"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("callback fired on unchanged value, calls = %d", calls)
	}
}

func TestSettings_ReloadDetectsExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	settings, err := NewSettings(path, nil)
	if err != nil {
		t.Fatalf("NewSettings() error = %v", err)
	}

	fired := make(chan any, 1)
	settings.OnChange("external", func(v any) { fired <- v })

	// Simulate another process rewriting the file with a newer mtime.
	if err := os.WriteFile(path, []byte(`{"external":"yes"}`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	future := time.Now().Add(5 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	settings.reloadIfChanged()

	select {
	case v := <-fired:
		if v != "yes" {
			t.Errorf("callback value = %v, want yes", v)
		}
	default:
		t.Fatal("change callback did not fire after external reload")
	}
	if got := settings.GetString("external", ""); got != "yes" {
		t.Errorf("GetString(external) = %q after reload", got)
	}
}
