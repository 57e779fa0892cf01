package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/relaysync/relay/internal/history"
	"github.com/relaysync/relay/internal/resource"
)

// isolate points every home lookup at a temp dir.
func isolate(t *testing.T) (user, home string) {
	t.Helper()
	user = t.TempDir()
	home = filepath.Join(user, ".config", "relay")
	t.Setenv("HOME", user)
	t.Setenv("RELAY_HOME", home)
	for _, env := range []string{"CLAUDE_HOME", "CODEX_HOME", "OPENCODE_HOME", "CURSOR_HOME",
		"RELAY_HISTORY_BACKEND", "RELAY_WATCH_DEBOUNCE", "RELAY_ENABLED_CLIENTS", "RELAY_DEBUG"} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
	return user, home
}

func TestLoad_Defaults(t *testing.T) {
	user, home := isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Home != home || cfg.CentralDir != home {
		t.Errorf("Home/CentralDir = %s/%s, want %s", cfg.Home, cfg.CentralDir, home)
	}
	if cfg.History.Backend != history.BackendSQLite {
		t.Errorf("History.Backend = %s", cfg.History.Backend)
	}
	if cfg.Watch.Debounce != 300*time.Millisecond {
		t.Errorf("Watch.Debounce = %s", cfg.Watch.Debounce)
	}
	if diff := cmp.Diff(Clients, cfg.EnabledClients); diff != "" {
		t.Errorf("EnabledClients mismatch (-want +got):\n%s", diff)
	}
	if want := filepath.Join(user, ".codex", "prompts"); cfg.Codex.Commands != want {
		t.Errorf("Codex.Commands = %s, want %s", cfg.Codex.Commands, want)
	}
	if cfg.StateDir() != filepath.Join(home, "state") {
		t.Errorf("StateDir() = %s", cfg.StateDir())
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	_, home := isolate(t)
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	data := `enabled_clients = ["codex"]
central_dir = "/srv/relay"

[codex]
commands = "/x/prompts"

[watch]
debounce = "1s"
`
	if err := os.WriteFile(filepath.Join(home, FileName), []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	t.Setenv("RELAY_HISTORY_BACKEND", "toml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Codex.Commands != "/x/prompts" || cfg.CentralDir != "/srv/relay" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Watch.Debounce != time.Second {
		t.Errorf("Watch.Debounce = %s, want 1s", cfg.Watch.Debounce)
	}
	if cfg.History.Backend != history.BackendTOML {
		t.Errorf("History.Backend = %s, want env override toml", cfg.History.Backend)
	}
	if cfg.Codex.Skills == "" {
		t.Error("unset codex.skills should keep its default")
	}
}

func TestLoad_Invalid(t *testing.T) {
	_, home := isolate(t)
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	for name, data := range map[string]string{
		"client":  `enabled_clients = ["vim"]`,
		"backend": "[history]\nbackend = \"mongo\"\n",
		"syntax":  "enabled_clients = [",
	} {
		t.Run(name, func(t *testing.T) {
			if err := os.WriteFile(filepath.Join(home, FileName), []byte(data), 0o644); err != nil {
				t.Fatalf("WriteFile() failed: %v", err)
			}
			if _, err := Load(); err == nil {
				t.Error("Load() should fail")
			}
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	_, home := isolate(t)
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}
	cfg.EnabledClients = []string{ClientClaude, ClientCursor}
	cfg.Watch.Debounce = 750 * time.Millisecond
	cfg.History.Backend = history.BackendTOML
	cfg.Cursor.Commands = "/cursor/commands"

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	got, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLocations_Order(t *testing.T) {
	cfg := &Config{
		EnabledClients: []string{ClientCursor, ClientClaude},
		CentralDir:     "/central",
		Claude:         ClientPaths{Commands: "/claude/commands", Skills: "/claude/skills"},
		Codex:          ClientPaths{Commands: "/codex/prompts"},
		Cursor:         ClientPaths{Commands: "/cursor/commands"},
	}

	var got []string
	for _, l := range cfg.Locations() {
		got = append(got, l.Owner+" "+l.Ability.String())
	}
	want := []string{
		"claude command", "claude skill",
		"cursor command",
		"central command", "central skill", "central agent", "central rule",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Locations() mismatch (-want +got):\n%s", diff)
	}

	locs := cfg.Locations()
	if last := locs[len(locs)-1]; last.Owner != resource.CentralOwner || last.Path != filepath.Join("/central", "rules", "default.rules") {
		t.Errorf("central rule location = %+v", last)
	}
}
