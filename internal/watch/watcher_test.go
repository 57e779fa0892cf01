package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaysync/relay/internal/resource"
)

func TestAttribute(t *testing.T) {
	locs := []resource.Location{
		{Owner: "claude", Ability: resource.Command, Path: "/h/.claude/commands"},
		{Owner: "claude", Ability: resource.Skill, Path: "/h/.claude/skills"},
		{Owner: "codex", Ability: resource.Agent, Path: "/h/.codex/AGENTS.md"},
	}

	tests := []struct {
		path  string
		owner string
		key   resource.Key
		ok    bool
	}{
		{"/h/.claude/commands/review.md", "claude", resource.Key{Ability: resource.Command, Name: "review.md"}, true},
		{"/h/.claude/commands/.review.md.tmp-123", "", resource.Key{}, false},
		{"/h/.claude/commands/sub/deep.md", "", resource.Key{}, false},
		{"/h/.claude/skills/pdf", "claude", resource.Key{Ability: resource.Skill, Name: "pdf"}, true},
		{"/h/.claude/skills/pdf/scripts/run.sh", "claude", resource.Key{Ability: resource.Skill, Name: "pdf"}, true},
		{"/h/.claude/skills/.pdf.tmp-1/SKILL.md", "", resource.Key{}, false},
		{"/h/.claude/skills/pdf/.DS_Store", "", resource.Key{}, false},
		{"/h/.codex/AGENTS.md", "codex", resource.Key{Ability: resource.Agent}, true},
		{"/h/.codex/config.toml", "", resource.Key{}, false},
		{"/elsewhere/review.md", "", resource.Key{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			loc, key, ok := attribute(locs, tt.path)
			if ok != tt.ok {
				t.Fatalf("attribute(%s) ok = %v, want %v", tt.path, ok, tt.ok)
			}
			if !ok {
				return
			}
			if loc.Owner != tt.owner || key != tt.key {
				t.Errorf("attribute(%s) = %s %s, want %s %s", tt.path, loc.Owner, key, tt.owner, tt.key)
			}
		})
	}
}

func TestEvent_Origin(t *testing.T) {
	ev := Event{Location: resource.Location{Owner: "claude"}, Key: resource.Key{Ability: resource.Command, Name: "review.md"}}
	if got := ev.Origin(); got != "watch:claude:review.md" {
		t.Errorf("Origin() = %q", got)
	}
	ev = Event{Location: resource.Location{Owner: "codex"}, Key: resource.Key{Ability: resource.Rule}}
	if got := ev.Origin(); got != "watch:codex" {
		t.Errorf("Origin() = %q", got)
	}
}

// TestWatcher_StartStop verifies that the watcher can start and stop cleanly.
func TestWatcher_StartStop(t *testing.T) {
	root := t.TempDir()
	locs := []resource.Location{
		{Owner: resource.CentralOwner, Ability: resource.Command, Path: filepath.Join(root, "central", "commands")},
		// Not installed: must not be created or watched.
		{Owner: "cursor", Ability: resource.Command, Path: filepath.Join(root, "cursor", "commands")},
	}
	w, err := NewWatcher(locs)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !w.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := w.Start(); err == nil {
		t.Error("Start() on a running watcher should fail")
	}
	if _, err := os.Stat(filepath.Join(root, "central", "commands")); err != nil {
		t.Errorf("central container not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "cursor")); !os.IsNotExist(err) {
		t.Errorf("client container should not be created, stat err = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
}

// TestWatcher_NewSkillDirectory verifies that a skill directory created
// while watching is added, so edits inside it are seen.
func TestWatcher_NewSkillDirectory(t *testing.T) {
	root := t.TempDir()
	skills := filepath.Join(root, "skills")
	if err := os.MkdirAll(skills, 0o755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	locs := []resource.Location{{Owner: "claude", Ability: resource.Skill, Path: skills}}

	w, err := NewWatcher(locs)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	dir := filepath.Join(skills, "pdf")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}
	expect(t, w, filepath.Join(skills, "pdf"))

	manifest := filepath.Join(dir, resource.Manifest)
	if err := os.WriteFile(manifest, []byte("---\nname: pdf\n---\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	expect(t, w, manifest)
}

// TestWatcher_ReplacedSkillDirectory verifies that edits are still seen
// after a sync swaps a watched skill directory for a new one.
func TestWatcher_ReplacedSkillDirectory(t *testing.T) {
	root := t.TempDir()
	skills := filepath.Join(root, "skills")
	dir := filepath.Join(skills, "pdf")
	manifest := filepath.Join(dir, resource.Manifest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	if err := os.WriteFile(manifest, []byte("old"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	locs := []resource.Location{{Owner: resource.CentralOwner, Ability: resource.Skill, Path: skills}}

	w, err := NewWatcher(locs)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	next := resource.TreeContent([]resource.File{{Path: resource.Manifest, Mode: 0o644, Data: []byte("synced")}})
	if err := resource.WriteContent(dir, next); err != nil {
		t.Fatalf("WriteContent() failed: %v", err)
	}
	expect(t, w, dir)

	if err := os.WriteFile(manifest, []byte("edited"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	expect(t, w, manifest)
}

// expect waits for an event on path.
func expect(t *testing.T, w *Watcher, path string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Path == path {
				if ev.Key.Name != "pdf" {
					t.Errorf("event key = %s, want skill:pdf", ev.Key)
				}
				return
			}
		case err := <-w.Errors():
			t.Fatalf("watcher error: %v", err)
		case <-timeout:
			t.Fatalf("no event for %s", path)
		}
	}
}
