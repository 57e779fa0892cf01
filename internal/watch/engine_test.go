package watch

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaysync/relay/internal/resource"
	relaysync "github.com/relaysync/relay/internal/sync"
)

// fakeSyncer records Run calls. result, when set, builds the Result
// returned for a request.
type fakeSyncer struct {
	mu     sync.Mutex
	runs   []relaysync.Request
	result func(req relaysync.Request) *relaysync.Result
}

func (f *fakeSyncer) Plan(ctx context.Context, keys ...resource.Key) (*relaysync.Plan, error) {
	return &relaysync.Plan{}, nil
}

func (f *fakeSyncer) Run(ctx context.Context, req relaysync.Request) (*relaysync.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, req)
	if f.result != nil {
		return f.result(req), nil
	}
	return &relaysync.Result{Plan: &relaysync.Plan{}}, nil
}

func (f *fakeSyncer) requests() []relaysync.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relaysync.Request(nil), f.runs...)
}

var (
	claudeCommands = resource.Location{Owner: "claude", Ability: resource.Command, Path: "/c/commands"}
	codexCommands  = resource.Location{Owner: "codex", Ability: resource.Command, Path: "/x/prompts"}
	reviewKey      = resource.Key{Ability: resource.Command, Name: "review.md"}
)

func newTestEngine(syncer relaysync.Syncer, locs []resource.Location, logger *slog.Logger) *Engine {
	cfg := DefaultConfig()
	cfg.Debounce = 50 * time.Millisecond
	cfg.Logger = logger
	return NewWithConfig(syncer, locs, cfg)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// TestEngine_DebounceCoalesces verifies that a burst of changes to one
// resource produces exactly one sync run, tagged with the last change.
func TestEngine_DebounceCoalesces(t *testing.T) {
	fake := &fakeSyncer{}
	e := newTestEngine(fake, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e.observe(ctx, Event{Path: "/c/commands/review.md", Location: claudeCommands, Key: reviewKey, Op: OpModify})
		time.Sleep(10 * time.Millisecond)
	}
	if e.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", e.Pending())
	}

	waitFor(t, func() bool { return len(fake.requests()) > 0 })
	time.Sleep(100 * time.Millisecond)

	runs := fake.requests()
	if len(runs) != 1 {
		t.Fatalf("Run() called %d times, want 1", len(runs))
	}
	if runs[0].Origin != "watch:claude:review.md" {
		t.Errorf("origin = %q", runs[0].Origin)
	}
	if len(runs[0].Keys) != 1 || runs[0].Keys[0] != reviewKey {
		t.Errorf("keys = %v, want [%s]", runs[0].Keys, reviewKey)
	}
	if e.Pending() != 0 {
		t.Errorf("Pending() after firing = %d", e.Pending())
	}
}

// TestEngine_IndependentResources verifies that different resources get
// their own timers and runs.
func TestEngine_IndependentResources(t *testing.T) {
	fake := &fakeSyncer{}
	e := newTestEngine(fake, nil, nil)
	ctx := context.Background()

	e.observe(ctx, Event{Location: claudeCommands, Key: reviewKey})
	e.observe(ctx, Event{Location: claudeCommands, Key: resource.Key{Ability: resource.Command, Name: "plan.md"}})
	e.observe(ctx, Event{Location: resource.Location{Owner: "codex", Ability: resource.Agent}, Key: resource.Key{Ability: resource.Agent}})

	waitFor(t, func() bool { return len(fake.requests()) == 3 })

	origins := map[string]bool{}
	for _, r := range fake.requests() {
		origins[r.Origin] = true
	}
	for _, want := range []string{"watch:claude:review.md", "watch:claude:plan.md", "watch:codex"} {
		if !origins[want] {
			t.Errorf("missing run with origin %q; got %v", want, origins)
		}
	}
}

// TestEngine_ShutdownDropsPending verifies that timers pending at shutdown
// never fire.
func TestEngine_ShutdownDropsPending(t *testing.T) {
	fake := &fakeSyncer{}
	e := newTestEngine(fake, nil, nil)

	e.observe(context.Background(), Event{Location: claudeCommands, Key: reviewKey})
	e.shutdown()
	e.observe(context.Background(), Event{Location: claudeCommands, Key: reviewKey})

	time.Sleep(150 * time.Millisecond)
	if n := len(fake.requests()); n != 0 {
		t.Errorf("Run() called %d times after shutdown", n)
	}
}

// TestEngine_RaceWarning verifies that close changes from two tools with
// differing content are reported.
func TestEngine_RaceWarning(t *testing.T) {
	root := t.TempDir()
	claude := resource.Location{Owner: "claude", Ability: resource.Command, Path: filepath.Join(root, "claude")}
	codex := resource.Location{Owner: "codex", Ability: resource.Command, Path: filepath.Join(root, "codex")}
	for _, loc := range []resource.Location{claude, codex} {
		if err := os.MkdirAll(loc.Path, 0o755); err != nil {
			t.Fatalf("MkdirAll() failed: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(claude.Path, "review.md"), []byte("A"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(codex.Path, "review.md"), []byte("B"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	var buf safeBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	fake := &fakeSyncer{}
	e := newTestEngine(fake, []resource.Location{claude, codex}, logger)

	ctx := context.Background()
	e.observe(ctx, Event{Location: claude, Key: reviewKey})
	e.observe(ctx, Event{Location: codex, Key: reviewKey})
	waitFor(t, func() bool { return len(fake.requests()) == 1 })

	out := buf.String()
	if !strings.Contains(out, "concurrent edits") || !strings.Contains(out, "claude") || !strings.Contains(out, "codex") {
		t.Errorf("race warning missing from log:\n%s", out)
	}
	if got := fake.requests()[0].Origin; got != "watch:codex:review.md" {
		t.Errorf("origin = %q, want the last change", got)
	}
}

// raceFixture creates claude and codex command locations holding
// review.md with the given contents.
func raceFixture(t *testing.T, claudeContent, codexContent string) (claude, codex resource.Location) {
	t.Helper()
	root := t.TempDir()
	claude = resource.Location{Owner: "claude", Ability: resource.Command, Path: filepath.Join(root, "claude")}
	codex = resource.Location{Owner: "codex", Ability: resource.Command, Path: filepath.Join(root, "codex")}
	setContent(t, claude, claudeContent)
	setContent(t, codex, codexContent)
	return claude, codex
}

func setContent(t *testing.T, loc resource.Location, content string) {
	t.Helper()
	if err := os.MkdirAll(loc.Path, 0o755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(loc.Path, "review.md"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
}

// TestEngine_RaceAcrossFirings verifies that changes from two tools are
// reported when they fire separately but still fall inside the race
// window.
func TestEngine_RaceAcrossFirings(t *testing.T) {
	claude, codex := raceFixture(t, "A", "B")

	var buf safeBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	fake := &fakeSyncer{}
	e := newTestEngine(fake, []resource.Location{claude, codex}, logger)

	ctx := context.Background()
	e.observe(ctx, Event{Location: claude, Key: reviewKey})
	waitFor(t, func() bool { return len(fake.requests()) == 1 })
	if strings.Contains(buf.String(), "concurrent edits") {
		t.Fatalf("race reported after a single change:\n%s", buf.String())
	}

	time.Sleep(200 * time.Millisecond)
	e.observe(ctx, Event{Location: codex, Key: reviewKey})
	waitFor(t, func() bool { return len(fake.requests()) == 2 })

	out := buf.String()
	if !strings.Contains(out, "concurrent edits") || !strings.Contains(out, "claude") || !strings.Contains(out, "codex") {
		t.Errorf("race warning missing from log:\n%s", out)
	}
}

// TestEngine_RaceIgnoresOwnWrites verifies that a location holding only
// what a sync wrote there is not reported as a competing editor.
func TestEngine_RaceIgnoresOwnWrites(t *testing.T) {
	claude, codex := raceFixture(t, "A", "A")
	fpA := resource.Fingerprint(resource.Command, resource.FileContent([]byte("A")))

	var buf safeBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	fake := &fakeSyncer{result: func(req relaysync.Request) *relaysync.Result {
		if req.Origin != "watch:claude:review.md" {
			return &relaysync.Result{Plan: &relaysync.Plan{}}
		}
		winner := &resource.Instance{Key: reviewKey, Location: claude, Fingerprint: fpA}
		return &relaysync.Result{
			Plan:   &relaysync.Plan{Resources: []*relaysync.ResourcePlan{{Key: reviewKey, Winner: winner}}},
			Writes: []relaysync.WriteResult{{Key: reviewKey, Location: codex}},
		}
	}}
	e := newTestEngine(fake, []resource.Location{claude, codex}, logger)

	ctx := context.Background()
	e.observe(ctx, Event{Location: claude, Key: reviewKey})
	waitFor(t, func() bool { return len(fake.requests()) == 1 })

	// The write to codex comes back as a change, then claude edits again.
	e.observe(ctx, Event{Location: codex, Key: reviewKey})
	waitFor(t, func() bool { return len(fake.requests()) == 2 })
	setContent(t, claude, "C")
	e.observe(ctx, Event{Location: claude, Key: reviewKey})
	waitFor(t, func() bool { return len(fake.requests()) == 3 })

	if strings.Contains(buf.String(), "concurrent edits") {
		t.Errorf("relay's own write reported as a race:\n%s", buf.String())
	}
}

// TestEngine_StartStop verifies that Start performs the initial sync and
// returns once the context is cancelled.
func TestEngine_StartStop(t *testing.T) {
	root := t.TempDir()
	central := resource.Location{Owner: resource.CentralOwner, Ability: resource.Command, Path: filepath.Join(root, "central", "commands")}
	fake := &fakeSyncer{}
	e := newTestEngine(fake, []resource.Location{central}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	waitFor(t, func() bool { return len(fake.requests()) == 1 })
	if got := fake.requests()[0].Origin; got != StartupOrigin {
		t.Errorf("initial run origin = %q", got)
	}

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(central.Path, "new.md"), []byte("n"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	waitFor(t, func() bool { return len(fake.requests()) >= 2 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
