package watch

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaysync/relay/internal/history"
	"github.com/relaysync/relay/internal/resource"
	relaysync "github.com/relaysync/relay/internal/sync"
)

// StartupOrigin is the origin of the full sync run when the engine starts.
const StartupOrigin = "watch:startup"

// Config holds configuration for the watch engine.
type Config struct {
	// Debounce is how long a resource must stay quiet before it is synced.
	// Every new change restarts the wait.
	Debounce time.Duration

	// RaceWindow is how close changes from two locations must be to be
	// reported as a race.
	RaceWindow time.Duration

	// SkipInitialSync disables the full sync run on Start.
	SkipInitialSync bool

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:   300 * time.Millisecond,
		RaceWindow: 2 * time.Second,
	}
}

// pending is a resource between its first change and its firing.
type pending struct {
	timer *time.Timer
	last  Event
}

// Engine turns filesystem changes into per-resource sync runs.
//
// Each resource moves Idle -> Pending -> Firing -> Idle. Timers for
// different resources are independent, and a firing never blocks intake.
type Engine struct {
	syncer    relaysync.Syncer
	locations []resource.Location
	config    Config
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[resource.Key]*pending
	// recent holds the last change time per owner for each resource,
	// pruned to RaceWindow. It outlives firings.
	recent map[resource.Key]map[string]time.Time
	// written holds the fingerprint relay last wrote per owner for each
	// resource, so its own writes are not taken for edits.
	written  map[resource.Key]map[string]string
	stopped  bool
	inflight sync.WaitGroup
}

// New creates a watch engine with the default configuration.
func New(syncer relaysync.Syncer, locations []resource.Location) *Engine {
	return NewWithConfig(syncer, locations, DefaultConfig())
}

// NewWithConfig creates a watch engine with custom configuration.
func NewWithConfig(syncer relaysync.Syncer, locations []resource.Location, config Config) *Engine {
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig().Debounce
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		syncer:    syncer,
		locations: locations,
		config:    config,
		logger:    logger,
		pending:   make(map[resource.Key]*pending),
		recent:    make(map[resource.Key]map[string]time.Time),
		written:   make(map[resource.Key]map[string]string),
	}
}

// Start runs an initial full sync, then watches until ctx is cancelled.
//
// On cancellation pending timers are dropped, a firing in progress is
// allowed to finish and the watcher is closed. Changes that had not fired
// are picked up by the next start, which reconciles from current mtimes.
func (e *Engine) Start(ctx context.Context) error {
	if !e.config.SkipInitialSync {
		e.logger.Info("performing initial sync")
		res, err := e.syncer.Run(ctx, relaysync.Request{Trigger: history.TriggerWatch, Origin: StartupOrigin})
		e.remember(res)
		e.report(StartupOrigin, res, err)
	}

	w, err := NewWatcher(e.locations)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		_ = w.Stop()
		return err
	}
	e.logger.Info("watching", "locations", len(e.locations), "debounce", e.config.Debounce)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-w.Events():
				if !ok {
					return nil
				}
				e.observe(ctx, ev)
			case err, ok := <-w.Errors():
				if !ok {
					return nil
				}
				e.logger.Warn("watcher error", "error", err)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		e.shutdown()
		if err := w.Stop(); err != nil {
			return fmt.Errorf("failed to stop watcher: %w", err)
		}
		return nil
	})

	err = g.Wait()
	e.logger.Info("watch stopped")
	return err
}

// observe moves ev's resource to Pending and restarts its timer.
func (e *Engine) observe(ctx context.Context, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}

	p := e.pending[ev.Key]
	if p == nil {
		p = &pending{}
		e.pending[ev.Key] = p
	} else {
		p.timer.Stop()
	}
	p.last = ev
	e.noteSource(ev.Key, ev.Location.Owner, time.Now())

	e.logger.Debug("change", "op", ev.Op.String(), "resource", ev.Key.String(), "owner", ev.Location.Owner, "path", ev.Path)

	key := ev.Key
	p.timer = time.AfterFunc(e.config.Debounce, func() { e.fire(ctx, key, p) })
}

// fire runs the sync for key if p is still its current pending state.
func (e *Engine) fire(ctx context.Context, key resource.Key, p *pending) {
	e.mu.Lock()
	if e.stopped || e.pending[key] != p {
		e.mu.Unlock()
		return
	}
	delete(e.pending, key)
	owners, written := e.sources(key, time.Now())
	e.inflight.Add(1)
	e.mu.Unlock()
	defer e.inflight.Done()

	e.detectRace(key, owners, written)

	// A firing that got this far completes even if shutdown begins.
	origin := p.last.Origin()
	res, err := e.syncer.Run(context.WithoutCancel(ctx), relaysync.Request{
		Trigger: history.TriggerWatch,
		Origin:  origin,
		Keys:    []resource.Key{key},
	})
	e.remember(res)
	e.report(origin, res, err)
}

// noteSource records a change by owner and drops sources older than the
// race window. Callers hold mu.
func (e *Engine) noteSource(key resource.Key, owner string, now time.Time) {
	m := e.recent[key]
	if m == nil {
		m = make(map[string]time.Time)
		e.recent[key] = m
	}
	m[owner] = now
	e.prune(key, now)
}

// prune drops sources of key outside the race window. Callers hold mu.
func (e *Engine) prune(key resource.Key, now time.Time) {
	m := e.recent[key]
	for owner, at := range m {
		if now.Sub(at) > e.config.RaceWindow {
			delete(m, owner)
		}
	}
	if len(m) == 0 {
		delete(e.recent, key)
		delete(e.written, key)
	}
}

// sources returns the owners that changed key within the race window and
// a copy of what relay last wrote there. Callers hold mu.
func (e *Engine) sources(key resource.Key, now time.Time) ([]string, map[string]string) {
	e.prune(key, now)
	owners := make([]string, 0, len(e.recent[key]))
	for owner := range e.recent[key] {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	written := make(map[string]string, len(e.written[key]))
	for owner, fp := range e.written[key] {
		written[owner] = fp
	}
	return owners, written
}

// remember stores the fingerprint each applied write left behind.
func (e *Engine) remember(res *relaysync.Result) {
	if res == nil || res.Plan == nil {
		return
	}
	winners := make(map[resource.Key]string)
	for _, rp := range res.Plan.Resources {
		if rp.Winner != nil {
			winners[rp.Key] = rp.Winner.Fingerprint
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range res.Applied() {
		fp, ok := winners[w.Key]
		if !ok {
			continue
		}
		m := e.written[w.Key]
		if m == nil {
			m = make(map[string]string)
			e.written[w.Key] = m
		}
		m[w.Location.Owner] = fp
	}
}

// detectRace warns when several locations changed key within the race
// window and their contents still differ. Locations that only hold what
// relay wrote there are not counted. Resolution is unaffected.
func (e *Engine) detectRace(key resource.Key, owners []string, written map[string]string) {
	if len(owners) < 2 || e.config.RaceWindow <= 0 {
		return
	}
	resources, _ := resource.LoadKeys(e.locations, key)
	if len(resources) == 0 {
		return
	}
	var contributors []string
	fingerprints := make(map[string]bool)
	for _, inst := range resources[0].Instances() {
		owner := inst.Location.Owner
		if !slices.Contains(owners, owner) {
			continue
		}
		if fp, ok := written[owner]; ok && fp == inst.Fingerprint {
			continue
		}
		contributors = append(contributors, owner)
		fingerprints[inst.Fingerprint] = true
	}
	if len(contributors) > 1 && len(fingerprints) > 1 {
		sort.Strings(contributors)
		e.logger.Warn("concurrent edits from several tools; newest wins",
			"resource", key.String(), "owners", contributors)
	}
}

// shutdown drops pending timers and waits for firings in progress.
func (e *Engine) shutdown() {
	e.mu.Lock()
	e.stopped = true
	for key, p := range e.pending {
		p.timer.Stop()
		delete(e.pending, key)
	}
	e.mu.Unlock()
	e.inflight.Wait()
}

// Pending returns the number of resources waiting for their timer.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) report(origin string, res *relaysync.Result, err error) {
	if res != nil && res.EventID != "" {
		e.logger.Info("synced", "origin", origin, "event", res.EventID, "writes", len(res.Applied()))
	}
	if err != nil {
		e.logger.Error("sync failed", "origin", origin, "error", err)
	}
}
