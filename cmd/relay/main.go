// Command relay keeps commands, skills, agents and rules in sync across AI
// coding tools and a central store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaysync/relay/internal/blob"
	"github.com/relaysync/relay/internal/config"
	"github.com/relaysync/relay/internal/history"
	"github.com/relaysync/relay/internal/logging"
	"github.com/relaysync/relay/internal/sync"
	"github.com/relaysync/relay/internal/ui"
)

var (
	verbose bool
	quiet   bool
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Mirror AI tool commands, skills, agents and rules",
	Long: `relay keeps the command snippets, skills, agent instructions and rule
files of Claude, Codex, OpenCode and Cursor in sync with each other and with
a central store under ~/.config/relay (or $RELAY_HOME).

The newest copy of a resource wins. Every change is recorded and can be
rolled back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "history", Title: "History Commands:"},
	)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show every path touched")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only print warnings and errors")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "write a debug log (also RELAY_DEBUG)")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

// errAlreadyReported makes main exit non-zero without printing again.
var errAlreadyReported = errors.New("already reported")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errAlreadyReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// app is everything a command needs, opened from the configuration.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	blobs  *blob.Store
	ledger history.Ledger
	syncer sync.Syncer
}

// openApp loads the configuration, sets up logging, opens the state
// directory and records any writes a crashed run left unrecorded.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	opts := logging.Options{Level: slog.LevelInfo}
	switch {
	case verbose:
		opts.Level = slog.LevelDebug
	case quiet:
		opts.Level = slog.LevelWarn
	}
	if debug || cfg.Debug {
		opts.DebugFile = cfg.LogFile
		if opts.DebugFile == "" {
			opts.DebugFile = filepath.Join(cfg.Home, logging.DefaultFile)
		}
	}
	log := logging.Setup(opts)

	blobs, err := blob.Open(cfg.BlobDir())
	if err != nil {
		log.Close()
		return nil, err
	}
	ledger, err := history.Open(ctx, cfg.History.Backend, cfg.StateDir())
	if err != nil {
		log.Close()
		return nil, err
	}

	if _, err := history.Recover(ctx, sync.JournalDir(cfg.StateDir()), ledger, log.Logger); err != nil {
		log.Warn("failed to recover journal", "error", err)
	}

	return &app{
		cfg:    cfg,
		log:    log,
		blobs:  blobs,
		ledger: ledger,
		syncer: sync.New(cfg.Locations(), blobs, ledger, cfg.StateDir(), log.Logger),
	}, nil
}

func (a *app) Close() {
	if err := a.ledger.Close(); err != nil {
		a.log.Warn("failed to close history", "error", err)
	}
	_ = a.log.Close()
}

func printer() *ui.Printer {
	v := ui.Normal
	switch {
	case verbose:
		v = ui.Verbose
	case quiet:
		v = ui.Quiet
	}
	return ui.NewPrinter(os.Stdout, v)
}
