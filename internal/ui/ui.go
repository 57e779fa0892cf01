// Package ui renders relay's command output.
package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/relaysync/relay/internal/blob"
	"github.com/relaysync/relay/internal/history"
	"github.com/relaysync/relay/internal/resource"
	"github.com/relaysync/relay/internal/rollback"
	relaysync "github.com/relaysync/relay/internal/sync"
)

// Verbosity controls how much a Printer writes.
type Verbosity int

const (
	Quiet Verbosity = iota - 1
	Normal
	Verbose
)

// Printer writes styled output. Styles degrade to plain text when the
// writer is not a terminal or NO_COLOR is set.
type Printer struct {
	w         io.Writer
	verbosity Verbosity

	header lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
	faint  lipgloss.Style
}

// NewPrinter creates a Printer for w, detecting color support.
func NewPrinter(w io.Writer, v Verbosity) *Printer {
	profile := termenv.Ascii
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) && os.Getenv("NO_COLOR") == "" {
		profile = termenv.NewOutput(f).EnvColorProfile()
	}
	return NewPrinterWithProfile(w, v, profile)
}

// NewPrinterWithProfile creates a Printer with a fixed color profile.
func NewPrinterWithProfile(w io.Writer, v Verbosity, profile termenv.Profile) *Printer {
	r := lipgloss.NewRenderer(w, termenv.WithProfile(profile))
	r.SetColorProfile(profile)
	return &Printer{
		w:         w,
		verbosity: v,
		header:    r.NewStyle().Bold(true),
		ok:        r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:      r.NewStyle().Foreground(lipgloss.Color("3")),
		bad:       r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		faint:     r.NewStyle().Faint(true),
	}
}

func (p *Printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

// Plan prints the writes a sync would perform.
func (p *Printer) Plan(plan *relaysync.Plan) {
	n := 0
	for _, rp := range plan.Resources {
		if len(rp.Writes) == 0 {
			if p.verbosity >= Verbose && rp.Winner != nil {
				p.printf("%s %s\n", p.faint.Render("="), p.faint.Render(rp.Key.String()+" in sync"))
			}
			continue
		}
		p.printf("%s %s %s\n", p.header.Render(rp.Key.String()),
			p.faint.Render("from"), rp.Winner.Location.Owner)
		for _, w := range rp.Writes {
			verb := "update"
			if w.Create {
				verb = "create"
			}
			p.printf("  %s %-8s %s\n", p.ok.Render("+"), w.Location.Owner, p.faint.Render(verb+" "+w.Path))
			n++
		}
	}
	p.warnings(plan.Warnings())
	if p.verbosity > Quiet {
		if n == 0 {
			p.printf("%s\n", p.ok.Render("everything in sync"))
		} else {
			p.printf("%d write(s) planned\n", n)
		}
	}
}

func (p *Printer) warnings(ws []resource.Warning) {
	for _, w := range ws {
		p.printf("%s %s\n", p.warn.Render("warning:"), w.String())
	}
}

// SyncResult prints what an apply run did. err is the run's error, if any.
func (p *Printer) SyncResult(res *relaysync.Result, err error) {
	if res != nil {
		if p.verbosity >= Normal {
			for _, w := range res.Applied() {
				p.printf("%s %s %s %s\n", p.ok.Render("✓"), w.Key.String(), p.faint.Render("→"), w.Location.Owner)
				if p.verbosity >= Verbose {
					p.printf("    %s\n", p.faint.Render(w.Path))
				}
			}
		}
		for _, w := range res.Failed() {
			p.printf("%s %s %s: %v\n", p.bad.Render("✗"), w.Key.String(), w.Location.Owner, w.Err)
		}
		p.warnings(res.Plan.Warnings())
		if p.verbosity > Quiet {
			switch {
			case res.EventID != "":
				p.printf("recorded event %s (%d action(s))\n", p.header.Render(res.EventID), len(res.Actions))
			case err == nil:
				p.printf("%s\n", p.ok.Render("everything in sync"))
			}
		}
	}
	if err != nil {
		p.printf("%s %v\n", p.bad.Render("error:"), err)
	}
}

// Events prints a history listing, newest first.
func (p *Printer) Events(events []*history.Event) {
	if len(events) == 0 {
		p.printf("%s\n", p.faint.Render("no history"))
		return
	}
	for _, ev := range events {
		origin := ev.Origin
		if origin == "" {
			origin = "-"
		}
		p.printf("%s  %s  %-8s %-28s %d action(s)\n",
			p.header.Render(ev.ID),
			p.faint.Render(ev.Timestamp.Local().Format(time.DateTime)),
			string(ev.Trigger), origin, len(ev.Actions))
		if p.verbosity >= Verbose {
			p.actions(ev.Actions)
		}
	}
}

// Event prints one event with its actions.
func (p *Printer) Event(ev *history.Event) {
	p.Events([]*history.Event{ev})
	if p.verbosity < Verbose {
		p.actions(ev.Actions)
	}
}

func (p *Printer) actions(actions []history.Action) {
	for _, a := range actions {
		p.printf("    %-8s %s %s → %s\n", a.Owner, a.Path,
			p.faint.Render(shortRef(a.Previous)), shortRef(a.New))
	}
}

func shortRef(r blob.Ref) string {
	if r.IsZero() {
		return "(none)"
	}
	return r.Short()
}

// Rollback prints per-path rollback outcomes.
func (p *Printer) Rollback(res *rollback.Result, err error) {
	if res != nil {
		for _, pr := range res.Paths {
			var mark string
			switch pr.Outcome {
			case rollback.Restored:
				mark = p.ok.Render("restored")
			case rollback.NotApplicable:
				mark = p.faint.Render("unchanged")
			case rollback.SkippedConflict:
				mark = p.warn.Render("conflict")
			default:
				mark = p.bad.Render("failed")
			}
			p.printf("%-18s %s\n", mark, pr.Action.Path)
			if pr.Err != nil && p.verbosity >= Verbose {
				p.printf("    %s\n", p.faint.Render(pr.Err.Error()))
			}
		}
		if p.verbosity > Quiet {
			p.printf("rolled back %s: %d restored, %d unchanged, %d conflict(s)\n",
				res.Target.ID, res.Count(rollback.Restored), res.Count(rollback.NotApplicable),
				res.Count(rollback.SkippedConflict))
			if res.Count(rollback.SkippedConflict) > 0 {
				p.printf("%s\n", p.faint.Render("re-run with --force to overwrite conflicting paths"))
			}
			if res.EventID != "" {
				p.printf("recorded event %s\n", p.header.Render(res.EventID))
			}
		}
	}
	if err != nil && res == nil {
		p.printf("%s %v\n", p.bad.Render("error:"), err)
	}
}

// LocationStatus is one row of the status table.
type LocationStatus struct {
	Location resource.Location
	Active   bool
	Count    int
}

// Status prints the location table and ledger summary.
func (p *Printer) Status(home string, backend history.Backend, rows []LocationStatus, latest *history.Event) {
	p.printf("%s %s\n", p.header.Render("home:"), home)
	p.printf("%s %s\n", p.header.Render("history:"), backend)
	if latest != nil {
		p.printf("%s %s %s (%s)\n", p.header.Render("last event:"), latest.ID,
			string(latest.Trigger), age(latest.Timestamp, time.Now()))
	}
	p.printf("\n")
	for _, r := range rows {
		state := p.ok.Render("active")
		if !r.Active {
			state = p.faint.Render("absent")
		}
		p.printf("%-9s %-8s %-7s %4d  %s\n", r.Location.Owner, r.Location.Ability, state, r.Count,
			p.faint.Render(r.Location.Path))
	}
}

// age renders how long before now t was, like "3 minutes ago".
func age(t, now time.Time) string {
	return humanize.RelTime(t, now, "ago", "from now")
}
