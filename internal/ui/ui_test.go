package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/muesli/termenv"

	"github.com/relaysync/relay/internal/blob"
	"github.com/relaysync/relay/internal/errdefs"
	"github.com/relaysync/relay/internal/history"
	"github.com/relaysync/relay/internal/resource"
	"github.com/relaysync/relay/internal/rollback"
	relaysync "github.com/relaysync/relay/internal/sync"
)

func plain(v Verbosity) (*Printer, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewPrinterWithProfile(&buf, v, termenv.Ascii), &buf
}

func assertContains(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("output missing %q:\n%s", w, out)
		}
	}
}

var review = resource.Key{Ability: resource.Command, Name: "review.md"}

func TestPrinter_Plan(t *testing.T) {
	p, buf := plain(Normal)
	winner := &resource.Instance{Key: review, Location: resource.Location{Owner: "claude"}}
	p.Plan(&relaysync.Plan{Resources: []*relaysync.ResourcePlan{{
		Key:    review,
		Winner: winner,
		Writes: []relaysync.Write{
			{Location: resource.Location{Owner: "codex"}, Path: "/x/review.md"},
			{Location: resource.Location{Owner: "central"}, Path: "/c/review.md", Create: true},
		},
		Warnings: []resource.Warning{{Key: review, Owners: []string{"claude", "codex"}, Message: "edited close together"}},
	}}})

	out := buf.String()
	assertContains(t, out, "command:review.md from claude", "update /x/review.md", "create /c/review.md",
		"warning: command:review.md [claude, codex]: edited close together", "2 write(s) planned")
	if strings.Contains(out, "\x1b[") {
		t.Errorf("ascii profile produced escape codes: %q", out)
	}
}

func TestPrinter_PlanEmpty(t *testing.T) {
	p, buf := plain(Normal)
	p.Plan(&relaysync.Plan{})
	assertContains(t, buf.String(), "everything in sync")

	q, qbuf := plain(Quiet)
	q.Plan(&relaysync.Plan{})
	if qbuf.Len() != 0 {
		t.Errorf("quiet printer wrote %q", qbuf.String())
	}
}

func TestPrinter_SyncResult(t *testing.T) {
	p, buf := plain(Normal)
	res := &relaysync.Result{
		Plan:    &relaysync.Plan{},
		EventID: "evt1",
		Actions: []history.Action{{Path: "/x/review.md"}},
		Writes: []relaysync.WriteResult{
			{Key: review, Location: resource.Location{Owner: "codex"}, Path: "/x/review.md"},
			{Key: review, Location: resource.Location{Owner: "central"}, Path: "/c/review.md", Err: errdefs.ErrIO},
		},
	}
	p.SyncResult(res, errors.New("partial failure"))
	assertContains(t, buf.String(), "✓ command:review.md → codex", "✗ command:review.md central: i/o error",
		"recorded event evt1 (1 action(s))", "error: partial failure")
}

func TestPrinter_Events(t *testing.T) {
	p, buf := plain(Verbose)
	p.Events([]*history.Event{{
		ID:        "evt1",
		Timestamp: time.Now(),
		Trigger:   history.TriggerWatch,
		Origin:    "watch:claude:review.md",
		Actions: []history.Action{{
			Owner: "codex", Path: "/x/review.md",
			Previous: blob.Sum([]byte("Y")), New: blob.Sum([]byte("X")),
		}},
	}})
	assertContains(t, buf.String(), "evt1", "watch", "watch:claude:review.md", "1 action(s)",
		"/x/review.md", blob.Sum([]byte("Y")).Short())

	empty, ebuf := plain(Normal)
	empty.Events(nil)
	assertContains(t, ebuf.String(), "no history")
}

func TestPrinter_Rollback(t *testing.T) {
	p, buf := plain(Normal)
	p.Rollback(&rollback.Result{
		Target:  &history.Event{ID: "evt1"},
		EventID: "evt2",
		Paths: []rollback.PathResult{
			{Action: history.Action{Path: "/x/review.md"}, Outcome: rollback.SkippedConflict},
			{Action: history.Action{Path: "/c/review.md"}, Outcome: rollback.Restored},
		},
	}, nil)
	assertContains(t, buf.String(), "conflict", "restored", "/c/review.md",
		"rolled back evt1: 1 restored, 0 unchanged, 1 conflict(s)", "--force", "recorded event evt2")
}

func TestAge(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		d    time.Duration
		want string
	}{
		{10 * time.Second, "10 seconds ago"},
		{5 * time.Minute, "5 minutes ago"},
		{3 * time.Hour, "3 hours ago"},
		{72 * time.Hour, "3 days ago"},
	}
	for _, tt := range tests {
		if got := age(now.Add(-tt.d), now); got != tt.want {
			t.Errorf("age(-%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
