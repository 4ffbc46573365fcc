package trigger

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tagsync/internal/dispatch"
	"tagsync/internal/eventbus"
	logx "tagsync/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		cron  string
	}{
		{in: "0 * * * *", kind: SpecCron, cron: "0 * * * *"},
		{in: "*/30 * * * * *", kind: SpecCron, cron: "*/30 * * * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "@every 90m", kind: SpecCron, cron: "@every 90m"},
		{in: "cron: 15 3 * * *", kind: SpecCron, cron: "15 3 * * *"},
		{in: "1h", kind: SpecInterval, every: time.Hour},
		{in: " 2h30m ", kind: SpecInterval, every: 150 * time.Minute},
		{in: "01:00", kind: SpecInterval, every: time.Hour},
		{in: "interval:00:15", kind: SpecInterval, every: 15 * time.Minute},
		{in: "EVERY: 45s", kind: SpecInterval, every: 45 * time.Second},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
		}
		if got.Kind != tt.kind || got.Every != tt.every || got.Cron != tt.cron {
			t.Fatalf("ParseSchedule(%q) = %+v", tt.in, got)
		}
		if _, err := got.Schedule(); err != nil {
			t.Fatalf("Schedule(%q): %v", tt.in, err)
		}
	}
}

func TestParseScheduleRejects(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "   ", "cron:", "interval:", "soon", "01:75", "500ms", "-1h", "61 * * * *", "@sometimes"} {
		if _, err := ParseSchedule(in); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", in)
		}
	}
}

type recordingSubmitter struct {
	mu   sync.Mutex
	tags []dispatch.Tag
	err  error
}

func (r *recordingSubmitter) SubmitTag(_ context.Context, tag dispatch.Tag) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tag)
	return r.err == nil, r.err
}

func TestApplyValidatesAllOrNothing(t *testing.T) {
	t.Parallel()
	s := New(&recordingSubmitter{}, logx.Nop(), nil)
	if err := s.Apply([]Trigger{{Tag: "patch", Schedule: "1h"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	err := s.Apply([]Trigger{{Tag: "news", Schedule: "1h"}, {Tag: "", Schedule: "1h"}, {Tag: "x", Schedule: "nope"}})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"triggers[1]", "triggers[2]"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Tag != "patch" || snap[0].Schedule != "every 1h0m0s" {
		t.Fatalf("snapshot after failed Apply = %+v", snap)
	}
}

func TestStartSchedulesAndReapply(t *testing.T) {
	t.Parallel()
	s := New(&recordingSubmitter{}, logx.Nop(), nil)
	if err := s.Apply([]Trigger{{Tag: "patch", Schedule: "@hourly"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Next.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}

	if err := s.Apply([]Trigger{{Tag: "patch", Schedule: "@hourly"}, {Tag: "news", Schedule: "30m"}}); err != nil {
		t.Fatalf("re-Apply: %v", err)
	}
	snap = s.Snapshot()
	if len(snap) != 2 || snap[1].Tag != "news" || snap[1].Next.IsZero() {
		t.Fatalf("snapshot after re-Apply = %+v", snap)
	}
	if got := len(s.c.Entries()); got != 2 {
		t.Fatalf("cron entries = %d, want 2", got)
	}
}

func TestFireSubmitsAndEmits(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	sub := &recordingSubmitter{err: dispatch.ErrMissingAPIKey}
	s := New(sub, logx.Nop(), bus)
	if err := s.Apply([]Trigger{{Tag: " patch ", Schedule: "1h"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	s.fire(s.entries[0])

	if len(sub.tags) != 1 || sub.tags[0] != "patch" {
		t.Fatalf("submitted = %v", sub.tags)
	}
	select {
	case ev := <-ch:
		fe, ok := ev.Data.(FiredEvent)
		if ev.Type != eventbus.TriggerFired || !ok || fe.Tag != "patch" || fe.Accepted || fe.Error == "" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no trigger event")
	}
	if snap := s.Snapshot(); snap[0].Fires != 1 {
		t.Fatalf("fires = %d, want 1", snap[0].Fires)
	}

	// Re-applying the same trigger keeps its counter.
	if err := s.Apply([]Trigger{{Tag: "patch", Schedule: "1h"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if snap := s.Snapshot(); snap[0].Fires != 1 {
		t.Fatalf("fires after re-Apply = %d, want 1", snap[0].Fires)
	}
}
