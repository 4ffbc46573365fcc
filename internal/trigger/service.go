package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"tagsync/internal/dispatch"
	"tagsync/internal/eventbus"
	logx "tagsync/pkg/logx"
)

// Submitter is the part of *dispatch.Engine a trigger calls.
type Submitter interface {
	SubmitTag(ctx context.Context, tag dispatch.Tag) (bool, error)
}

type Trigger struct {
	Tag      dispatch.Tag
	Schedule string
}

// FiredEvent is the eventbus payload of eventbus.TriggerFired.
type FiredEvent struct {
	Tag      string `json:"tag"`
	Schedule string `json:"schedule"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// EntryInfo describes one installed trigger.
type EntryInfo struct {
	Tag      string    `json:"tag"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	Fires    uint64    `json:"fires"`
}

type entry struct {
	trig  Trigger
	spec  ParsedSpec
	sched cron.Schedule
	id    cron.EntryID
	fires atomic.Uint64
}

type Service struct {
	mu      sync.Mutex
	sub     Submitter
	log     logx.Logger
	bus     eventbus.Bus
	entries []*entry

	c   *cron.Cron
	ctx context.Context
}

func New(sub Submitter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{sub: sub, log: log, bus: bus, ctx: context.Background()}
}

// Apply replaces the installed triggers. Every schedule is parsed first; on
// error nothing changes. Triggers with the same tag and schedule keep their
// fire counters.
func (s *Service) Apply(triggers []Trigger) error {
	next := make([]*entry, 0, len(triggers))
	var errs []error
	for i, t := range triggers {
		t.Tag = dispatch.Tag(strings.TrimSpace(t.Tag.Name()))
		if t.Tag == "" {
			errs = append(errs, fmt.Errorf("triggers[%d]: tag required", i))
			continue
		}
		spec, err := ParseSchedule(t.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("triggers[%d] (%s): %w", i, t.Tag, err))
			continue
		}
		sched, err := spec.Schedule()
		if err != nil {
			errs = append(errs, fmt.Errorf("triggers[%d] (%s): %w", i, t.Tag, err))
			continue
		}
		next = append(next, &entry{trig: t, spec: spec, sched: sched})
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range next {
		for _, old := range s.entries {
			if old.trig == n.trig {
				n.fires.Store(old.fires.Load())
				break
			}
		}
	}
	if s.c != nil {
		for _, old := range s.entries {
			s.c.Remove(old.id)
		}
		for _, n := range next {
			s.addLocked(n)
		}
	}
	s.entries = next
	s.log.Info("triggers applied", logx.Int("count", len(next)))
	return nil
}

// Start begins firing. Submissions made by triggers use ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(parser))
	for _, e := range s.entries {
		s.addLocked(e)
	}
	s.c.Start()
	s.log.Info("trigger service started", logx.Int("triggers", len(s.entries)))
}

// Stop halts firing and waits for running submissions until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger service stopped")
}

func (s *Service) Snapshot() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := EntryInfo{Tag: e.trig.Tag.Name(), Schedule: e.spec.String(), Fires: e.fires.Load()}
		if s.c != nil {
			ce := s.c.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		out = append(out, info)
	}
	return out
}

func (s *Service) addLocked(e *entry) {
	e.id = s.c.Schedule(e.sched, cron.FuncJob(func() { s.fire(e) }))
}

func (s *Service) fire(e *entry) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	e.fires.Add(1)
	ev := FiredEvent{Tag: e.trig.Tag.Name(), Schedule: e.spec.String()}
	accepted, err := s.sub.SubmitTag(ctx, e.trig.Tag)
	ev.Accepted = accepted
	if err != nil {
		ev.Error = err.Error()
		s.log.Warn("trigger submit failed", logx.String("tag", ev.Tag), logx.Err(err))
	} else {
		s.log.Debug("trigger fired", logx.String("tag", ev.Tag), logx.Bool("accepted", accepted))
	}
	eventbus.Emit(s.bus, eventbus.TriggerFired, ev)
}
