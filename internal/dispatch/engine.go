package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"tagsync/internal/eventbus"
	rtsup "tagsync/internal/runtime/supervisor"
	logx "tagsync/pkg/logx"
)

// Config tunes the engine. Zero values select the package defaults.
type Config struct {
	InitialDelay    time.Duration
	EmptyQueuePause time.Duration
}

// Stats is a point-in-time view of engine counters.
type Stats struct {
	Running          bool   `json:"running"`
	TagsQueued       int    `json:"tags_queued"`
	RequestsQueued   int    `json:"requests_queued"`
	TagsAccepted     uint64 `json:"tags_accepted"`
	TagsDeduped      uint64 `json:"tags_deduped"`
	RequestsAdmitted uint64 `json:"requests_admitted"`
	RequestsDeduped  uint64 `json:"requests_deduped"`
	AttemptsStarted  uint64 `json:"attempts_started"`
	AttemptsDone     uint64 `json:"attempts_done"`
	EmptyPolls       uint64 `json:"empty_polls"`
}

// RequestEvent is published on the bus for request lifecycle events.
type RequestEvent struct {
	Tag         string        `json:"tag"`
	Fingerprint string        `json:"fingerprint"`
	IDs         int           `json:"ids"`
	Delay       time.Duration `json:"delay"`
	Error       string        `json:"error,omitempty"`
}

// Engine owns the tag queue, the delivery queue and the execution goroutines.
//
// It is safe for concurrent use. Construct it with New and run it between
// Start and Stop.
type Engine struct {
	mu sync.Mutex

	cfg       Config
	log       logx.Logger
	bus       eventbus.Bus
	expander  *Expander
	transport Transport
	handler   ResponseHandler

	tags     *dedupQueue[DelayedTag]
	requests *dedupQueue[DelayedRequest]

	running bool
	sup     *rtsup.Supervisor

	tagsAccepted     atomic.Uint64
	tagsDeduped      atomic.Uint64
	requestsAdmitted atomic.Uint64
	requestsDeduped  atomic.Uint64
	attemptsStarted  atomic.Uint64
	attemptsDone     atomic.Uint64
	emptyPolls       atomic.Uint64
}

func New(cfg Config, x *Expander, t Transport, h ResponseHandler, log logx.Logger, bus eventbus.Bus) *Engine {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = InitialTagDelay
	}
	if cfg.EmptyQueuePause <= 0 {
		cfg.EmptyQueuePause = EmptyQueuePause
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		expander:  x,
		transport: t,
		handler:   h,
		tags:      newDedupQueue[DelayedTag](),
		requests:  newDedupQueue[DelayedRequest](),
	}
}

// Start enables submissions. Execution goroutines run under ctx.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.sup = rtsup.New(ctx, rtsup.WithLogger(e.log))
	e.running = true
	e.log.Info("dispatch engine started",
		logx.Duration("initial_delay", e.cfg.InitialDelay),
		logx.Int("max_ids_per_request", e.expander.MaxIDsPerRequest()),
	)
}

// Stop rejects further submissions and waits for in-flight attempts, then
// releases the attempts' context. If ctx expires first, the context is
// canceled and ctx.Err() returned. A failed attempt is logged, not returned.
func (e *Engine) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	e.mu.Lock()
	sup := e.sup
	wasRunning := e.running
	e.running = false
	e.mu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}

	werr := sup.Wait(ctx)
	if err := ctx.Err(); err != nil {
		sup.Cancel()
		e.log.Warn("dispatch engine stop timed out; canceling attempts", logx.Int64("in_flight", sup.Counters().Active))
		return err
	}
	sup.Cancel()
	if werr != nil {
		e.log.Warn("execution unit failed", logx.Uint64("panics", sup.Counters().Panics), logx.Err(werr))
	}
	e.log.Info("dispatch engine stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// Supervisor returns the supervisor hosting execution goroutines (nil before Start).
func (e *Engine) Supervisor() *rtsup.Supervisor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sup
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	st := Stats{Running: e.running, TagsQueued: e.tags.len(), RequestsQueued: e.requests.len()}
	e.mu.Unlock()
	st.TagsAccepted = e.tagsAccepted.Load()
	st.TagsDeduped = e.tagsDeduped.Load()
	st.RequestsAdmitted = e.requestsAdmitted.Load()
	st.RequestsDeduped = e.requestsDeduped.Load()
	st.AttemptsStarted = e.attemptsStarted.Load()
	st.AttemptsDone = e.attemptsDone.Load()
	st.EmptyPolls = e.emptyPolls.Load()
	return st
}

// SubmitTag requests a sync of every device subscribed to tag.
//
// It reports false if a sync for tag is already pending. When it reports true
// the tag has been expanded and every batch handed to the delivery queue.
// A non-nil error is fatal for this submission (for example ErrMissingAPIKey)
// and is never a transport failure.
func (e *Engine) SubmitTag(ctx context.Context, tag Tag) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return false, ErrStopped
	}

	dt := NewDelayedTag(tag, e.cfg.InitialDelay)
	if !e.tags.offer(dt) {
		e.tagsDeduped.Add(1)
		e.log.Debug("tag sync already pending", logx.String("tag", tag.Name()))
		eventbus.Emit(e.bus, eventbus.TagDeduped, tag.Name())
		return false, nil
	}
	e.tagsAccepted.Add(1)
	eventbus.Emit(e.bus, eventbus.TagQueued, tag.Name())

	if err := e.onTagQueuedLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// SubmitRequest admits req into the delivery queue with its delay escalated.
// It reports false if an equal request is already queued.
func (e *Engine) SubmitRequest(ctx context.Context, req DelayedRequest) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return false, ErrStopped
	}
	return e.submitRequestLocked(ctx, req), nil
}

func (e *Engine) onTagQueuedLocked(ctx context.Context) error {
	dt, ok := pollOrPause(ctx, e, e.tags, "tag")
	if !ok {
		return ctx.Err()
	}

	reqs, err := e.expander.Expand(ctx, dt)
	if err != nil {
		if errors.Is(err, ErrMissingAPIKey) {
			e.log.Error("tag sync aborted: gateway api key missing", logx.String("tag", dt.Tag().Name()))
		} else {
			e.log.Error("tag sync aborted", logx.String("tag", dt.Tag().Name()), logx.Err(err))
		}
		return err
	}
	if len(reqs) == 0 {
		e.log.Debug("tag has no subscribers", logx.String("tag", dt.Tag().Name()))
		return nil
	}
	e.log.Debug("tag expanded", logx.String("tag", dt.Tag().Name()), logx.Int("requests", len(reqs)))
	for _, r := range reqs {
		e.submitRequestLocked(ctx, r)
	}
	return nil
}

func (e *Engine) submitRequestLocked(ctx context.Context, req DelayedRequest) bool {
	req = req.WithDelay(Escalate(req.Delay()))
	if !e.requests.offer(req) {
		e.requestsDeduped.Add(1)
		e.log.Debug("request already pending", logx.String("tag", req.req.Tag.Name()), logx.String("fingerprint", req.Fingerprint()))
		eventbus.Emit(e.bus, eventbus.RequestDeduped, requestEvent(req, nil))
		return false
	}
	e.requestsAdmitted.Add(1)
	eventbus.Emit(e.bus, eventbus.RequestQueued, requestEvent(req, nil))
	e.dispatchLocked(ctx)
	return true
}

func (e *Engine) dispatchLocked(ctx context.Context) {
	req, ok := pollOrPause(ctx, e, e.requests, "request")
	if !ok {
		return
	}
	e.attemptsStarted.Add(1)
	e.sup.Go("attempt", func(runCtx context.Context) error {
		e.execute(runCtx, req)
		return nil
	})
}

// execute runs off the engine mutex.
func (e *Engine) execute(ctx context.Context, req DelayedRequest) {
	defer e.attemptsDone.Add(1)
	eventbus.Emit(e.bus, eventbus.AttemptStarted, requestEvent(req, nil))

	start := time.Now()
	out := e.transport.Perform(ctx, req.Request())
	var err error
	if out != nil {
		err = out.Err()
	}
	e.log.Debug("delivery attempt finished",
		logx.String("tag", req.req.Tag.Name()),
		logx.Int("ids", len(req.req.RegistrationIDs)),
		logx.Duration("delay", req.Delay()),
		logx.Duration("took", time.Since(start)),
		logx.Err(err),
	)
	eventbus.Emit(e.bus, eventbus.AttemptFinished, requestEvent(req, err))

	if e.handler != nil {
		e.handler.Handle(ctx, req, out)
	}
}

// pollOrPause removes the head of q. An empty queue is reported, and polled
// again after the configured pause. It gives up only when ctx is done.
func pollOrPause[T keyed](ctx context.Context, e *Engine, q *dedupQueue[T], kind string) (T, bool) {
	for {
		if v, ok := q.poll(); ok {
			return v, true
		}
		e.emptyPolls.Add(1)
		e.log.Warn("queue empty on dispatch; pausing", logx.String("queue", kind), logx.Duration("pause", e.cfg.EmptyQueuePause))
		eventbus.Emit(e.bus, eventbus.QueueEmpty, kind)

		t := time.NewTimer(e.cfg.EmptyQueuePause)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			var zero T
			e.log.Warn("dispatch abandoned while queue empty", logx.String("queue", kind), logx.Err(ctx.Err()))
			return zero, false
		}
	}
}

func requestEvent(req DelayedRequest, err error) RequestEvent {
	ev := RequestEvent{
		Tag:         req.req.Tag.Name(),
		Fingerprint: req.Fingerprint(),
		IDs:         len(req.req.RegistrationIDs),
		Delay:       req.Delay(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
