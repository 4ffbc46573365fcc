package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"tagsync/internal/dispatch"
	"tagsync/internal/eventbus"
	rtsup "tagsync/internal/runtime/supervisor"
	"tagsync/internal/storage"
	logx "tagsync/pkg/logx"
)

// Delivery outcomes recorded in the audit log and on the bus.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// Store is the part of storage.Store the handler writes to.
type Store interface {
	Subscribe(ctx context.Context, tag dispatch.Tag, registrationID string) error
	Unsubscribe(ctx context.Context, tag dispatch.Tag, registrationID string) error
	AppendDelivery(ctx context.Context, rec storage.DeliveryRecord) error
}

// Resubmitter puts a request back into the delivery queue. *dispatch.Engine implements it.
type Resubmitter interface {
	SubmitRequest(ctx context.Context, req dispatch.DelayedRequest) (bool, error)
}

type HandlerConfig struct {
	RetryMax     int           // resubmissions per request before it is dropped
	AuditQueue   int           // buffered audit records; default 256
	MaxRetryWait time.Duration // cap on a honored Retry-After; default 30s
}

// DeliveryEvent is published as gateway.* events.
type DeliveryEvent struct {
	Tag        string        `json:"tag"`
	AttemptID  string        `json:"attempt_id"`
	Outcome    string        `json:"outcome"`
	Status     int           `json:"status"`
	IDs        int           `json:"ids"`
	Retry      int           `json:"retry"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type HandlerStats struct {
	Delivered     uint64 `json:"delivered"`
	Retried       uint64 `json:"retried"`
	Failed        uint64 `json:"failed"`
	Pruned        uint64 `json:"pruned"`
	Canonicalized uint64 `json:"canonicalized"`
	AuditDropped  uint64 `json:"audit_dropped"`
}

// Handler interprets attempt results: it resubmits retryable failures,
// prunes dead registrations and writes one audit record per attempt.
//
// It is safe for concurrent use.
type Handler struct {
	mu sync.Mutex

	cfg      HandlerConfig
	log      logx.Logger
	bus      eventbus.Bus
	store    Store
	resubmit Resubmitter

	retries map[string]int // fingerprint -> resubmissions so far

	auditCh chan storage.DeliveryRecord
	sup     *rtsup.Supervisor

	delivered     atomic.Uint64
	retried       atomic.Uint64
	failed        atomic.Uint64
	pruned        atomic.Uint64
	canonicalized atomic.Uint64
	auditDropped  atomic.Uint64
}

var _ dispatch.ResponseHandler = (*Handler)(nil)

func NewHandler(cfg HandlerConfig, store Store, log logx.Logger, bus eventbus.Bus) *Handler {
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.AuditQueue <= 0 {
		cfg.AuditQueue = 256
	}
	if cfg.MaxRetryWait <= 0 {
		cfg.MaxRetryWait = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		store:   store,
		retries: map[string]int{},
	}
}

// SetResubmitter wires the engine in after construction; the engine itself
// needs the handler to be built.
func (h *Handler) SetResubmitter(r Resubmitter) {
	h.mu.Lock()
	h.resubmit = r
	h.mu.Unlock()
}

// Start runs the audit writer. Without Start, records are written inline.
func (h *Handler) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.auditCh != nil || h.store == nil {
		return
	}
	ch := make(chan storage.DeliveryRecord, h.cfg.AuditQueue)
	h.auditCh = ch
	h.sup = rtsup.New(ctx, rtsup.WithLogger(h.log))
	// Restarted only after a panic in the store; a closed channel ends it.
	h.sup.GoRestart("audit.persist", func(c context.Context) error {
		h.auditLoop(c, ch)
		return c.Err()
	})
}

// Stop flushes pending audit records until ctx expires.
func (h *Handler) Stop(ctx context.Context) error {
	h.mu.Lock()
	ch, sup := h.auditCh, h.sup
	h.auditCh, h.sup = nil, nil
	h.mu.Unlock()
	if ch == nil {
		return nil
	}
	close(ch)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		return err
	}
	return nil
}

func (h *Handler) Stats() HandlerStats {
	return HandlerStats{
		Delivered:     h.delivered.Load(),
		Retried:       h.retried.Load(),
		Failed:        h.failed.Load(),
		Pruned:        h.pruned.Load(),
		Canonicalized: h.canonicalized.Load(),
		AuditDropped:  h.auditDropped.Load(),
	}
}

// Handle is called once per finished attempt, off the engine lock.
func (h *Handler) Handle(ctx context.Context, req dispatch.DelayedRequest, out dispatch.Outcome) {
	gr := req.Request()
	res, _ := out.(*Result)
	if res == nil {
		res = &Result{}
		if out != nil {
			res.err = out.Err()
		}
		if res.err == nil {
			res.err = errors.New("no result from transport")
		}
	}

	ev := DeliveryEvent{
		Tag:        gr.Tag.Name(),
		AttemptID:  res.AttemptID,
		Status:     res.Status,
		IDs:        len(gr.RegistrationIDs),
		RetryAfter: res.RetryAfter,
	}
	log := h.log.With(
		logx.String("tag", ev.Tag),
		logx.String("attempt", ev.AttemptID),
		logx.Int("ids", ev.IDs),
		logx.Int("status", ev.Status),
	)

	retryable, cause := classify(res)
	switch {
	case cause == nil:
		h.forget(req)
		ev.Outcome = OutcomeDelivered
		h.delivered.Add(1)
		h.applyResponse(ctx, gr, res, log)
		log.Debug("delivery accepted by gateway", logx.Duration("took", res.Took))
		eventbus.Emit(h.bus, eventbus.DeliverySucceeded, ev)

	case retryable:
		ev.Error = cause.Error()
		n, ok := h.nextRetry(req)
		if ok {
			ev.Retry = n
			ok = h.waitRetryAfter(ctx, req, res.RetryAfter, log) && h.resubmitRequest(ctx, req, log)
		}
		if ok {
			ev.Outcome = OutcomeRetried
			h.retried.Add(1)
			log.Warn("delivery failed; resubmitted", logx.Int("retry", n), logx.Duration("retry_after", res.RetryAfter), logx.Err(cause))
			eventbus.Emit(h.bus, eventbus.DeliveryRetried, ev)
		} else {
			ev.Outcome = OutcomeFailed
			h.failed.Add(1)
			log.Error("delivery failed; giving up", logx.Int("retry_max", h.cfg.RetryMax), logx.Err(cause))
			eventbus.Emit(h.bus, eventbus.DeliveryFailed, ev)
		}

	default:
		h.forget(req)
		ev.Error = cause.Error()
		ev.Outcome = OutcomeFailed
		h.failed.Add(1)
		log.Error("delivery rejected by gateway", logx.Err(cause), logx.String("body", truncate(res.Body, 256)))
		eventbus.Emit(h.bus, eventbus.DeliveryFailed, ev)
	}

	h.audit(ctx, storage.DeliveryRecord{
		At:        time.Now(),
		AttemptID: ev.AttemptID,
		Tag:       ev.Tag,
		IDs:       ev.IDs,
		Status:    ev.Status,
		Outcome:   ev.Outcome,
		Error:     ev.Error,
		DelayMS:   req.Delay().Milliseconds(),
		TookMS:    res.Took.Milliseconds(),
	})
}

// classify returns a nil cause for success.
func classify(res *Result) (retryable bool, cause error) {
	if err := res.Err(); err != nil {
		return true, err
	}
	switch s := res.Status; {
	case s >= 200 && s < 300:
		return false, nil
	case s == http.StatusTooManyRequests || s >= 500:
		return true, fmt.Errorf("gateway status %d", s)
	case s == http.StatusUnauthorized:
		return false, fmt.Errorf("gateway status %d: api key rejected", s)
	default:
		return false, fmt.Errorf("gateway status %d", s)
	}
}

func (h *Handler) nextRetry(req dispatch.DelayedRequest) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.retries[req.Fingerprint()] + 1
	if n > h.cfg.RetryMax {
		delete(h.retries, req.Fingerprint())
		return n - 1, false
	}
	h.retries[req.Fingerprint()] = n
	return n, true
}

func (h *Handler) forget(req dispatch.DelayedRequest) {
	h.mu.Lock()
	delete(h.retries, req.Fingerprint())
	h.mu.Unlock()
}

// waitRetryAfter holds the resubmission for the gateway's Retry-After hint,
// capped at MaxRetryWait. It reports false if ctx ends first.
func (h *Handler) waitRetryAfter(ctx context.Context, req dispatch.DelayedRequest, d time.Duration, log logx.Logger) bool {
	if d <= 0 {
		return true
	}
	if d > h.cfg.MaxRetryWait {
		d = h.cfg.MaxRetryWait
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		log.Warn("retry wait abandoned", logx.Duration("retry_after", d), logx.Err(ctx.Err()))
		h.forget(req)
		return false
	}
}

func (h *Handler) resubmitRequest(ctx context.Context, req dispatch.DelayedRequest, log logx.Logger) bool {
	h.mu.Lock()
	r := h.resubmit
	h.mu.Unlock()
	if r == nil {
		h.forget(req)
		return false
	}
	if _, err := r.SubmitRequest(ctx, req); err != nil {
		log.Warn("resubmission refused", logx.Err(err))
		h.forget(req)
		return false
	}
	// A false return means an equal request is already queued; that one carries the retry.
	return true
}

// applyResponse prunes registrations the gateway reports as dead and
// replaces ids that have a canonical replacement.
func (h *Handler) applyResponse(ctx context.Context, gr dispatch.GatewayRequest, res *Result, log logx.Logger) {
	if h.store == nil {
		return
	}
	resp, ok := res.DecodeResponse()
	if !ok {
		if res.Truncated || len(res.Body) > 0 {
			log.Warn("gateway response not applied; registrations left unchanged",
				logx.Int("body_bytes", len(res.Body)),
				logx.Bool("truncated", res.Truncated),
			)
		}
		return
	}
	if resp.Failure == 0 && resp.CanonicalIDs == 0 {
		return
	}
	for i, entry := range resp.Results {
		if i >= len(gr.RegistrationIDs) {
			break
		}
		id := gr.RegistrationIDs[i]
		switch {
		case deadRegistrationErrors[entry.Error]:
			if err := h.store.Unsubscribe(ctx, gr.Tag, id); err != nil {
				log.Warn("prune registration failed", logx.Err(err))
				continue
			}
			h.pruned.Add(1)
		case entry.Error == "" && entry.RegistrationID != "" && entry.RegistrationID != id:
			if err := h.store.Subscribe(ctx, gr.Tag, entry.RegistrationID); err != nil {
				log.Warn("canonical registration subscribe failed", logx.Err(err))
				continue
			}
			if err := h.store.Unsubscribe(ctx, gr.Tag, id); err != nil {
				log.Warn("stale registration unsubscribe failed", logx.Err(err))
				continue
			}
			h.canonicalized.Add(1)
		}
	}
	log.Info("gateway reported per-device failures",
		logx.Int("failure", resp.Failure),
		logx.Int("canonical_ids", resp.CanonicalIDs),
	)
}

func (h *Handler) audit(ctx context.Context, rec storage.DeliveryRecord) {
	if h.store == nil {
		return
	}
	h.mu.Lock()
	ch := h.auditCh
	if ch != nil {
		select {
		case ch <- rec:
		default:
			h.auditDropped.Add(1)
		}
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	if err := h.store.AppendDelivery(cctx, rec); err != nil {
		h.log.Debug("delivery audit write failed", logx.Err(err))
	}
}

func (h *Handler) auditLoop(ctx context.Context, ch <-chan storage.DeliveryRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := h.store.AppendDelivery(cctx, rec); err != nil {
				h.log.Debug("delivery audit write failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
