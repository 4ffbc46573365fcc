package dispatch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tagsync/internal/eventbus"
	logx "tagsync/pkg/logx"
)

type fakeOutcome struct{ err error }

func (o fakeOutcome) Err() error { return o.err }

// fakeTransport records calls. When release is non-nil every call blocks on it.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []GatewayRequest
	started chan struct{}
	release chan struct{}
}

func (t *fakeTransport) Perform(ctx context.Context, req GatewayRequest) Outcome {
	t.mu.Lock()
	t.calls = append(t.calls, req)
	t.mu.Unlock()
	if t.started != nil {
		t.started <- struct{}{}
	}
	if t.release != nil {
		select {
		case <-t.release:
		case <-ctx.Done():
			return fakeOutcome{err: ctx.Err()}
		}
	}
	return fakeOutcome{}
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

type handled struct {
	req DelayedRequest
	out Outcome
}

type chanHandler chan handled

func (h chanHandler) Handle(_ context.Context, req DelayedRequest, out Outcome) {
	h <- handled{req: req, out: out}
}

func newTestEngine(t *testing.T, reg Registry, key string, tr Transport, h ResponseHandler, bus eventbus.Bus) *Engine {
	t.Helper()
	x, err := NewExpander(reg, "https://gateway.test/send", staticKey(key), 0)
	if err != nil {
		t.Fatalf("NewExpander: %v", err)
	}
	e := New(Config{EmptyQueuePause: 5 * time.Millisecond}, x, tr, h, logx.Nop(), bus)
	e.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func TestSubmitTagConcreteScenario(t *testing.T) {
	reg := &fakeRegistry{ids: map[Tag][]string{"patch-1.2.3": makeIDs(2000)}}
	tr := &fakeTransport{started: make(chan struct{}, 3), release: make(chan struct{})}
	h := make(chanHandler, 3)
	e := newTestEngine(t, reg, "k", tr, h, nil)

	ok, err := e.SubmitTag(context.Background(), "patch-1.2.3")
	if err != nil || !ok {
		t.Fatalf("SubmitTag = %v, %v; want true, nil", ok, err)
	}

	// All three attempts are in flight at once.
	for i := 0; i < 3; i++ {
		select {
		case <-tr.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d attempts started", i)
		}
	}
	close(tr.release)

	sizes := map[int]int{}
	for i := 0; i < 3; i++ {
		select {
		case got := <-h:
			if got.req.Delay() != 3025*time.Millisecond {
				t.Fatalf("attempt delay = %v, want 3025ms", got.req.Delay())
			}
			if got.out == nil || got.out.Err() != nil {
				t.Fatalf("unexpected outcome %+v", got.out)
			}
			sizes[len(got.req.Request().RegistrationIDs)]++
		case <-time.After(2 * time.Second):
			t.Fatalf("handler saw %d outcomes, want 3", i)
		}
	}
	if sizes[950] != 2 || sizes[100] != 1 {
		t.Fatalf("batch sizes = %v, want 950,950,100", sizes)
	}

	st := e.Stats()
	if st.TagsAccepted != 1 || st.RequestsAdmitted != 3 || st.AttemptsStarted != 3 {
		t.Fatalf("stats = %+v", st)
	}
	if st.TagsQueued != 0 || st.RequestsQueued != 0 {
		t.Fatalf("queues not drained: %+v", st)
	}
}

func TestSubmitTagWithoutSubscribers(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, &fakeRegistry{}, "", tr, nil, nil)

	ok, err := e.SubmitTag(context.Background(), "nobody")
	if err != nil || !ok {
		t.Fatalf("SubmitTag = %v, %v; want true, nil", ok, err)
	}
	if st := e.Stats(); st.RequestsAdmitted != 0 || st.AttemptsStarted != 0 {
		t.Fatalf("stats = %+v, want no requests", st)
	}
	if tr.count() != 0 {
		t.Fatal("transport must not be called")
	}
}

func TestSubmitTagMissingKeyIsFatal(t *testing.T) {
	reg := &fakeRegistry{ids: map[Tag][]string{"t": makeIDs(3)}}
	tr := &fakeTransport{}
	e := newTestEngine(t, reg, "", tr, nil, nil)

	ok, err := e.SubmitTag(context.Background(), "t")
	if ok || !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("SubmitTag = %v, %v; want false, ErrMissingAPIKey", ok, err)
	}
	if tr.count() != 0 || e.Stats().RequestsAdmitted != 0 {
		t.Fatal("no request may be built or sent without a key")
	}
	// The tag was consumed; the next submission is not a duplicate.
	if e.Stats().TagsQueued != 0 {
		t.Fatal("tag should have left the queue")
	}
}

func TestSubmitTagDrainsInSubmissionOrder(t *testing.T) {
	reg := &fakeRegistry{calls: make(chan Tag, 3)}
	e := newTestEngine(t, reg, "k", &fakeTransport{}, nil, nil)

	for _, tag := range []Tag{"T1", "T2", "T3"} {
		if _, err := e.SubmitTag(context.Background(), tag); err != nil {
			t.Fatalf("SubmitTag(%s): %v", tag, err)
		}
	}
	for _, want := range []Tag{"T1", "T2", "T3"} {
		if got := <-reg.calls; got != want {
			t.Fatalf("expanded %s, want %s", got, want)
		}
	}
}

func TestSubmitTagPendingIsDeduped(t *testing.T) {
	e := newTestEngine(t, &fakeRegistry{}, "k", &fakeTransport{}, nil, nil)

	e.mu.Lock()
	e.tags.offer(NewDelayedTag("busy", InitialTagDelay))
	e.mu.Unlock()

	ok, err := e.SubmitTag(context.Background(), "busy")
	if ok || err != nil {
		t.Fatalf("SubmitTag = %v, %v; want false, nil", ok, err)
	}
	if st := e.Stats(); st.TagsDeduped != 1 || st.TagsQueued != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSubmitRequestPendingIsNotReescalated(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, &fakeRegistry{}, "k", tr, nil, nil)

	queued := NewDelayedRequest(testRequest("t", "1"), 3025*time.Millisecond)
	e.mu.Lock()
	e.requests.offer(queued)
	e.mu.Unlock()

	ok, err := e.SubmitRequest(context.Background(), NewDelayedRequest(testRequest("t", "1"), 55*time.Millisecond))
	if ok || err != nil {
		t.Fatalf("SubmitRequest = %v, %v; want false, nil", ok, err)
	}

	e.mu.Lock()
	head, _ := e.requests.poll()
	e.mu.Unlock()
	if head.Delay() != 3025*time.Millisecond {
		t.Fatalf("queued delay = %v, want 3025ms", head.Delay())
	}
	if tr.count() != 0 {
		t.Fatal("a rejected request must not be sent")
	}
}

func TestSubmitRequestEscalatesAgain(t *testing.T) {
	h := make(chanHandler, 1)
	e := newTestEngine(t, &fakeRegistry{}, "k", &fakeTransport{}, h, nil)

	retry := NewDelayedRequest(testRequest("t", "1"), 3025*time.Millisecond)
	ok, err := e.SubmitRequest(context.Background(), retry)
	if !ok || err != nil {
		t.Fatalf("SubmitRequest = %v, %v", ok, err)
	}
	select {
	case got := <-h:
		if got.req.Delay() != 9150625*time.Millisecond {
			t.Fatalf("delay = %v, want 9150625ms", got.req.Delay())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("attempt never finished")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	e := newTestEngine(t, &fakeRegistry{}, "k", &fakeTransport{}, nil, nil)
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := e.SubmitTag(context.Background(), "t"); !errors.Is(err, ErrStopped) {
		t.Fatalf("SubmitTag err = %v, want ErrStopped", err)
	}
	if _, err := e.SubmitRequest(context.Background(), NewDelayedRequest(testRequest("t", "1"), 0)); !errors.Is(err, ErrStopped) {
		t.Fatalf("SubmitRequest err = %v, want ErrStopped", err)
	}
}

func TestPollOrPauseGivesUpWithContext(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	e := newTestEngine(t, &fakeRegistry{}, "k", &fakeTransport{}, nil, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, ok := pollOrPause(ctx, e, e.requests, "request"); ok {
		t.Fatal("empty queue should not yield an item")
	}
	if e.Stats().EmptyPolls < 1 {
		t.Fatal("empty poll not counted")
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.QueueEmpty {
			t.Fatalf("event = %s, want %s", ev.Type, eventbus.QueueEmpty)
		}
	default:
		t.Fatal("no queue-empty event")
	}
}

func TestStopWaitsForAttempts(t *testing.T) {
	tr := &fakeTransport{started: make(chan struct{}, 1), release: make(chan struct{})}
	e := newTestEngine(t, &fakeRegistry{}, "k", tr, nil, nil)

	if _, err := e.SubmitRequest(context.Background(), NewDelayedRequest(testRequest("t", "1"), 0)); err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	<-tr.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err = %v, want deadline exceeded", err)
	}
	// Canceling the supervisor unblocks the attempt.
	deadline := time.Now().Add(2 * time.Second)
	for e.Stats().AttemptsDone != 1 {
		if time.Now().After(deadline) {
			t.Fatal("attempt not canceled")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type panicTransport struct{}

func (panicTransport) Perform(context.Context, GatewayRequest) Outcome { panic("transport bug") }

func TestStopReleasesAttemptContextAndReportsFailures(t *testing.T) {
	var buf bytes.Buffer
	x, err := NewExpander(&fakeRegistry{}, "https://gateway.test/send", staticKey("k"), 0)
	if err != nil {
		t.Fatalf("NewExpander: %v", err)
	}
	e := New(Config{EmptyQueuePause: 5 * time.Millisecond}, x, panicTransport{}, nil, logx.NewWriter(&buf, "warn"), nil)
	e.Start(context.Background())

	if _, err := e.SubmitRequest(context.Background(), NewDelayedRequest(testRequest("t", "1"), 0)); err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for e.Stats().AttemptsDone != 1 {
		if time.Now().After(deadline) {
			t.Fatal("attempt did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sup := e.Supervisor()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sup.Context().Err() == nil {
		t.Fatal("attempt context still live after Stop")
	}
	if got := sup.Counters().Panics; got != 1 {
		t.Fatalf("panics = %d, want 1", got)
	}
	if !strings.Contains(buf.String(), "execution unit failed") || !strings.Contains(buf.String(), "transport bug") {
		t.Fatalf("failure not logged: %s", buf.String())
	}
}
