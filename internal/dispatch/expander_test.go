package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

type fakeRegistry struct {
	ids   map[Tag][]string
	err   error
	calls chan Tag
}

func (r *fakeRegistry) SubscribedRegistrationIDs(_ context.Context, tag Tag) ([]string, error) {
	if r.calls != nil {
		r.calls <- tag
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.ids[tag], nil
}

func makeIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("reg-%04d", i)
	}
	return out
}

func staticKey(k string) KeySource { return func() string { return k } }

func TestNewExpanderValidation(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{}
	tests := []struct {
		name   string
		url    string
		maxIDs int
		isURL  bool
	}{
		{name: "relative url", url: "/send", isURL: true},
		{name: "ftp scheme", url: "ftp://gateway.test/send", isURL: true},
		{name: "garbage", url: "://", isURL: true},
		{name: "batch at gateway limit", url: "https://gateway.test/send", maxIDs: GatewayIDLimit},
	}
	for _, tt := range tests {
		_, err := NewExpander(reg, tt.url, staticKey("k"), tt.maxIDs)
		if err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
		if tt.isURL && !errors.Is(err, ErrInvalidGatewayURL) {
			t.Fatalf("%s: err = %v, want ErrInvalidGatewayURL", tt.name, err)
		}
	}

	x, err := NewExpander(reg, " https://gateway.test/send ", staticKey("k"), 0)
	if err != nil {
		t.Fatalf("NewExpander: %v", err)
	}
	if x.MaxIDsPerRequest() != MaxIDsPerRequest || x.URL() != "https://gateway.test/send" {
		t.Fatalf("unexpected expander: url=%q max=%d", x.URL(), x.MaxIDsPerRequest())
	}
}

func TestExpandBatchSizes(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 949, 950, 951, 1900, 2000, 2851} {
		ids := makeIDs(n)
		reg := &fakeRegistry{ids: map[Tag][]string{"news": ids}}
		x, err := NewExpander(reg, "https://gateway.test/send", staticKey("k"), 0)
		if err != nil {
			t.Fatalf("NewExpander: %v", err)
		}
		reqs, err := x.Expand(context.Background(), NewDelayedTag("news", InitialTagDelay))
		if err != nil {
			t.Fatalf("n=%d: Expand: %v", n, err)
		}
		want := (n + MaxIDsPerRequest - 1) / MaxIDsPerRequest
		if len(reqs) != want {
			t.Fatalf("n=%d: got %d requests, want %d", n, len(reqs), want)
		}

		var joined []string
		for _, r := range reqs {
			var p syncPayload
			if err := json.Unmarshal(r.Request().Body, &p); err != nil {
				t.Fatalf("n=%d: decode body: %v", n, err)
			}
			if len(p.RegistrationIDs) > MaxIDsPerRequest {
				t.Fatalf("n=%d: batch of %d exceeds limit", n, len(p.RegistrationIDs))
			}
			if p.Data.Tag != "news" {
				t.Fatalf("n=%d: payload tag = %q", n, p.Data.Tag)
			}
			if r.Delay() != InitialTagDelay {
				t.Fatalf("n=%d: delay = %v, want unchanged %v", n, r.Delay(), InitialTagDelay)
			}
			joined = append(joined, p.RegistrationIDs...)
		}
		if len(joined) != n {
			t.Fatalf("n=%d: concatenated %d ids", n, len(joined))
		}
		for i := range ids {
			if joined[i] != ids[i] {
				t.Fatalf("n=%d: id %d = %q, want %q", n, i, joined[i], ids[i])
			}
		}
	}
}

func TestExpandRequestShape(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{ids: map[Tag][]string{"t": {"a", "b"}}}
	x, err := NewExpander(reg, "https://gateway.test/send", staticKey(" secret "), 0)
	if err != nil {
		t.Fatalf("NewExpander: %v", err)
	}
	reqs, err := x.Expand(context.Background(), NewDelayedTag("t", InitialTagDelay))
	if err != nil || len(reqs) != 1 {
		t.Fatalf("Expand = %d, %v", len(reqs), err)
	}
	r := reqs[0].Request()
	if r.Method != http.MethodPost || r.URL != "https://gateway.test/send" {
		t.Fatalf("method/url = %s %s", r.Method, r.URL)
	}
	if got := r.Header.Get("Authorization"); got != "key=secret" {
		t.Fatalf("Authorization = %q", got)
	}
	if got := r.Header.Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q", got)
	}
	const want = `{"registration_ids":["a","b"],"data":{"tag":"t"}}`
	if string(r.Body) != want {
		t.Fatalf("body = %s, want %s", r.Body, want)
	}
}

func TestExpandWithoutSubscribersNeedsNoKey(t *testing.T) {
	t.Parallel()
	x, err := NewExpander(&fakeRegistry{}, "https://gateway.test/send", staticKey(""), 0)
	if err != nil {
		t.Fatalf("NewExpander: %v", err)
	}
	reqs, err := x.Expand(context.Background(), NewDelayedTag("empty", InitialTagDelay))
	if err != nil || len(reqs) != 0 {
		t.Fatalf("Expand = %d, %v; want 0, nil", len(reqs), err)
	}
}

func TestExpandMissingKey(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{ids: map[Tag][]string{"t": {"a"}}}
	x, err := NewExpander(reg, "https://gateway.test/send", staticKey("  "), 0)
	if err != nil {
		t.Fatalf("NewExpander: %v", err)
	}
	if _, err := x.Expand(context.Background(), NewDelayedTag("t", 0)); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestExpandRegistryError(t *testing.T) {
	t.Parallel()
	boom := errors.New("registry down")
	x, err := NewExpander(&fakeRegistry{err: boom}, "https://gateway.test/send", staticKey("k"), 0)
	if err != nil {
		t.Fatalf("NewExpander: %v", err)
	}
	if _, err := x.Expand(context.Background(), NewDelayedTag("t", 0)); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped registry error", err)
	}
}
