package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"slices"
	"sort"
	"time"
)

const (
	// MaxIDsPerRequest is the default batch size. The gateway rejects more than
	// GatewayIDLimit ids per request; stay below it.
	MaxIDsPerRequest = 950
	GatewayIDLimit   = 1000

	// InitialTagDelay is the delay attached to a freshly submitted tag.
	InitialTagDelay = 55 * time.Millisecond
	// EmptyQueuePause is how long a dispatch step waits before re-polling an empty queue.
	EmptyQueuePause = time.Second
)

// Tag identifies a group of devices subscribed to one kind of update.
type Tag string

// Name is the value written into the gateway payload.
func (t Tag) Name() string { return string(t) }

// Registry resolves the devices currently subscribed to a tag.
type Registry interface {
	SubscribedRegistrationIDs(ctx context.Context, tag Tag) ([]string, error)
}

// Outcome is a transport result for one attempt. The engine only logs Err().
type Outcome interface {
	Err() error
}

// Transport performs one delivery attempt. Implementations must be safe for concurrent use.
type Transport interface {
	Perform(ctx context.Context, req GatewayRequest) Outcome
}

// ResponseHandler owns everything that happens after an attempt, including
// any resubmission through Engine.SubmitRequest.
type ResponseHandler interface {
	Handle(ctx context.Context, req DelayedRequest, out Outcome)
}

// Delayed is implemented by DelayedTag and DelayedRequest.
//
// Equal panics with ErrIncomparable when other is not the same kind.
type Delayed interface {
	Delay() time.Duration
	Equal(other Delayed) bool
}

// DelayedTag is a tag waiting in the tag queue. Two DelayedTags are equal when
// their tags are equal, whatever their delays.
type DelayedTag struct {
	tag   Tag
	delay time.Duration
}

func NewDelayedTag(tag Tag, delay time.Duration) DelayedTag {
	return DelayedTag{tag: tag, delay: delay}
}

func (d DelayedTag) Tag() Tag             { return d.tag }
func (d DelayedTag) Delay() time.Duration { return d.delay }
func (d DelayedTag) key() string          { return string(d.tag) }

func (d DelayedTag) Equal(other Delayed) bool {
	o, ok := other.(DelayedTag)
	if !ok {
		panic(fmt.Errorf("%w: DelayedTag vs %T", ErrIncomparable, other))
	}
	return d.tag == o.tag
}

// GatewayRequest is one fully formed gateway call.
//
// Tag and RegistrationIDs restate what Body encodes; they are kept for logs
// and audit records and do not take part in equality.
type GatewayRequest struct {
	Method          string
	URL             string
	Header          http.Header
	Body            []byte
	Tag             Tag
	RegistrationIDs []string
}

// Fingerprint is the hex SHA-256 of method, URL, headers and body. Every
// field is length-prefixed so distinct requests never share an encoding.
// Equal requests have equal fingerprints.
func (r GatewayRequest) Fingerprint() string {
	h := sha256.New()
	var n [binary.MaxVarintLen64]byte
	field := func(b []byte) {
		_, _ = h.Write(n[:binary.PutUvarint(n[:], uint64(len(b)))])
		_, _ = h.Write(b)
	}
	field([]byte(r.Method))
	field([]byte(r.URL))

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, http.CanonicalHeaderKey(k))
	}
	sort.Strings(keys)
	keys = slices.Compact(keys)
	_, _ = h.Write(n[:binary.PutUvarint(n[:], uint64(len(keys)))])
	for _, k := range keys {
		vs := r.Header.Values(k)
		field([]byte(k))
		_, _ = h.Write(n[:binary.PutUvarint(n[:], uint64(len(vs)))])
		for _, v := range vs {
			field([]byte(v))
		}
	}
	field(r.Body)
	return hex.EncodeToString(h.Sum(nil))
}

// DelayedRequest is a gateway request waiting in the delivery queue.
// Equality is defined by the wrapped request value.
type DelayedRequest struct {
	req   GatewayRequest
	fp    string
	delay time.Duration
}

func NewDelayedRequest(req GatewayRequest, delay time.Duration) DelayedRequest {
	return DelayedRequest{req: req, fp: req.Fingerprint(), delay: delay}
}

// Request returns the wrapped request. Header is cloned so callers may modify it.
func (d DelayedRequest) Request() GatewayRequest {
	r := d.req
	r.Header = d.req.Header.Clone()
	return r
}

func (d DelayedRequest) Delay() time.Duration { return d.delay }
func (d DelayedRequest) Fingerprint() string  { return d.fp }
func (d DelayedRequest) key() string          { return d.fp }

// WithDelay returns a copy carrying delay; the receiver is left untouched.
func (d DelayedRequest) WithDelay(delay time.Duration) DelayedRequest {
	d.delay = delay
	return d
}

func (d DelayedRequest) Equal(other Delayed) bool {
	o, ok := other.(DelayedRequest)
	if !ok {
		panic(fmt.Errorf("%w: DelayedRequest vs %T", ErrIncomparable, other))
	}
	return d.fp == o.fp
}

// Escalate squares the millisecond count of d: 55ms becomes 3025ms.
// The result saturates at the largest representable duration.
func Escalate(d time.Duration) time.Duration {
	ms := d.Milliseconds()
	if ms <= 0 {
		return 0
	}
	const maxMS = int64(math.MaxInt64 / int64(time.Millisecond))
	if ms > maxMS/ms {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms*ms) * time.Millisecond
}
