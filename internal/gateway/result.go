package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Result is the outcome of one delivery attempt. A non-2xx status is not a
// transport error; Err reports only failures to get a response at all.
type Result struct {
	AttemptID  string
	Status     int
	Body       []byte
	RetryAfter time.Duration
	Took       time.Duration
	Truncated  bool // Body was cut at the client's MaxBodyBytes
	err        error
}

func (r *Result) Err() error {
	if r == nil {
		return nil
	}
	return r.err
}

// Response is the gateway's JSON answer to a multicast request.
// Results are positional: Results[i] belongs to the i-th registration id sent.
type Response struct {
	MulticastID  int64         `json:"multicast_id"`
	Success      int           `json:"success"`
	Failure      int           `json:"failure"`
	CanonicalIDs int           `json:"canonical_ids"`
	Results      []ResultEntry `json:"results"`
}

type ResultEntry struct {
	MessageID      string `json:"message_id,omitempty"`
	RegistrationID string `json:"registration_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Per-id error codes that mean the device will never accept messages again.
var deadRegistrationErrors = map[string]bool{
	"NotRegistered":       true,
	"InvalidRegistration": true,
	"MismatchSenderId":    true,
}

// DecodeResponse parses a 2xx body. ok is false when the body is not a
// complete multicast response.
func (r *Result) DecodeResponse() (Response, bool) {
	var resp Response
	if r == nil || len(r.Body) == 0 || r.Truncated {
		return resp, false
	}
	if err := json.Unmarshal(r.Body, &resp); err != nil {
		return resp, false
	}
	return resp, true
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
