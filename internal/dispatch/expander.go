package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// KeySource returns the gateway API key. An empty key is a fatal configuration error.
type KeySource func() string

type syncPayload struct {
	RegistrationIDs []string `json:"registration_ids"`
	Data            syncData `json:"data"`
}

type syncData struct {
	Tag string `json:"tag"`
}

// Expander turns a tag into per-batch gateway requests.
type Expander struct {
	registry Registry
	url      string
	key      KeySource
	maxIDs   int
}

// NewExpander validates the gateway URL once. maxIDs <= 0 selects MaxIDsPerRequest.
func NewExpander(reg Registry, gatewayURL string, key KeySource, maxIDs int) (*Expander, error) {
	if reg == nil {
		return nil, fmt.Errorf("dispatch: registry is required")
	}
	if key == nil {
		return nil, fmt.Errorf("dispatch: key source is required")
	}
	if maxIDs <= 0 {
		maxIDs = MaxIDsPerRequest
	}
	if maxIDs >= GatewayIDLimit {
		return nil, fmt.Errorf("dispatch: max ids per request must be below %d, got %d", GatewayIDLimit, maxIDs)
	}

	raw := strings.TrimSpace(gatewayURL)
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidGatewayURL, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w %q: need an absolute http(s) url", ErrInvalidGatewayURL, raw)
	}
	return &Expander{registry: reg, url: u.String(), key: key, maxIDs: maxIDs}, nil
}

func (x *Expander) URL() string           { return x.url }
func (x *Expander) MaxIDsPerRequest() int { return x.maxIDs }

// Expand looks up the current subscribers of dt's tag and returns one request
// per batch, in registry order. Every request carries dt's delay unchanged.
//
// A tag without subscribers yields no requests and no error, even when the
// API key is missing.
func (x *Expander) Expand(ctx context.Context, dt DelayedTag) ([]DelayedRequest, error) {
	ids, err := x.registry.SubscribedRegistrationIDs(ctx, dt.Tag())
	if err != nil {
		return nil, fmt.Errorf("lookup subscribers of %q: %w", dt.Tag(), err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	key := strings.TrimSpace(x.key())
	if key == "" {
		return nil, ErrMissingAPIKey
	}

	out := make([]DelayedRequest, 0, (len(ids)+x.maxIDs-1)/x.maxIDs)
	for start := 0; start < len(ids); start += x.maxIDs {
		end := start + x.maxIDs
		if end > len(ids) {
			end = len(ids)
		}
		batch := append([]string(nil), ids[start:end]...)

		body, err := json.Marshal(syncPayload{RegistrationIDs: batch, Data: syncData{Tag: dt.Tag().Name()}})
		if err != nil {
			return nil, fmt.Errorf("encode payload for %q: %w", dt.Tag(), err)
		}

		h := http.Header{}
		h.Set("Authorization", "key="+key)
		h.Set("Content-Type", "application/json")

		out = append(out, NewDelayedRequest(GatewayRequest{
			Method:          http.MethodPost,
			URL:             x.url,
			Header:          h,
			Body:            body,
			Tag:             dt.Tag(),
			RegistrationIDs: batch,
		}, dt.Delay()))
	}
	return out, nil
}
