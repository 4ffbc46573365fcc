package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tagsync/internal/dispatch"
	logx "tagsync/pkg/logx"
)

// ClientConfig tunes the HTTP transport.
type ClientConfig struct {
	Timeout      time.Duration // per attempt; default 10s
	RatePerSec   int           // 0 disables rate limiting
	Burst        int           // default RatePerSec
	MaxBodyBytes int64         // response bytes kept in Result.Body; default DefaultMaxBodyBytes
}

// DefaultMaxBodyBytes fits the multicast response of a full batch, canonical ids included.
const DefaultMaxBodyBytes = 1 << 20

// Client performs delivery attempts. It is safe for concurrent use.
type Client struct {
	hc      *http.Client
	cfg     ClientConfig
	limiter *rate.Limiter
	log     logx.Logger
}

var _ dispatch.Transport = (*Client)(nil)

func NewClient(cfg ClientConfig, hc *http.Client, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if hc == nil {
		hc = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{hc: hc, cfg: cfg, log: log}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.RatePerSec
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return c
}

// Perform sends req once. The returned Outcome is always a *Result.
func (c *Client) Perform(ctx context.Context, req dispatch.GatewayRequest) dispatch.Outcome {
	res := &Result{AttemptID: uuid.NewString()}
	start := time.Now()
	defer func() { res.Took = time.Since(start) }()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			res.err = fmt.Errorf("rate limit wait: %w", err)
			return res
		}
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(actx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		res.err = fmt.Errorf("build request: %w", err)
		return res
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}

	resp, err := c.hc.Do(hreq)
	if err != nil {
		res.err = err
		return res
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	res.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		c.log.Debug("gateway response body read failed", logx.String("attempt", res.AttemptID), logx.Err(err))
	}
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		body = body[:c.cfg.MaxBodyBytes]
		res.Truncated = true
	}
	res.Body = body
	// Drain the rest so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return res
}
