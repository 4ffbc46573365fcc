package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// maxBatchIDs mirrors the gateway's hard limit of 1000 ids per request.
const maxBatchIDs = 999

// Validate checks every field that can be checked without touching the network
// or the filesystem. Errors are prefixed with the field path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if u := strings.TrimSpace(cfg.Gateway.URL); u != "" {
		pu, err := url.Parse(u)
		if err != nil || (pu.Scheme != "http" && pu.Scheme != "https") || pu.Host == "" {
			add(fmt.Errorf("gateway.url: need an absolute http(s) url, got %q", u))
		}
	}
	dur("gateway.timeout", cfg.Gateway.Timeout)
	if cfg.Gateway.RatePerSec < 0 {
		add(errors.New("gateway.rate_per_sec: must be >= 0"))
	}
	if cfg.Gateway.Burst < 0 {
		add(errors.New("gateway.burst: must be >= 0"))
	}
	if cfg.Gateway.RetryMax != nil && *cfg.Gateway.RetryMax < 0 {
		add(errors.New("gateway.retry_max: must be >= 0"))
	}

	dur("dispatch.initial_delay", cfg.Dispatch.InitialDelay)
	dur("dispatch.empty_queue_pause", cfg.Dispatch.EmptyQueuePause)
	if n := cfg.Dispatch.MaxIDsPerRequest; n < 0 || n > maxBatchIDs {
		add(fmt.Errorf("dispatch.max_ids_per_request: must be between 1 and %d, got %d", maxBatchIDs, n))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path: required for driver %q", d))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", d))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	dur("storage.retention", cfg.Storage.Retention)

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)

	if k := cfg.Kafka; k != nil && k.Enabled {
		if len(k.Brokers) == 0 {
			add(errors.New("kafka.brokers: required when kafka is enabled"))
		}
		if strings.TrimSpace(k.Topic) == "" {
			add(errors.New("kafka.topic: required when kafka is enabled"))
		}
	}

	for i, tr := range cfg.Triggers {
		if strings.TrimSpace(tr.Tag) == "" {
			add(fmt.Errorf("triggers[%d].tag: required", i))
		}
		if strings.TrimSpace(tr.Schedule) == "" {
			add(fmt.Errorf("triggers[%d].schedule: required", i))
		}
	}

	return errors.Join(errs...)
}
