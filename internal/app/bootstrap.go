package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tagsync/internal/config"
	"tagsync/internal/dispatch"
	"tagsync/internal/gateway"
	"tagsync/internal/intake"
	"tagsync/internal/trigger"
	logx "tagsync/pkg/logx"
)

const defaultShutdownTimeout = 10 * time.Second

func mapLogConfig(l config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

func mapClientConfig(g config.GatewayConfig) (gateway.ClientConfig, error) {
	timeout, err := config.ParseDurationField("gateway.timeout", g.Timeout)
	if err != nil {
		return gateway.ClientConfig{}, err
	}
	return gateway.ClientConfig{Timeout: timeout, RatePerSec: g.RatePerSec, Burst: g.Burst}, nil
}

func mapDispatchConfig(d config.DispatchConfig) (dispatch.Config, error) {
	initial, err := config.ParseDurationField("dispatch.initial_delay", d.InitialDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	pause, err := config.ParseDurationField("dispatch.empty_queue_pause", d.EmptyQueuePause)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{InitialDelay: initial, EmptyQueuePause: pause}, nil
}

// mapServerConfig returns the listener config and the graceful shutdown budget.
func mapServerConfig(h config.HTTPConfig) (intake.ServerConfig, time.Duration, error) {
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return intake.ServerConfig{}, 0, err
	}
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return intake.ServerConfig{}, 0, err
	}
	shutdown, err := config.ParseDurationOrDefault("http.shutdown_timeout", h.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil {
		return intake.ServerConfig{}, 0, err
	}
	return intake.ServerConfig{Addr: config.ListenAddr(h), ReadTimeout: read, WriteTimeout: write}, shutdown, nil
}

func mapTriggers(in []config.TriggerConfig) []trigger.Trigger {
	out := make([]trigger.Trigger, 0, len(in))
	for _, t := range in {
		out = append(out, trigger.Trigger{Tag: dispatch.Tag(t.Tag), Schedule: t.Schedule})
	}
	return out
}

// validate runs on Load and on every reload, after config.Validate.
// It rejects configs that would only fail once a component is built.
func validate(_ context.Context, cfg *config.Config) error {
	var errs []error
	for i, t := range cfg.Triggers {
		if _, err := trigger.ParseSchedule(t.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("triggers[%d].schedule: %w", i, err))
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := gateway.LoadURL(cfg.Gateway.URL); err != nil {
		errs = append(errs, fmt.Errorf("gateway.url: %w", err))
	}
	return errors.Join(errs...)
}
