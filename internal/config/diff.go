package config

import (
	"reflect"
	"strings"

	logx "tagsync/pkg/logx"
)

// Sections that take effect on reload without a restart.
var liveSections = map[string]bool{"logging": true, "triggers": true}

// SummarizeConfigChange returns the changed top-level sections, safe
// structured attrs for logging, and the subset of changed sections that
// only apply after a restart. Secrets are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		mark("gateway",
			logx.Bool("gateway.url_override", strings.TrimSpace(newCfg.Gateway.URL) != ""),
			logx.String("gateway.api_key_env", strings.TrimSpace(newCfg.Gateway.APIKeyEnv)),
			logx.String("gateway.timeout", strings.TrimSpace(newCfg.Gateway.Timeout)),
			logx.Int("gateway.rate_per_sec", newCfg.Gateway.RatePerSec),
			logx.Int("gateway.retry_max", newCfg.Gateway.RetryMaxOrDefault()),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		mark("dispatch",
			logx.String("dispatch.initial_delay", newCfg.Dispatch.InitialDelay),
			logx.Int("dispatch.max_ids_per_request", newCfg.Dispatch.MaxIDsPerRequest),
			logx.String("dispatch.empty_queue_pause", newCfg.Dispatch.EmptyQueuePause),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		mark("http",
			logx.String("http.addr", ListenAddr(newCfg.HTTP)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Kafka, newCfg.Kafka) {
		enabled := newCfg.Kafka != nil && newCfg.Kafka.Enabled
		fields := []logx.Field{logx.Bool("kafka.enabled", enabled)}
		if enabled {
			fields = append(fields, logx.String("kafka.topic", newCfg.Kafka.Topic), logx.Int("kafka.brokers", len(newCfg.Kafka.Brokers)))
		}
		mark("kafka", fields...)
	}

	if !reflect.DeepEqual(oldCfg.Triggers, newCfg.Triggers) {
		mark("triggers", logx.Int("triggers.count", len(newCfg.Triggers)))
	}

	if strings.TrimSpace(oldCfg.EnvFile) != strings.TrimSpace(newCfg.EnvFile) {
		mark("env_file", logx.Bool("env_file.set", strings.TrimSpace(newCfg.EnvFile) != ""))
	}

	var restart []string
	for _, s := range changed {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
