package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "gateway": {"api_key_env": "GCM_KEY", "timeout": "5s", "rate_per_sec": 20, "retry_max": 2},
  "dispatch": {"initial_delay": "55ms", "max_ids_per_request": 950, "empty_queue_pause": "1s"},
  "storage": {"driver": "sqlite", "path": "./data/tagsync.db", "busy_timeout": "2s"},
  "http": {"addr": ":9000", "pprof": true},
  "triggers": [{"tag": "patch", "schedule": "@hourly"}]
}`

const sampleYAML = `
logging:
  level: info
  console: true
gateway:
  timeout: 10s
dispatch:
  max_ids_per_request: 500
storage:
  driver: file
  path: ./data/subs
triggers:
  - tag: news
    schedule: "01:00"
`

func TestParseBytesJSON(t *testing.T) {
	t.Parallel()
	cfg, err := ParseBytes("config.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if cfg.Gateway.APIKeyEnv != "GCM_KEY" || cfg.Gateway.RetryMaxOrDefault() != 2 {
		t.Fatalf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Storage.Driver != "sqlite" || len(cfg.Triggers) != 1 || cfg.Triggers[0].Tag != "patch" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseBytesYAML(t *testing.T) {
	t.Parallel()
	cfg, err := ParseBytes("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if cfg.Dispatch.MaxIDsPerRequest != 500 || cfg.Storage.Path != "./data/subs" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Triggers[0].Schedule != "01:00" {
		t.Fatalf("schedule = %q", cfg.Triggers[0].Schedule)
	}
	if cfg.Gateway.RetryMaxOrDefault() != DefaultRetryMax {
		t.Fatalf("retry_max default not applied")
	}
}

func TestParseBytesStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		data string
	}{
		{name: "unknown field", file: "c.json", data: `{"gateway":{"api_key":"secret"}}`},
		{name: "trailing data", file: "c.json", data: `{} {}`},
		{name: "unknown yaml field", file: "c.yml", data: "http:\n  port: 80\n"},
		{name: "bad yaml", file: "c.yaml", data: "logging: [\n"},
	}
	for _, tt := range tests {
		if _, err := ParseBytes(tt.file, []byte(tt.data)); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	neg := -1
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "bad timeout", cfg: Config{Gateway: GatewayConfig{Timeout: "soon"}}, want: "gateway.timeout"},
		{name: "relative url", cfg: Config{Gateway: GatewayConfig{URL: "/send"}}, want: "gateway.url"},
		{name: "negative retry", cfg: Config{Gateway: GatewayConfig{RetryMax: &neg}}, want: "gateway.retry_max"},
		{name: "batch too large", cfg: Config{Dispatch: DispatchConfig{MaxIDsPerRequest: 1000}}, want: "dispatch.max_ids_per_request"},
		{name: "negative pause", cfg: Config{Dispatch: DispatchConfig{EmptyQueuePause: "-1s"}}, want: "dispatch.empty_queue_pause"},
		{name: "sqlite without path", cfg: Config{Storage: StorageConfig{Driver: "sqlite"}}, want: "storage.path"},
		{name: "unknown driver", cfg: Config{Storage: StorageConfig{Driver: "dynamo"}}, want: "storage.driver"},
		{name: "kafka without topic", cfg: Config{Kafka: &KafkaConfig{Enabled: true, Brokers: []string{"b:9092"}}}, want: "kafka.topic"},
		{name: "trigger without tag", cfg: Config{Triggers: []TriggerConfig{{Schedule: "1h"}}}, want: "triggers[0].tag"},
	}
	for _, tt := range tests {
		err := Validate(&tt.cfg)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: err = %v, want mention of %s", tt.name, err, tt.want)
		}
	}
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("zero config should be valid: %v", err)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Second)
	if err != nil || d != time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("250ms = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x.y", "abc", time.Second); err == nil || !strings.HasPrefix(err.Error(), "x.y:") {
		t.Fatalf("err = %v, want field-prefixed error", err)
	}
}

func TestListenAddr(t *testing.T) {
	t.Setenv("PORT", "")
	if got := ListenAddr(HTTPConfig{}); got != ":8080" {
		t.Fatalf("default = %q", got)
	}
	t.Setenv("PORT", "5000")
	if got := ListenAddr(HTTPConfig{}); got != ":5000" {
		t.Fatalf("PORT fallback = %q", got)
	}
	if got := ListenAddr(HTTPConfig{Addr: "127.0.0.1:7000"}); got != "127.0.0.1:7000" {
		t.Fatalf("explicit = %q", got)
	}
}

func TestLoadEnvFileAndAPIKeySource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TAGSYNC_TEST_KEY=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TAGSYNC_TEST_KEY", "")
	os.Unsetenv("TAGSYNC_TEST_KEY")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	key := APIKeySource(GatewayConfig{APIKeyEnv: "TAGSYNC_TEST_KEY"})
	if got := key(); got != "from-file" {
		t.Fatalf("key = %q, want from-file", got)
	}
	t.Setenv("TAGSYNC_TEST_KEY", "rotated")
	if got := key(); got != "rotated" {
		t.Fatalf("key after rotation = %q", got)
	}

	if err := LoadEnvFile(""); err != nil {
		t.Fatalf("empty path: %v", err)
	}
	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err == nil {
		t.Fatal("expected error for missing env file")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, _ := ParseBytes("c.json", []byte(sampleJSON))
	newCfg, _ := ParseBytes("c.json", []byte(sampleJSON))
	newCfg.Logging.Level = "info"
	newCfg.Triggers = append(newCfg.Triggers, TriggerConfig{Tag: "news", Schedule: "1h"})
	newCfg.Storage.Path = "./other.db"

	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "logging,storage,triggers" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "storage" {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}

	if changed, _, _ := SummarizeConfigChange(oldCfg, oldCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestManagerLoadRunsValidator(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tagsync.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	boom := errors.New("rejected")
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return boom })
	if _, err := m.Load(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Load err = %v, want validator error", err)
	}
	if m.Get() != nil {
		t.Fatal("rejected config must not be committed")
	}

	m.SetValidator(nil)
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestManagerWatchPublishesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tagsync.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	updated := strings.Replace(sampleJSON, `"level": "debug"`, `"level": "warn"`, 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "warn" {
				t.Fatalf("published level = %q", cfg.Logging.Level)
			}
			cancel()
			<-done
			return
		case <-tick.C:
			// Rewrite until the watcher is up and sees it.
			_ = os.WriteFile(path, []byte(updated), 0o600)
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}
