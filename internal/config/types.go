package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "55ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Gateway  GatewayConfig   `json:"gateway"`
	Dispatch DispatchConfig  `json:"dispatch"`
	Storage  StorageConfig   `json:"storage"`
	HTTP     HTTPConfig      `json:"http"`
	Kafka    *KafkaConfig    `json:"kafka,omitempty"`
	Triggers []TriggerConfig `json:"triggers,omitempty"`

	// EnvFile is an optional dotenv file loaded before the API key is read.
	// Variables already present in the environment win.
	EnvFile string `json:"env_file,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// GatewayConfig controls the messaging gateway client.
//
// The API key itself never appears in the config file; it is read from the
// environment variable named by APIKeyEnv (default "API_KEY").
//
// Defaults (when fields are omitted/zero):
//   - url: the packaged gateway url
//   - timeout: "10s"
//   - rate_per_sec: 0 (unlimited)
//   - retry_max: 3
type GatewayConfig struct {
	URL        string `json:"url,omitempty"`
	APIKeyEnv  string `json:"api_key_env,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Burst      int    `json:"burst,omitempty"`
	RetryMax   *int   `json:"retry_max,omitempty"`
}

// DispatchConfig tunes the dispatch engine.
//
// Defaults: initial_delay "55ms", max_ids_per_request 950, empty_queue_pause "1s".
type DispatchConfig struct {
	InitialDelay     string `json:"initial_delay,omitempty"`
	MaxIDsPerRequest int    `json:"max_ids_per_request,omitempty"`
	EmptyQueuePause  string `json:"empty_queue_pause,omitempty"`
}

// StorageConfig selects the subscription registry backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tagsync.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // memory | file | sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retention   string `json:"retention,omitempty"`    // delivery audit rows
}

// HTTPConfig controls the intake API listener.
//
// An empty addr falls back to ":$PORT", then ":8080".
// Token, when set, is required as a bearer token on /v1 routes (never logged).
type HTTPConfig struct {
	Addr            string `json:"addr,omitempty"`
	Token           string `json:"token,omitempty"`
	Pprof           bool   `json:"pprof,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// KafkaConfig enables a topic consumer that turns {"tag":"..."} messages into
// tag syncs. The section may be omitted.
type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	GroupID string   `json:"group_id,omitempty"`
}

// TriggerConfig submits a sync for Tag on Schedule.
//
// Schedule accepts cron ("0 * * * *", "@hourly"), a Go duration ("1h") or HH:MM ("01:00").
type TriggerConfig struct {
	Tag      string `json:"tag"`
	Schedule string `json:"schedule"`
}

const (
	DefaultAPIKeyEnv = "API_KEY"
	DefaultRetryMax  = 3
	DefaultHTTPPort  = "8080"
)

// RetryMaxOrDefault returns the configured retry budget, or DefaultRetryMax when omitted.
func (g GatewayConfig) RetryMaxOrDefault() int {
	if g.RetryMax == nil {
		return DefaultRetryMax
	}
	return *g.RetryMax
}
