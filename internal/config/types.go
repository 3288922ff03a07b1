package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "15m").
// Unknown keys are rejected so typos surface on reload instead of being
// silently ignored.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of claimed cycles. If omitted, the
	// engine follows scheduler.enabled with default sizing.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Pipeline PipelineConfig  `json:"pipeline"`
	Delivery *DeliveryConfig `json:"delivery,omitempty"`
	Ops      OpsConfig       `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards high-severity log lines to Slack.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	SlackToken string `json:"slack_token,omitempty"` // do not log
	Channel    string `json:"channel,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./reportd.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://reportd@db/reportd" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // do not log
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// SchedulerConfig controls polling for due entries and the retry policy
// applied to failed cycles.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Owner identifies this process in claims. Defaults to host-pid-random.
	Owner string `json:"owner,omitempty"`

	// PollInterval accepts "30s", "@every 1m" or a cron expression.
	PollInterval string `json:"poll_interval,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
	ClaimTimeout string `json:"claim_timeout,omitempty"`

	RetryBase          string `json:"retry_base,omitempty"`
	RetryMaxDelay      string `json:"retry_max_delay,omitempty"`
	RetryMax           int    `json:"retry_max,omitempty"`
	ConfigErrorBackoff string `json:"config_error_backoff,omitempty"`
	StorageAlertAfter  int    `json:"storage_alert_after,omitempty"`

	// AuditRetention drops audit entries older than this ("2555d").
	// Empty keeps them forever.
	AuditRetention string `json:"audit_retention,omitempty"`
}

// TaskEngineConfig controls the worker pool running report cycles.
//
// Enabled is a pointer so we can distinguish "omitted" (default to
// scheduler.enabled) from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled; cycles carry their own)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// PipelineConfig controls input gathering, compliance and artifact output.
type PipelineConfig struct {
	InputRetryMax      int      `json:"input_retry_max,omitempty"`
	InputRetryBase     string   `json:"input_retry_base,omitempty"`
	InputRetryMaxDelay string   `json:"input_retry_max_delay,omitempty"`
	InputTimeout       string   `json:"input_timeout,omitempty"`
	DefaultActor       string   `json:"default_actor,omitempty"`
	BannedTerms        []string `json:"banned_terms,omitempty"`

	// ArtifactDir receives rendered artifacts. Default: ./artifacts
	ArtifactDir string `json:"artifact_dir,omitempty"`
	// SourceDir backs the "file" data source. Empty disables it.
	SourceDir string `json:"source_dir,omitempty"`
}

// DeliveryConfig controls the async delivery queue and its channels.
// If the whole section is omitted, delivery is disabled.
type DeliveryConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	SMTP     SMTPConfig     `json:"smtp,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type SMTPConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	From     string `json:"from,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"` // do not log
}

// OpsConfig controls the operational HTTP server (status, manual
// triggers, metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8081").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8081"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts /debug/pprof/ on the same listener.
	Pprof                bool `json:"pprof,omitempty"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`
}
