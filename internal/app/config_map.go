package app

import (
	"fmt"
	"strings"
	"time"

	"reportd/internal/config"
	"reportd/internal/delivery"
	"reportd/internal/observability/ops"
	"reportd/internal/pipeline"
	"reportd/internal/storage"
	"reportd/internal/task/engine"
	"reportd/internal/task/scheduler"
	"reportd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			Channel:    l.Alert.Channel,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "":
		return storage.Config{}, fmt.Errorf("storage.driver is required (sqlite or postgres)")
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxOpenConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_open_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Workers:     2,
		QueueSize:   256,
		HistorySize: 200,
		// Cycles record their own failures; the engine never retries them.
		RetryMax: -1,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !out.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size and history_size must be >= 0")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	if s.BatchSize < 0 || s.RetryMax < 0 || s.StorageAlertAfter < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler: batch_size, retry_max and storage_alert_after must be >= 0")
	}
	out := scheduler.Config{
		Enabled:           s.Enabled,
		Owner:             strings.TrimSpace(s.Owner),
		PollInterval:      strings.TrimSpace(s.PollInterval),
		BatchSize:         s.BatchSize,
		RetryMax:          s.RetryMax,
		StorageAlertAfter: s.StorageAlertAfter,
	}
	if out.PollInterval != "" {
		if _, err := scheduler.ParseSchedule(out.PollInterval); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.poll_interval: %w", err)
		}
	}
	fields := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"scheduler.claim_timeout", s.ClaimTimeout, &out.ClaimTimeout},
		{"scheduler.retry_base", s.RetryBase, &out.RetryBase},
		{"scheduler.retry_max_delay", s.RetryMaxDelay, &out.RetryMaxDelay},
		{"scheduler.config_error_backoff", s.ConfigErrorBackoff, &out.ConfigErrorBackoff},
		{"scheduler.audit_retention", s.AuditRetention, &out.AuditRetention},
	}
	for _, f := range fields {
		d, err := config.ParseDurationField(f.key, f.raw)
		if err != nil {
			return scheduler.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

func mapPipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	p := cfg.Pipeline
	out := pipeline.Config{
		InputRetryMax: p.InputRetryMax,
		DefaultActor:  strings.TrimSpace(p.DefaultActor),
		BannedTerms:   p.BannedTerms,
	}
	var err error
	if out.InputRetryBase, err = config.ParseDurationField("pipeline.input_retry_base", p.InputRetryBase); err != nil {
		return pipeline.Config{}, err
	}
	if out.InputRetryMaxDelay, err = config.ParseDurationField("pipeline.input_retry_max_delay", p.InputRetryMaxDelay); err != nil {
		return pipeline.Config{}, err
	}
	if out.InputTimeout, err = config.ParseDurationField("pipeline.input_timeout", p.InputTimeout); err != nil {
		return pipeline.Config{}, err
	}
	return out, nil
}

func artifactDir(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Pipeline.ArtifactDir); d != "" {
		return d
	}
	return "./artifacts"
}

// mapDeliveryConfig treats an omitted section as disabled.
func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	d := cfg.Delivery
	if d == nil {
		return delivery.Config{}, nil
	}
	if d.Workers < 0 || d.QueueSize < 0 || d.RatePerSec < 0 || d.RetryMax < 0 || d.DedupMaxEntries < 0 {
		return delivery.Config{}, fmt.Errorf("delivery: numeric settings must be >= 0")
	}
	out := delivery.Config{
		Enabled:         d.Enabled,
		Workers:         d.Workers,
		QueueSize:       d.QueueSize,
		RatePerSec:      d.RatePerSec,
		RetryMax:        d.RetryMax,
		DedupMaxEntries: d.DedupMaxEntries,
		PersistDedup:    d.PersistDedup,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("delivery.retry_base", d.RetryBase); err != nil {
		return delivery.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("delivery.retry_max_delay", d.RetryMaxDelay); err != nil {
		return delivery.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("delivery.send_timeout", d.SendTimeout); err != nil {
		return delivery.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("delivery.dedup_window", d.DedupWindow, 24*time.Hour); err != nil {
		return delivery.Config{}, err
	}
	return out, nil
}

// senders builds the configured channels. Order matters: Telegram claims
// "tg:" recipients before SMTP sees them.
func senders(cfg *config.Config) ([]delivery.Sender, error) {
	d := cfg.Delivery
	if d == nil {
		return nil, nil
	}
	var out []delivery.Sender
	tg, err := delivery.NewTelegramSender(d.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("delivery.telegram: %w", err)
	}
	if tg != nil {
		out = append(out, tg)
	}
	if smtp := delivery.NewSMTPSender(delivery.SMTPConfig(d.SMTP)); smtp != nil {
		out = append(out, smtp)
	}
	return out, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	out := ops.Config{
		Enabled:              o.Enabled,
		Addr:                 strings.TrimSpace(o.Addr),
		Token:                strings.TrimSpace(o.Token),
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	// Profiles and manual triggers can run long; 0 keeps writes unbounded.
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", o.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

// validateConfig rejects a config before it is committed on reload.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPipelineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	_, err := mapOpsConfig(cfg)
	return err
}
