package config

import (
	"reflect"
	"sort"
	"strings"

	logx "reportd/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, passwords, DSNs) are only
// ever reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
			logx.Bool("logging.alert_token_set", set(newCfg.Logging.Alert.SlackToken)),
		)
	}

	o, n := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(strings.TrimSpace(o.Driver), strings.TrimSpace(n.Driver)) ||
		strings.TrimSpace(o.Path) != strings.TrimSpace(n.Path) ||
		o.DSN != n.DSN ||
		strings.TrimSpace(o.BusyTimeout) != strings.TrimSpace(n.BusyTimeout) ||
		o.MaxOpenConns != n.MaxOpenConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(n.Driver)),
			logx.Bool("storage.path_set", set(n.Path)),
			logx.Bool("storage.dsn_set", set(n.DSN)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.poll_interval", strings.TrimSpace(s.PollInterval)),
			logx.String("scheduler.claim_timeout", strings.TrimSpace(s.ClaimTimeout)),
			logx.Int("scheduler.retry_max", s.RetryMax),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := newCfg.Scheduler.Enabled
		if nTE.Enabled != nil {
			enabled = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
		attrs = append(attrs,
			logx.Int("pipeline.input_retry_max", newCfg.Pipeline.InputRetryMax),
			logx.Int("pipeline.banned_terms", len(newCfg.Pipeline.BannedTerms)),
			logx.String("pipeline.artifact_dir", newCfg.Pipeline.ArtifactDir),
		)
	}

	oD, nD := derefDelivery(oldCfg.Delivery), derefDelivery(newCfg.Delivery)
	if !reflect.DeepEqual(oD, nD) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Bool("delivery.enabled", nD.Enabled),
			logx.Int("delivery.workers", nD.Workers),
			logx.Int("delivery.rate_per_sec", nD.RatePerSec),
			logx.Int("delivery.retry_max", nD.RetryMax),
			logx.Bool("delivery.smtp_set", set(nD.SMTP.Host)),
			logx.Bool("delivery.telegram_set", set(nD.Telegram.Token)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", set(newCfg.Ops.Token)),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed keys that only take effect after a restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if oldCfg.Pipeline.ArtifactDir != newCfg.Pipeline.ArtifactDir {
		out = append(out, "pipeline.artifact_dir")
	}
	if oldCfg.Pipeline.SourceDir != newCfg.Pipeline.SourceDir {
		out = append(out, "pipeline.source_dir")
	}
	oD, nD := derefDelivery(oldCfg.Delivery), derefDelivery(newCfg.Delivery)
	if oD.SMTP != nD.SMTP {
		out = append(out, "delivery.smtp")
	}
	if oD.Telegram != nD.Telegram {
		out = append(out, "delivery.telegram")
	}
	if oldCfg.Logging.Alert.SlackToken != newCfg.Logging.Alert.SlackToken {
		out = append(out, "logging.alert.slack_token")
	}
	return out
}

func set(s string) bool { return strings.TrimSpace(s) != "" }

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefDelivery(d *DeliveryConfig) DeliveryConfig {
	if d == nil {
		return DeliveryConfig{}
	}
	return *d
}
