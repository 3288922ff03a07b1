package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"reportd/internal/pipeline"
	"reportd/internal/report"
	"reportd/internal/task/engine"
)

var (
	ErrBusy         = errors.New("schedule is already running")
	errClaimExpired = errors.New("claim expired before the cycle started")
)

// Config controls the daemon. Durations left at zero take defaults.
type Config struct {
	Enabled bool
	// PollInterval is a duration ("30s"), "@every 30s" or a cron spec.
	PollInterval string
	BatchSize    int
	// ClaimTimeout is how long a claim stays live; cycles are cut off before it.
	ClaimTimeout time.Duration

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// RetryMax consecutive failures flag an entry for review.
	RetryMax int

	ConfigErrorBackoff time.Duration
	StorageAlertAfter  int

	// AuditRetention prunes older audit entries from the poll loop, at
	// most once per auditPruneEvery. Zero disables pruning.
	AuditRetention time.Duration

	// Owner identifies this process in claims. Empty derives host-pid-random.
	Owner string
}

func (c Config) withDefaults() Config {
	if c.PollInterval == "" {
		c.PollInterval = "30s"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 15 * time.Minute
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Hour
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}
	if c.ConfigErrorBackoff <= 0 {
		c.ConfigErrorBackoff = 24 * time.Hour
	}
	if c.StorageAlertAfter <= 0 {
		c.StorageAlertAfter = 3
	}
	return c
}

// Backoff is the delay after the n-th consecutive failure (1-based):
// RetryBase doubled per failure, capped at RetryMaxDelay.
func (c Config) Backoff(n int) time.Duration {
	c = c.withDefaults()
	d := c.RetryBase
	for i := 1; i < n && d < c.RetryMaxDelay; i++ {
		d *= 2
	}
	return min(d, c.RetryMaxDelay)
}

// claimMargin is the part of a claim kept back to record the outcome.
func (c Config) claimMargin() time.Duration {
	return c.ClaimTimeout / 10
}

// runTimeout bounds a run that starts the moment its claim is taken.
func (c Config) runTimeout() time.Duration {
	return c.ClaimTimeout - c.claimMargin()
}

// cutoff is when a run holding claim must stop generating.
func (c Config) cutoff(claim report.Claim) time.Time {
	return claim.ExpiresAt.Add(-c.claimMargin())
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "reportd"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Store is the slice of storage the daemon drives.
type Store interface {
	GetSchedule(ctx context.Context, id string) (report.Schedule, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]report.Schedule, error)
	MarkRunning(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (report.Claim, bool, error)
	MarkCompleted(ctx context.Context, c report.Claim, ranAt, nextRunAt time.Time) error
	MarkFailed(ctx context.Context, c report.Claim, f report.Failure) error
	ReleaseClaim(ctx context.Context, c report.Claim) error
	SweepClaims(ctx context.Context, now time.Time) ([]string, error)
	AppendAudit(ctx context.Context, e report.AuditEntry) error
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
}

// Generator runs one generation; *pipeline.Pipeline implements it.
type Generator interface {
	Generate(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// TriggerOptions tune a manual run.
type TriggerOptions struct {
	Force      bool
	ChangeType report.ChangeType
	Reason     string
	Actor      string
}

// Status is a point-in-time view for the ops endpoint.
type Status struct {
	Running       bool            `json:"running"`
	Owner         string          `json:"owner"`
	PollInterval  string          `json:"poll_interval"`
	LastPoll      time.Time       `json:"last_poll,omitempty"`
	LastPollError string          `json:"last_poll_error,omitempty"`
	NextPoll      time.Time       `json:"next_poll,omitempty"`
	NextPollIn    time.Duration   `json:"next_poll_in"`
	Dispatched    uint64          `json:"dispatched"`
	StorageStreak int             `json:"storage_failure_streak"`
	Engine        engine.Snapshot `json:"engine"`
}
