package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"reportd/internal/report"
)

type Config struct {
	// InputRetryMax bounds extra fetch attempts per data source.
	InputRetryMax int
	// InputRetryBase and InputRetryMaxDelay shape the per-source backoff.
	InputRetryBase     time.Duration
	InputRetryMaxDelay time.Duration
	// InputTimeout bounds a single fetch attempt.
	InputTimeout time.Duration
	// DefaultActor is recorded as created_by when the request names none.
	DefaultActor string
	// BannedTerms feeds the banned-term compliance rule.
	BannedTerms []string
}

func (c Config) withDefaults() Config {
	if c.InputRetryMax < 0 {
		c.InputRetryMax = 0
	} else if c.InputRetryMax == 0 {
		c.InputRetryMax = 2
	}
	if c.InputRetryBase <= 0 {
		c.InputRetryBase = 200 * time.Millisecond
	}
	if c.InputRetryMaxDelay <= 0 {
		c.InputRetryMaxDelay = 5 * time.Second
	}
	if c.InputTimeout <= 0 {
		c.InputTimeout = 30 * time.Second
	}
	if c.DefaultActor == "" {
		c.DefaultActor = "scheduler"
	}
	return c
}

// Data is what a source returns for one generation, keyed by section key.
// Confidence is set by probabilistic sources (forecasts, estimates).
type Data struct {
	Sections   map[string]any
	Confidence *float64
}

// FetchRequest carries the sections a source is asked to fill.
type FetchRequest struct {
	ReportID string
	Template report.Template
	Sections []report.Section
	Params   map[string]any
}

// DataSource supplies section data. Errors wrapped with engine.NoRetry stop
// the retry loop; engine.RetryAfter hints the next delay.
type DataSource interface {
	Name() string
	Fetch(ctx context.Context, req FetchRequest) (Data, error)
}

// Renderer produces an artifact from version content.
type Renderer interface {
	Render(ctx context.Context, req report.RenderRequest) (report.Artifact, error)
}

// Deliverer queues an artifact for its recipients.
type Deliverer interface {
	Deliver(ctx context.Context, d report.Delivery) error
}

// Request describes one generation. Schedule is nil for ad-hoc reports, in
// which case TemplateID and ReportID are required.
type Request struct {
	Schedule   *report.Schedule
	ReportID   string
	TemplateID string
	Params     json.RawMessage
	Recipients []string
	Format     report.Format

	ChangeType   report.ChangeType
	ChangeReason string
	Actor        string

	// Force writes a new version even when the content hash is unchanged.
	Force bool
	// FinalAttempt records a failed version when inputs cannot be gathered
	// instead of returning ErrInputUnavailable.
	FinalAttempt bool
}

type Result struct {
	Version report.Version
	// Created is false when the content was unchanged and nothing was written.
	Created bool
	// InputErr is set when the version was recorded as failed because inputs
	// were unavailable on the final attempt.
	InputErr error

	Artifact    *report.Artifact
	RenderErr   error
	DeliveryErr error
}
