package delivery

import (
	"context"
	"time"

	"reportd/internal/report"
)

type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// SendTimeout bounds a single send attempt.
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Message is one artifact addressed to one recipient.
type Message struct {
	Recipient string
	Subject   string
	Body      string
	Artifact  report.Artifact
	ReportID  string
	VersionID string
	Version   int
}

// Sender is a delivery channel.
type Sender interface {
	Channel() string
	Accepts(recipient string) bool
	Send(ctx context.Context, m Message) error
}

// Store persists dedup windows and the delivery audit trail.
type Store interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
	AppendAudit(ctx context.Context, e report.AuditEntry) error
}

type HistoryItem struct {
	At        time.Time `json:"at"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	VersionID string    `json:"version_id"`
	Error     string    `json:"error,omitempty"`
}
