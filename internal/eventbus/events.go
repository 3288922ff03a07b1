package eventbus

// Event types published by the daemon and the pipeline.
const (
	TypePollCompleted     = "scheduler.poll"
	TypeClaimRecovered    = "scheduler.claim_recovered"
	TypeCycleCompleted    = "scheduler.cycle_completed"
	TypeCycleFailed       = "scheduler.cycle_failed"
	TypeCycleSkipped      = "scheduler.cycle_skipped"
	TypeNeedsReview       = "scheduler.needs_review"
	TypeStorageAlert      = "scheduler.storage_alert"
	TypeCompliancePending = "compliance.pending"
	TypeVersionCreated    = "version.created"
	TypeVersionSkipped    = "version.skipped"
	TypeRenderFailed      = "delivery.render_failed"
	TypeDeliveryQueued    = "delivery.queued"
	TypeDeliverySent      = "delivery.sent"
	TypeDeliveryFailed    = "delivery.failed"
	TypeDeliveryDeduped   = "delivery.deduped"
)

// CycleEvent is the payload of scheduler cycle events.
type CycleEvent struct {
	ScheduleID string
	VersionID  string
	Version    int
	Outcome    string
	Err        string
	Failures   int
}

// VersionEvent is the payload of version and compliance events.
type VersionEvent struct {
	ReportID   string
	ScheduleID string
	VersionID  string
	Version    int
	Status     string
}

// DeliveryEvent is the payload of delivery events.
type DeliveryEvent struct {
	VersionID string
	Recipient string
	Channel   string
	Err       string
}
