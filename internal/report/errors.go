package report

import "errors"

var (
	// ErrConfiguration marks a schedule or template that cannot run until an
	// owner fixes it (e.g. weekly cadence without a day of week).
	ErrConfiguration = errors.New("report: configuration error")
	// ErrTemplateMissing is returned when the referenced template was deleted
	// or deactivated.
	ErrTemplateMissing = errors.New("report: template missing")
	// ErrInputUnavailable wraps failures of external data sources.
	ErrInputUnavailable = errors.New("report: input unavailable")
	// ErrComplianceFailure is informational: the version was written with
	// status failed.
	ErrComplianceFailure = errors.New("report: compliance failure")
	// ErrStorage is the only class of error that is fatal to a cycle.
	ErrStorage = errors.New("report: storage failure")
	ErrRender  = errors.New("report: render failure")
	// ErrDelivery is returned by delivery collaborators.
	ErrDelivery = errors.New("report: delivery failure")

	ErrNotFound  = errors.New("report: not found")
	ErrClaimLost = errors.New("report: claim lost")
)

// Kind classifies err into the coarse outcome the scheduler acts on.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrClaimLost):
		return "claim_lost"
	case errors.Is(err, ErrTemplateMissing):
		return "template_missing"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrInputUnavailable):
		return "input_unavailable"
	case errors.Is(err, ErrRender):
		return "render"
	case errors.Is(err, ErrDelivery):
		return "delivery"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "unknown"
	}
}
