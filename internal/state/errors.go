package state

import "errors"

// Error taxonomy shared by all components.
// Only ErrInvariantViolation is allowed to surface as a hard failure.
var (
	ErrSafetyBlocked      = errors.New("query blocked by safety gate")
	ErrSourceEmpty        = errors.New("source returned no data")
	ErrSourceError        = errors.New("source call failed")
	ErrParseError         = errors.New("model returned non-conforming output")
	ErrWorkflowTimeout    = errors.New("workflow deadline exceeded")
	ErrInvariantViolation = errors.New("request state invariant violated")
)

// Kind returns a short label for err suitable for metrics
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrSafetyBlocked):
		return "safety_blocked"
	case errors.Is(err, ErrSourceEmpty):
		return "source_empty"
	case errors.Is(err, ErrSourceError):
		return "source_error"
	case errors.Is(err, ErrParseError):
		return "parse_error"
	case errors.Is(err, ErrWorkflowTimeout):
		return "workflow_timeout"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "unknown"
	}
}
