package glowq

// Status represents the lifecycle state of a job. Each status maps to one
// sorted set in Redis and a job is a member of exactly one of them.
type Status string

const (
	// StatusPending contains jobs waiting to be claimed, scored by priority.
	StatusPending Status = "pending"
	// StatusProcessing contains claimed jobs, scored by claim time (ms).
	StatusProcessing Status = "processing"
	// StatusCompleted contains jobs whose handler succeeded, scored by completion time (ms).
	StatusCompleted Status = "completed"
	// StatusFailed contains jobs whose handler failed, scored by failure time (ms).
	StatusFailed Status = "failed"
)

// AllStatuses lists every valid job status in a stable order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// ParseStatus converts a string into a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	switch s {
	case string(StatusPending):
		return StatusPending, nil
	case string(StatusProcessing):
		return StatusProcessing, nil
	case string(StatusCompleted):
		return StatusCompleted, nil
	case string(StatusFailed):
		return StatusFailed, nil
	default:
		return "", ErrUnknownStatus
	}
}
