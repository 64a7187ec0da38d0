package domain

// Status is the lifecycle state of a node execution or a plan execution.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusAborted   Status = "ABORTED"
	StatusExpired   Status = "EXPIRED"
	StatusSkipped   Status = "SKIPPED"
	StatusWaiting   Status = "WAITING"
)

var allStatuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusAborted,
	StatusExpired,
	StatusSkipped,
	StatusWaiting,
}

// AllStatuses returns every known status in declaration order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// IsFinal reports whether s is terminal. Terminal statuses are never overwritten.
func (s Status) IsFinal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted, StatusExpired, StatusSkipped:
		return true
	}
	return false
}

// IsPositive reports whether the status lets a chain advance to its next node.
func (s Status) IsPositive() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

func (s Status) IsValid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// NonFinalStatuses lists the statuses a compare-and-swap may transition out of.
func NonFinalStatuses() []Status {
	return []Status{StatusQueued, StatusRunning, StatusWaiting}
}

// FinalStatuses lists every terminal status.
func FinalStatuses() []Status {
	return []Status{StatusSucceeded, StatusFailed, StatusAborted, StatusExpired, StatusSkipped}
}
