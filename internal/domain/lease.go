package domain

import "time"

// Lease is a time-bound ownership record used for primary election.
type Lease struct {
	Key        string            `json:"key"`
	Owner      string            `json:"owner"`
	ExpiresAt  time.Time         `json:"expires_at"`
	RenewedAt  time.Time         `json:"renewed_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Generation int64             `json:"generation"`
}

func (l *Lease) HeldBy(owner string, now time.Time) bool {
	return l.Owner == owner && l.ExpiresAt.After(now)
}

// LogEntry is one line of a plan execution's log stream.
type LogEntry struct {
	ID              string    `json:"id"`
	PlanExecutionID string    `json:"plan_execution_id"`
	NodeExecutionID string    `json:"node_execution_id,omitempty"`
	Line            string    `json:"line"`
	Timestamp       time.Time `json:"timestamp"`
}
