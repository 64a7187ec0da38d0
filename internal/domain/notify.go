package domain

import "time"

// ResultStatus is the outcome carried by a delivered notification.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailure ResultStatus = "FAILURE"
	ResultError   ResultStatus = "ERROR"
)

// NotifyResult is delivered through the wait/notify registry to a suspended node.
type NotifyResult struct {
	CorrelationID string         `json:"correlation_id"`
	Status        ResultStatus   `json:"status"`
	Payload       map[string]any `json:"payload,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Expired       bool           `json:"expired,omitempty"`
	FailureTypes  []FailureType  `json:"failure_types,omitempty"`
	DeliveredAt   time.Time      `json:"delivered_at"`
}

func (r NotifyResult) Succeeded() bool {
	return r.Status == ResultSuccess
}

// WaitRecord persists a registration or an early delivery for a correlation id.
type WaitRecord struct {
	CorrelationID string        `json:"correlation_id"`
	WaiterID      string        `json:"waiter_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	Delivered     bool          `json:"delivered"`
	Cancelled     bool          `json:"cancelled"`
	Result        *NotifyResult `json:"result,omitempty"`
	Version       int64         `json:"version"`
}

// Done reports whether the wait can no longer accept a delivery.
func (w *WaitRecord) Done() bool {
	return w.Delivered || w.Cancelled
}
