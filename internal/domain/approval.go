package domain

import "time"

// ApprovalStatus is the state of an approval instance. Everything except WAITING is final.
type ApprovalStatus string

const (
	ApprovalWaiting  ApprovalStatus = "WAITING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalAborted  ApprovalStatus = "ABORTED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

func (s ApprovalStatus) IsFinal() bool {
	return s != ApprovalWaiting
}

// NodeStatus maps a final approval status onto the status of the node waiting on it.
func (s ApprovalStatus) NodeStatus() Status {
	switch s {
	case ApprovalApproved:
		return StatusSucceeded
	case ApprovalRejected:
		return StatusFailed
	case ApprovalAborted:
		return StatusAborted
	case ApprovalExpired:
		return StatusExpired
	}
	return StatusWaiting
}

type ApprovalAction string

const (
	ActionApprove ApprovalAction = "APPROVE"
	ActionReject  ApprovalAction = "REJECT"
)

// ApprovalActivity is one recorded decision.
type ApprovalActivity struct {
	Actor      string            `json:"actor"`
	Action     ApprovalAction    `json:"action"`
	Comments   string            `json:"comments,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// ApprovalRequest is an incoming decision for an approval instance.
type ApprovalRequest struct {
	Action   ApprovalAction    `json:"action"`
	Comments string            `json:"comments,omitempty"`
	Inputs   map[string]string `json:"inputs,omitempty"`
}

// ApprovalInstance is the durable state of one approval gate.
type ApprovalInstance struct {
	ID              string             `json:"id"`
	NodeExecutionID string             `json:"node_execution_id"`
	PlanExecutionID string             `json:"plan_execution_id"`
	Ambiance        Ambiance           `json:"ambiance"`
	Status          ApprovalStatus     `json:"status"`
	Message         string             `json:"message,omitempty"`
	MinimumCount    int                `json:"minimum_count"`
	Approvers       []string           `json:"approvers,omitempty"`
	Activities      []ApprovalActivity `json:"activities,omitempty"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	Deadline        time.Time          `json:"deadline"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	Version         int64              `json:"version"`
}

// HasExpired reports whether the deadline has passed at now.
func (a *ApprovalInstance) HasExpired(now time.Time) bool {
	return !a.Deadline.IsZero() && a.Deadline.Before(now)
}

// ApprovalCount counts recorded approve activities.
func (a *ApprovalInstance) ApprovalCount() int {
	count := 0
	for _, activity := range a.Activities {
		if activity.Action == ActionApprove {
			count++
		}
	}
	return count
}

func (a *ApprovalInstance) HasActed(actor string) bool {
	for _, activity := range a.Activities {
		if activity.Actor == actor {
			return true
		}
	}
	return false
}

// CanAct reports whether actor is allowed to decide. An empty approver list allows anyone.
func (a *ApprovalInstance) CanAct(actor string) bool {
	if len(a.Approvers) == 0 {
		return true
	}
	for _, approver := range a.Approvers {
		if approver == actor {
			return true
		}
	}
	return false
}
