// Package approval implements the approval gate: a node suspends on an
// approval instance until enough approvers decide or the deadline passes.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/metrics"
	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
	"github.com/google/uuid"
)

var waiting = []domain.ApprovalStatus{domain.ApprovalWaiting}

// CreateRequest opens an approval instance for a node execution. A zero
// Deadline is derived from Timeout, or from the configured default.
type CreateRequest struct {
	Execution    *domain.NodeExecution
	Message      string
	MinimumCount int
	Approvers    []string
	Timeout      time.Duration
	Deadline     time.Time
}

type Gate struct {
	config  domain.ApprovalConfig
	store   *storage.Store
	waits   ports.WaitNotify
	plans   ports.PlanStatusUpdater
	logs    ports.LogStream
	metrics *metrics.Collectors
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Gate)

func WithLogStream(logs ports.LogStream) Option {
	return func(g *Gate) {
		g.logs = logs
	}
}

func WithMetrics(collectors *metrics.Collectors) Option {
	return func(g *Gate) {
		g.metrics = collectors
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGate(config domain.ApprovalConfig, store *storage.Store, waits ports.WaitNotify, plans ports.PlanStatusUpdater, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		config: config,
		store:  store,
		waits:  waits,
		plans:  plans,
		logger: logger.With("component", "approval-gate"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Create persists a WAITING approval instance. Its id is the correlation id
// the node suspends on.
func (g *Gate) Create(ctx context.Context, req CreateRequest) (*domain.ApprovalInstance, error) {
	if req.Execution == nil {
		return nil, newValidationError(gateComponent, "approval requires a node execution", domain.ErrInvalidInput,
			domain.WithOperation("create"))
	}
	if req.MinimumCount < 0 {
		return nil, newValidationError(gateComponent, "minimum approval count must not be negative", domain.ErrInvalidInput,
			domain.WithOperation("create"),
			domain.WithNodeExecutionID(req.Execution.ID))
	}

	minimum := req.MinimumCount
	if minimum == 0 {
		minimum = g.config.DefaultMinCount
	}
	if minimum <= 0 {
		minimum = 1
	}

	now := g.now()
	deadline := req.Deadline
	if deadline.IsZero() {
		timeout := req.Timeout
		if timeout <= 0 {
			timeout = g.config.DefaultTimeout
		}
		if timeout > 0 {
			deadline = now.Add(timeout)
		}
	}

	instance := &domain.ApprovalInstance{
		ID:              uuid.NewString(),
		NodeExecutionID: req.Execution.ID,
		PlanExecutionID: req.Execution.PlanExecutionID(),
		Ambiance:        req.Execution.Ambiance,
		Status:          domain.ApprovalWaiting,
		Message:         req.Message,
		MinimumCount:    minimum,
		Approvers:       req.Approvers,
		Deadline:        deadline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := g.store.Approvals.Insert(ctx, instance); err != nil {
		return nil, newStorageError(gateComponent, "failed to persist approval instance", err,
			domain.WithOperation("create"),
			domain.WithNodeExecutionID(req.Execution.ID))
	}

	g.logger.Info("approval instance created",
		"approval_instance_id", instance.ID,
		"node_execution_id", instance.NodeExecutionID,
		"minimum_count", minimum,
		"deadline", deadline)
	return instance, nil
}

func (g *Gate) Get(ctx context.Context, id string) (*domain.ApprovalInstance, error) {
	return g.store.Approvals.Get(ctx, id)
}

// RecordActivity applies one approver's decision. A rejection finalizes the
// instance at once; approvals finalize it when the quorum is reached.
func (g *Gate) RecordActivity(ctx context.Context, id, actor string, req domain.ApprovalRequest) (*domain.ApprovalInstance, error) {
	if actor == "" {
		return nil, newValidationError(gateComponent, "approval activity requires an actor", domain.ErrInvalidInput,
			domain.WithOperation("record_activity"),
			domain.WithDetail("approval_instance_id", id))
	}
	if req.Action != domain.ActionApprove && req.Action != domain.ActionReject {
		return nil, newValidationError(gateComponent, fmt.Sprintf("unknown approval action %q", req.Action), domain.ErrInvalidInput,
			domain.WithOperation("record_activity"),
			domain.WithDetail("approval_instance_id", id))
	}

	var (
		instance *domain.ApprovalInstance
		err      error
	)
	attempts := g.config.UpdateRetries
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		now := g.now()
		instance, err = g.store.Approvals.UpdateIf(ctx, id, nil, func(a *domain.ApprovalInstance) error {
			if err := checkWaiting(a, now); err != nil {
				return err
			}
			if !a.CanAct(actor) {
				return newValidationError(gateComponent, fmt.Sprintf("%s is not an approver of this instance", actor), domain.ErrInvalidInput,
					domain.WithOperation("record_activity"))
			}
			if a.HasActed(actor) {
				return newValidationError(gateComponent, fmt.Sprintf("%s has already acted on this approval", actor), domain.ErrInvalidInput,
					domain.WithOperation("record_activity"))
			}

			a.Activities = append(a.Activities, domain.ApprovalActivity{
				Actor:      actor,
				Action:     req.Action,
				Comments:   req.Comments,
				Inputs:     req.Inputs,
				RecordedAt: now,
			})
			switch {
			case req.Action == domain.ActionReject:
				a.Status = domain.ApprovalRejected
			case a.ApprovalCount() >= a.MinimumCount:
				a.Status = domain.ApprovalApproved
			}
			a.UpdatedAt = now
			return nil
		})
		if err == nil || !isConflict(err) {
			break
		}
		g.logger.Debug("approval update conflicted, retrying", "approval_instance_id", id, "attempt", attempt+1)
	}
	if err != nil {
		if domain.IsDomainError(err) {
			return nil, err
		}
		return nil, newStorageError(gateComponent, "failed to record approval activity", err,
			domain.WithOperation("record_activity"),
			domain.WithDetail("approval_instance_id", id))
	}
	if instance == nil {
		return nil, newValidationError(gateComponent, "Invalid approval instance id: "+id, domain.ErrNotFound,
			domain.WithOperation("record_activity"))
	}

	g.audit(ctx, instance, actor, req)
	g.logger.Info("approval activity recorded",
		"approval_instance_id", instance.ID,
		"actor", actor,
		"action", req.Action,
		"status", instance.Status)

	if instance.Status.IsFinal() {
		g.finalized(ctx, instance)
	}
	return instance, nil
}

// FinalizeStatus moves a WAITING instance to status.
func (g *Gate) FinalizeStatus(ctx context.Context, id string, status domain.ApprovalStatus, errorMessage string) (*domain.ApprovalInstance, error) {
	if !status.IsFinal() {
		return nil, newValidationError(gateComponent, "approval can only be finalized to a final status", domain.ErrInvalidInput,
			domain.WithOperation("finalize"),
			domain.WithDetail("status", string(status)))
	}
	now := g.now()
	instance, err := storage.UpdateIfStatusIn(ctx, g.store.Approvals, id, waiting, func(a *domain.ApprovalInstance) error {
		a.Status = status
		a.ErrorMessage = errorMessage
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, newStorageError(gateComponent, "failed to finalize approval instance", err,
			domain.WithOperation("finalize"),
			domain.WithDetail("approval_instance_id", id))
	}
	if instance == nil {
		current, getErr := g.store.Approvals.Get(ctx, id)
		if getErr != nil {
			return nil, newValidationError(gateComponent, "Invalid approval instance id: "+id, domain.ErrNotFound,
				domain.WithOperation("finalize"))
		}
		return nil, newValidationError(gateComponent, "Approval instance has already completed. Status: "+string(current.Status), domain.ErrAlreadyFinal,
			domain.WithOperation("finalize"),
			domain.WithDetail("approval_instance_id", id))
	}
	g.finalized(ctx, instance)
	return instance, nil
}

// AbortByNodeExecutionID aborts the WAITING instances of a node execution.
func (g *Gate) AbortByNodeExecutionID(ctx context.Context, nodeExecutionID string) (int, error) {
	return g.finalizeByNode(ctx, nodeExecutionID, domain.ApprovalAborted, "Approval aborted")
}

// ExpireByNodeExecutionID expires the WAITING instances of a node execution.
func (g *Gate) ExpireByNodeExecutionID(ctx context.Context, nodeExecutionID string) (int, error) {
	return g.finalizeByNode(ctx, nodeExecutionID, domain.ApprovalExpired, "Approval expired")
}

func (g *Gate) finalizeByNode(ctx context.Context, nodeExecutionID string, status domain.ApprovalStatus, message string) (int, error) {
	ids, err := g.store.Approvals.IDsBy(ctx, domain.IndexNodeExecution, nodeExecutionID)
	if err != nil {
		return 0, newStorageError(gateComponent, "failed to find approval instances", err,
			domain.WithOperation("finalize"),
			domain.WithNodeExecutionID(nodeExecutionID))
	}
	count := 0
	for _, id := range ids {
		_, err := g.FinalizeStatus(ctx, id, status, message)
		if err == nil {
			count++
			continue
		}
		if !domain.IsValidationError(err) {
			return count, err
		}
	}
	return count, nil
}

// MarkExpiredInstances expires every WAITING instance whose deadline passed.
func (g *Gate) MarkExpiredInstances(ctx context.Context) (int, error) {
	now := g.now()
	expired, err := g.store.Approvals.BulkUpdate(ctx, func(a *domain.ApprovalInstance) bool {
		return a.Status == domain.ApprovalWaiting && a.HasExpired(now)
	}, func(a *domain.ApprovalInstance) error {
		a.Status = domain.ApprovalExpired
		a.ErrorMessage = "Approval instance deadline exceeded"
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		return 0, newStorageError(gateComponent, "failed to expire approval instances", err,
			domain.WithOperation("mark_expired"))
	}
	for _, instance := range expired {
		g.finalized(ctx, instance)
	}
	if len(expired) > 0 {
		g.logger.Info("approval instances expired", "count", len(expired))
	}
	return len(expired), nil
}

// finalized wakes the waiting node and refreshes the plan status without the
// approval node, whose own transition is still in flight.
func (g *Gate) finalized(ctx context.Context, instance *domain.ApprovalInstance) {
	g.metrics.ApprovalFinalized(string(instance.Status))

	result := domain.NotifyResult{
		Status: domain.ResultSuccess,
		Payload: map[string]any{
			"approval_instance_id": instance.ID,
			"status":               string(instance.Status),
			"activities":           activitiesPayload(instance.Activities),
		},
		ErrorMessage: instance.ErrorMessage,
		Expired:      instance.Status == domain.ApprovalExpired,
	}
	if instance.Status != domain.ApprovalApproved {
		result.Status = domain.ResultFailure
	}
	if _, err := g.waits.Deliver(ctx, instance.ID, result); err != nil {
		g.logger.Error("failed to deliver approval result", "approval_instance_id", instance.ID, "error", err)
	}

	if g.plans == nil || instance.PlanExecutionID == "" {
		return
	}
	exclude := instance.Ambiance.CurrentRuntimeID()
	if exclude == "" {
		exclude = instance.NodeExecutionID
	}
	if _, err := g.plans.Recompute(ctx, instance.PlanExecutionID, exclude); err != nil {
		g.logger.Warn("failed to update plan status after approval",
			"approval_instance_id", instance.ID,
			"plan_execution_id", instance.PlanExecutionID,
			"error", err)
	}
}

func (g *Gate) audit(ctx context.Context, instance *domain.ApprovalInstance, actor string, req domain.ApprovalRequest) {
	if g.logs == nil {
		return
	}
	verb := "approve"
	if req.Action == domain.ActionReject {
		verb = "reject"
	}
	line := fmt.Sprintf("Request to %s this approval received by %s with comments:{%s} and inputs:%s",
		verb, actor, req.Comments, FormatInputs(req.Inputs))
	if err := g.logs.Append(ctx, instance.PlanExecutionID, instance.NodeExecutionID, line); err != nil {
		g.logger.Warn("failed to write approval audit line", "approval_instance_id", instance.ID, "error", err)
	}
}

// FormatInputs renders approver inputs as "[( name : value), ...]" in name order.
func FormatInputs(inputs map[string]string) string {
	if len(inputs) == 0 {
		return "[]"
	}
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("( %s : %s)", name, inputs[name]))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func checkWaiting(a *domain.ApprovalInstance, now time.Time) error {
	if a.Status == domain.ApprovalExpired || (a.Status == domain.ApprovalWaiting && a.HasExpired(now)) {
		return newValidationError(gateComponent, "Approval instance has already expired", domain.ErrAlreadyFinal,
			domain.WithOperation("record_activity"),
			domain.WithDetail("approval_instance_id", a.ID))
	}
	if a.Status != domain.ApprovalWaiting {
		return newValidationError(gateComponent, "Approval instance has already completed. Status: "+string(a.Status), domain.ErrAlreadyFinal,
			domain.WithOperation("record_activity"),
			domain.WithDetail("approval_instance_id", a.ID))
	}
	return nil
}

func activitiesPayload(activities []domain.ApprovalActivity) []any {
	out := make([]any, 0, len(activities))
	for _, activity := range activities {
		entry := map[string]any{
			"actor":       activity.Actor,
			"action":      string(activity.Action),
			"recorded_at": activity.RecordedAt.Format(time.RFC3339Nano),
		}
		if activity.Comments != "" {
			entry["comments"] = activity.Comments
		}
		if len(activity.Inputs) > 0 {
			inputs := make(map[string]any, len(activity.Inputs))
			for k, v := range activity.Inputs {
				inputs[k] = v
			}
			entry["inputs"] = inputs
		}
		out = append(out, entry)
	}
	return out
}

func isConflict(err error) bool {
	return domain.GetErrorCategory(err) == domain.CategoryConflict
}
