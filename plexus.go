// Package plexus is a pipeline execution engine. A plan is a graph of nodes;
// each node runs a step that may finish synchronously, fan out into children,
// or suspend on a remote task or an approval until a callback resumes it.
//
// Plexus persists every node execution, so a restarted node recovers queued
// work, and it runs expiry sweeps only on the elected primary.
//
// Basic usage:
//
//	cfg := plexus.DefaultConfig()
//	cfg.Storage.DataDir = "./data"
//
//	manager, err := plexus.New(cfg, plexus.WithPublisher(myTransport))
//	if err != nil {
//	    return err
//	}
//	manager.RegisterStep("notify", &NotifyStep{})
//	manager.Start(ctx)
//	defer manager.Stop()
//
//	exec, err := manager.StartPlan(ctx, &plexus.Plan{
//	    ID:         "deploy",
//	    RootNodeID: "build",
//	    Nodes: []*plexus.PlanNode{
//	        {ID: "build", StepType: plexus.StepTypeTask, Identifier: "build",
//	            Parameters: map[string]any{"task_type": "docker-build"}, NextID: "approve"},
//	        {ID: "approve", StepType: plexus.StepTypeApproval, Identifier: "approve",
//	            Parameters: map[string]any{"approvers": []string{"ops"}}},
//	    },
//	}, plexus.StartOptions{AccountID: "acct"})
package plexus

import (
	"github.com/eleven-am/plexus/internal/adapters/engine"
	"github.com/eleven-am/plexus/internal/core"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
)

// Manager wires the record store, engine, task dispatcher, approval gate,
// leader election and sweep loops of one node.
type Manager = core.Manager

type Option = core.Option

// Plan is a compiled plan graph handed to StartPlan.
type Plan = domain.Plan

// PlanNode is one node of a plan graph.
type PlanNode = domain.PlanNode

type StrategyConfig = domain.StrategyConfig

// PlanExecution is one run of a plan.
type PlanExecution = domain.PlanExecution

// NodeExecution is one run of a plan node, including retries and replays.
type NodeExecution = domain.NodeExecution

type Status = domain.Status

type StartOptions = engine.StartOptions

// Step is implemented by user code for a step type.
type Step = ports.Step

// Abortable steps release external work when their node is aborted.
type Abortable = ports.Abortable

// StepContext is what a step sees of the node it runs for.
type StepContext = ports.StepContext

type StepResponse = domain.StepResponse
type SyncResult = domain.SyncResult
type ChildRequest = domain.ChildRequest
type ChildrenRequest = domain.ChildrenRequest
type ChildSpec = domain.ChildSpec
type SuspendRequest = domain.SuspendRequest
type NotifyResult = domain.NotifyResult
type FailureInfo = domain.FailureInfo

// Task is a unit of remote work owned by the dispatcher.
type Task = domain.Task

type DispatchMessage = domain.DispatchMessage
type CompletionMessage = domain.CompletionMessage
type TaskPublisher = ports.TaskPublisher

// ApprovalInstance is a pending or finished approval.
type ApprovalInstance = domain.ApprovalInstance

type ApprovalRequest = domain.ApprovalRequest

type Clock = ports.Clock

// DomainError is the error type returned across the public API.
type DomainError = domain.DomainError

const (
	StatusQueued    = domain.StatusQueued
	StatusRunning   = domain.StatusRunning
	StatusWaiting   = domain.StatusWaiting
	StatusSucceeded = domain.StatusSucceeded
	StatusFailed    = domain.StatusFailed
	StatusAborted   = domain.StatusAborted
	StatusExpired   = domain.StatusExpired
	StatusSkipped   = domain.StatusSkipped

	StepTypeTask     = domain.StepTypeTask
	StepTypeApproval = domain.StepTypeApproval
	StepTypeStrategy = domain.StepTypeStrategy
	StepTypeSection  = domain.StepTypeSection
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
	ErrAlreadyFinal = domain.ErrAlreadyFinal
)

// New builds a manager from cfg. A nil cfg uses DefaultConfig.
func New(cfg *Config, opts ...Option) (*Manager, error) {
	return core.NewManager(cfg, opts...)
}

// WithClock replaces the wall clock for every time-dependent component.
func WithClock(clock Clock) Option {
	return core.WithClock(clock)
}

// WithPublisher hands dispatched tasks to the worker transport.
func WithPublisher(publisher TaskPublisher) Option {
	return core.WithPublisher(publisher)
}

var (
	WithTracerProvider = core.WithTracerProvider
	WithRegistry       = core.WithRegistry
)
