package domain

// PlanNodeKind separates regular plan nodes from identity nodes that replay a prior result.
type PlanNodeKind string

const (
	PlanNodeKindPlan     PlanNodeKind = "PLAN"
	PlanNodeKindIdentity PlanNodeKind = "IDENTITY"
)

// Built-in step types registered by the engine.
const (
	StepTypeStrategy         = "strategy"
	StepTypeSection          = "section"
	StepTypeIdentity         = "identity"
	StepTypeIdentityStrategy = "identity_strategy"
	StepTypeTask             = "task"
	StepTypeApproval         = "approval"
)

// StrategyConfig describes a matrix or repeat expansion of ChildNodeID.
type StrategyConfig struct {
	Matrix         map[string][]any `json:"matrix,omitempty" yaml:"matrix,omitempty"`
	Repeat         int              `json:"repeat,omitempty" yaml:"repeat,omitempty"`
	Items          []any            `json:"items,omitempty" yaml:"items,omitempty"`
	MaxConcurrency int              `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	ChildNodeID    string           `json:"child_node_id" yaml:"child_node_id"`
}

// PlanNode is an immutable definition of one step in a compiled plan graph.
type PlanNode struct {
	ID            string          `json:"id" yaml:"id"`
	PlanID        string          `json:"plan_id" yaml:"plan_id"`
	Kind          PlanNodeKind    `json:"kind" yaml:"kind"`
	StepType      string          `json:"step_type" yaml:"step_type"`
	Identifier    string          `json:"identifier" yaml:"identifier"`
	Name          string          `json:"name,omitempty" yaml:"name,omitempty"`
	Parameters    map[string]any  `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	ChildIDs      []string        `json:"child_ids,omitempty" yaml:"child_ids,omitempty"`
	NextID        string          `json:"next_id,omitempty" yaml:"next_id,omitempty"`
	SkipGraphType string          `json:"skip_graph_type,omitempty" yaml:"skip_graph_type,omitempty"`
	Strategy      *StrategyConfig `json:"strategy,omitempty" yaml:"strategy,omitempty"`

	// TemplateID is set on strategy iteration instances and names the plan node they were cloned from.
	TemplateID string `json:"template_id,omitempty" yaml:"-"`

	// Identity nodes only.
	OriginalNodeExecutionID string `json:"original_node_execution_id,omitempty" yaml:"-"`
	SourcePlanNodeID        string `json:"source_plan_node_id,omitempty" yaml:"-"`
}

func (p *PlanNode) IsIdentity() bool {
	return p.Kind == PlanNodeKindIdentity
}

// LogicalID is the id a user refers to when selecting nodes to rerun: the
// template of an iteration instance, or the source of an identity node.
func (p *PlanNode) LogicalID() string {
	switch {
	case p.TemplateID != "":
		return p.TemplateID
	case p.IsIdentity() && p.SourcePlanNodeID != "":
		return p.SourcePlanNodeID
	default:
		return p.ID
	}
}

// RealID is the plan node that actually executes work for p.
func (p *PlanNode) RealID() string {
	if p.IsIdentity() && p.SourcePlanNodeID != "" {
		return p.SourcePlanNodeID
	}
	return p.ID
}
