package domain

import "time"

// Level is one entry of an ambiance stack. RuntimeID is the node execution id at that depth.
type Level struct {
	RuntimeID        string            `json:"runtime_id"`
	SetupID          string            `json:"setup_id"`
	Identifier       string            `json:"identifier"`
	StepType         string            `json:"step_type"`
	StartTs          time.Time         `json:"start_ts"`
	StrategyMetadata *StrategyMetadata `json:"strategy_metadata,omitempty"`
}

// StrategyMetadata identifies one iteration of an expanded strategy node.
type StrategyMetadata struct {
	Iteration  int            `json:"iteration"`
	TotalCount int            `json:"total_count"`
	Values     map[string]any `json:"values,omitempty"`
}

// Ambiance locates an execution inside a plan execution. It is a value type:
// every method that changes the stack returns a copy.
type Ambiance struct {
	PlanExecutionID string            `json:"plan_execution_id"`
	PlanID          string            `json:"plan_id"`
	AccountID       string            `json:"account_id,omitempty"`
	OrgID           string            `json:"org_id,omitempty"`
	ProjectID       string            `json:"project_id,omitempty"`
	Levels          []Level           `json:"levels"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func (a Ambiance) clone() Ambiance {
	out := a
	out.Levels = make([]Level, len(a.Levels))
	copy(out.Levels, a.Levels)
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// CurrentLevel returns the innermost level, or false for an empty stack.
func (a Ambiance) CurrentLevel() (Level, bool) {
	if len(a.Levels) == 0 {
		return Level{}, false
	}
	return a.Levels[len(a.Levels)-1], true
}

// CurrentRuntimeID returns the node execution id of the innermost level.
func (a Ambiance) CurrentRuntimeID() string {
	level, ok := a.CurrentLevel()
	if !ok {
		return ""
	}
	return level.RuntimeID
}

// ParentRuntimeID returns the node execution id one level above the current one.
func (a Ambiance) ParentRuntimeID() string {
	if len(a.Levels) < 2 {
		return ""
	}
	return a.Levels[len(a.Levels)-2].RuntimeID
}

// Descend returns a copy with level pushed onto the stack.
func (a Ambiance) Descend(level Level) Ambiance {
	out := a.clone()
	out.Levels = append(out.Levels, level)
	return out
}

// CloneForFinish returns a copy with the innermost level removed.
func (a Ambiance) CloneForFinish() Ambiance {
	out := a.clone()
	if len(out.Levels) > 0 {
		out.Levels = out.Levels[:len(out.Levels)-1]
	}
	return out
}

// Sibling returns a copy whose innermost level is replaced by level.
func (a Ambiance) Sibling(level Level) Ambiance {
	return a.CloneForFinish().Descend(level)
}

// WithPlanExecution returns a copy rebound to another plan execution.
func (a Ambiance) WithPlanExecution(planExecutionID string) Ambiance {
	out := a.clone()
	out.PlanExecutionID = planExecutionID
	return out
}

func (a Ambiance) Depth() int {
	return len(a.Levels)
}
