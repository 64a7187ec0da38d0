package domain

import "time"

// PlanExecution is the overall record of one run of a compiled plan.
type PlanExecution struct {
	ID               string         `json:"id"`
	PlanID           string         `json:"plan_id"`
	RootNodeID       string         `json:"root_node_id"`
	Status           Status         `json:"status"`
	AccountID        string         `json:"account_id,omitempty"`
	OrgID            string         `json:"org_id,omitempty"`
	ProjectID        string         `json:"project_id,omitempty"`
	Inputs           map[string]any `json:"inputs,omitempty"`
	ReplayOf         string         `json:"replay_of,omitempty"`
	RerunPlanNodeIDs []string       `json:"rerun_plan_node_ids,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	StartTs          time.Time      `json:"start_ts"`
	EndTs            time.Time      `json:"end_ts,omitempty"`
	Version          int64          `json:"version"`
}

// ShouldRerun reports whether planNodeID was selected to run again on replay.
func (p *PlanExecution) ShouldRerun(planNodeID string) bool {
	for _, id := range p.RerunPlanNodeIDs {
		if id == planNodeID {
			return true
		}
	}
	return false
}

// Plan is a compiled plan graph handed to the engine.
type Plan struct {
	ID         string      `json:"id" yaml:"id"`
	RootNodeID string      `json:"root_node_id" yaml:"root_node_id"`
	Nodes      []*PlanNode `json:"nodes" yaml:"nodes"`
}
