package domain

// Collection names used by the record store.
const (
	CollectionNodeExecutions = "node_executions"
	CollectionPlanNodes      = "plan_nodes"
	CollectionPlanExecutions = "plan_executions"
	CollectionTasks          = "tasks"
	CollectionApprovals      = "approvals"
	CollectionWaits          = "waits"
	CollectionLeases         = "leases"
	CollectionLogs           = "logs"
)

// Secondary index names.
const (
	IndexParent        = "parent"
	IndexPlanExecution = "plan_execution"
	IndexPrevious      = "previous"
	IndexNodeExecution = "node_execution"
	IndexWaitID        = "wait_id"
	IndexStatus        = "status"
)
