// Package api defines the daemon command names and their request/response bodies,
// shared by the daemon, the CLI and the MCP bridge.
package api

import (
	"time"

	"github.com/msageha/maestro-failover/internal/model"
)

const (
	CmdPing            = "ping"
	CmdFailover        = "failover"
	CmdReassign        = "reassign"
	CmdRecover         = "recover"
	CmdSnapshotCapture = "snapshot_capture"
	CmdSnapshotPut     = "snapshot_put"
	CmdSnapshotGet     = "snapshot_get"
	CmdCheckpointPut   = "checkpoint_put"
	CmdCheckpointGet   = "checkpoint_get"
	CmdConfigGet       = "config_get"
	CmdConfigUpdate    = "config_update"
	CmdSessions        = "sessions"
	CmdTaskPut         = "task_put"
	CmdTaskList        = "task_list"
	CmdAgentPut        = "agent_put"
	CmdAgentList       = "agent_list"
	CmdAgentRelease    = "agent_release"
	CmdFlags           = "flags"
	CmdShutdown        = "shutdown"
)

type PingResult struct {
	Status         string   `json:"status"`
	PID            int      `json:"pid"`
	Backend        string   `json:"backend"`
	ActiveSessions int      `json:"active_sessions"`
	Commands       []string `json:"commands,omitempty"`
}

// FailoverParams starts a session. Strategy overrides the configured default when set.
// Async returns as soon as the session is accepted.
type FailoverParams struct {
	WorkerID string                      `json:"worker_id"`
	Reason   string                      `json:"reason,omitempty"`
	Strategy model.FailoverStrategy      `json:"strategy,omitempty"`
	Criteria *model.ReassignmentCriteria `json:"criteria,omitempty"`
	Async    bool                        `json:"async,omitempty"`
}

type FailoverResult struct {
	Accepted bool                   `json:"accepted,omitempty"`
	Session  *model.FailoverSession `json:"session,omitempty"`
}

type ReassignParams struct {
	TaskIDs        []string                   `json:"task_ids"`
	FailedWorkerID string                     `json:"failed_worker_id"`
	Criteria       model.ReassignmentCriteria `json:"criteria"`
}

type ReassignResult struct {
	Reassigned map[string]string `json:"reassigned"`
}

type RecoverParams struct {
	FailedWorkerID string `json:"failed_worker_id"`
	TargetWorkerID string `json:"target_worker_id,omitempty"`
}

type RecoverResult struct {
	ActiveTasks []string `json:"active_tasks"`
}

type WorkerParams struct {
	WorkerID string `json:"worker_id"`
}

type SnapshotResult struct {
	Found    bool                      `json:"found"`
	Snapshot *model.AgentStateSnapshot `json:"snapshot,omitempty"`
}

type CheckpointPutParams struct {
	TaskID              string         `json:"task_id"`
	WorkerID            string         `json:"worker_id"`
	Progress            float64        `json:"progress"`
	IntermediateResults map[string]any `json:"intermediate_results,omitempty"`
	NextSteps           []string       `json:"next_steps,omitempty"`
}

type TaskParams struct {
	TaskID string `json:"task_id"`
}

type CheckpointResult struct {
	Found      bool                  `json:"found"`
	Checkpoint *model.TaskCheckpoint `json:"checkpoint,omitempty"`
}

type AgentParams struct {
	AgentID string `json:"agent_id"`
}

// Flag mirrors supervision.Flag on the wire.
type Flag struct {
	AgentID   string    `json:"agent_id"`
	Reason    string    `json:"reason"`
	FlaggedAt time.Time `json:"flagged_at"`
}

type StatusResult struct {
	Status string `json:"status"`
}
