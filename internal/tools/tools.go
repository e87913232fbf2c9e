// Package tools exposes the failover daemon to MCP clients. Every tool is a thin proxy
// that turns its arguments into one daemon command.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/msageha/maestro-failover/internal/api"
	"github.com/msageha/maestro-failover/internal/failover"
	"github.com/msageha/maestro-failover/internal/model"
)

// Caller issues one daemon command and decodes the result into out.
// *uds.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, command string, params, out any) error
}

// NewServer builds an MCP server with every failover tool registered.
func NewServer(c Caller, version string, logger *log.Logger) *server.MCPServer {
	s := server.NewMCPServer("maestro-failover", version,
		server.WithToolCapabilities(false),
		server.WithInstructions(instructions),
	)
	Register(s, c, logger)
	return s
}

// ServeStdio serves s over in/out until ctx is cancelled or in reaches EOF.
func ServeStdio(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s).Listen(ctx, in, out)
}

const instructions = "Failover control for the agent pool. Call initiate_failover when a worker fails, " +
	"then list_failover_sessions to follow it. Workers that land in list_manual_flags need an operator; " +
	"release_agent returns them to the pool."

// Register adds the failover tools to s.
func Register(s *server.MCPServer, c Caller, logger *log.Logger) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	p := &proxy{caller: c, logger: logger}

	registerInitiateFailover(s, p)
	registerReassignTasks(s, p)
	registerRecoverAgentState(s, p)
	registerSnapshotTools(s, p)
	registerCheckpointTools(s, p)
	registerSessionTools(s, p)
	registerConfigTools(s, p)
	registerSupervisionTools(s, p)
}

type proxy struct {
	caller Caller
	logger *log.Logger
}

// call runs command and renders the decoded result as indented JSON. Daemon errors
// come back as tool errors so the client sees the error code.
func (p *proxy) call(ctx context.Context, tool, command string, params any) (*mcp.CallToolResult, error) {
	var out json.RawMessage
	if err := p.caller.Call(ctx, command, params, &out); err != nil {
		p.logger.Printf("tool=%s command=%s error=%v", tool, command, err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(out) == 0 {
		return mcp.NewToolResultText("{}"), nil
	}
	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return mcp.NewToolResultText(string(out)), nil
	}
	return mcp.NewToolResultText(string(pretty)), nil
}

func criteriaOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("agent_type", mcp.Description("Only consider replacement workers of this type")),
		mcp.WithNumber("max_workload", mcp.Description("Skip replacement workers whose current workload exceeds this")),
		mcp.WithArray("capabilities", mcp.Description("Capabilities a replacement worker must have"), mcp.Items(map[string]any{"type": "string"})),
	}
}

// criteriaFrom reads the criteria arguments. ok is false when none were given.
func criteriaFrom(req mcp.CallToolRequest) (model.ReassignmentCriteria, bool) {
	var c model.ReassignmentCriteria
	args := req.GetArguments()
	c.AgentType = req.GetString("agent_type", "")
	if _, set := args["max_workload"]; set {
		n := int(req.GetFloat("max_workload", 0))
		c.MaxWorkload = &n
	}
	c.Capabilities = req.GetStringSlice("capabilities", nil)
	ok := c.AgentType != "" || c.MaxWorkload != nil || len(c.Capabilities) > 0
	return c, ok
}

func registerInitiateFailover(s *server.MCPServer, p *proxy) {
	opts := []mcp.ToolOption{
		mcp.WithDescription("Start a failover session for a failed worker. The session reassigns the worker's active tasks according to the strategy and reports the outcome."),
		mcp.WithString("worker_id", mcp.Required(), mcp.Description("The worker that failed")),
		mcp.WithString("reason", mcp.Description("Why the worker is being failed over")),
		mcp.WithString("strategy", mcp.Description("Override the configured strategy"),
			mcp.Enum(string(model.StrategyImmediate), string(model.StrategyGraceful), string(model.StrategyDelayed), string(model.StrategyManual))),
		mcp.WithBoolean("async", mcp.Description("Return as soon as the session is accepted (default: false)")),
	}
	opts = append(opts, criteriaOptions()...)

	s.AddTool(mcp.NewTool("initiate_failover", opts...),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			workerID, err := req.RequireString("worker_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			params := api.FailoverParams{
				WorkerID: workerID,
				Reason:   req.GetString("reason", ""),
				Strategy: model.FailoverStrategy(req.GetString("strategy", "")),
				Async:    req.GetBool("async", false),
			}
			if params.Strategy != "" && !params.Strategy.Valid() {
				return mcp.NewToolResultError(fmt.Sprintf("unknown strategy %q", params.Strategy)), nil
			}
			if c, ok := criteriaFrom(req); ok {
				params.Criteria = &c
			}
			return p.call(ctx, "initiate_failover", api.CmdFailover, params)
		})
}

func registerReassignTasks(s *server.MCPServer, p *proxy) {
	opts := []mcp.ToolOption{
		mcp.WithDescription("Move specific tasks off a failed worker onto the least loaded eligible workers."),
		mcp.WithArray("task_ids", mcp.Required(), mcp.Description("Tasks to reassign"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("failed_worker_id", mcp.Required(), mcp.Description("The worker the tasks are taken from")),
	}
	opts = append(opts, criteriaOptions()...)

	s.AddTool(mcp.NewTool("reassign_tasks", opts...),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			failed, err := req.RequireString("failed_worker_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			ids := req.GetStringSlice("task_ids", nil)
			if len(ids) == 0 {
				return mcp.NewToolResultError("task_ids must not be empty"), nil
			}
			c, _ := criteriaFrom(req)
			return p.call(ctx, "reassign_tasks", api.CmdReassign, api.ReassignParams{
				TaskIDs:        ids,
				FailedWorkerID: failed,
				Criteria:       c,
			})
		})
}

func registerRecoverAgentState(s *server.MCPServer, p *proxy) {
	s.AddTool(
		mcp.NewTool("recover_agent_state",
			mcp.WithDescription("Restore a failed worker's captured state, optionally onto a different worker. Returns the task ids that were active in the snapshot."),
			mcp.WithString("failed_worker_id", mcp.Required(), mcp.Description("The worker whose snapshot is restored")),
			mcp.WithString("target_worker_id", mcp.Description("Worker that takes the state over (default: the failed worker)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			failed, err := req.RequireString("failed_worker_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return p.call(ctx, "recover_agent_state", api.CmdRecover, api.RecoverParams{
				FailedWorkerID: failed,
				TargetWorkerID: req.GetString("target_worker_id", ""),
			})
		})
}

func registerSnapshotTools(s *server.MCPServer, p *proxy) {
	s.AddTool(
		mcp.NewTool("capture_agent_state",
			mcp.WithDescription("Capture and store a snapshot of a worker's current state and tasks."),
			mcp.WithString("worker_id", mcp.Required(), mcp.Description("Worker to capture")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("worker_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return p.call(ctx, "capture_agent_state", api.CmdSnapshotCapture, api.WorkerParams{WorkerID: id})
		})

	s.AddTool(
		mcp.NewTool("get_agent_snapshot",
			mcp.WithDescription("Show the most recent stored snapshot of a worker."),
			mcp.WithString("worker_id", mcp.Required(), mcp.Description("Worker to look up")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("worker_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return p.call(ctx, "get_agent_snapshot", api.CmdSnapshotGet, api.WorkerParams{WorkerID: id})
		})
}

func registerCheckpointTools(s *server.MCPServer, p *proxy) {
	s.AddTool(
		mcp.NewTool("create_task_checkpoint",
			mcp.WithDescription("Record progress on a task so another worker can resume it after a failover."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task being checkpointed")),
			mcp.WithString("worker_id", mcp.Required(), mcp.Description("Worker currently running the task")),
			mcp.WithNumber("progress", mcp.Required(), mcp.Description("Completion between 0 and 1")),
			mcp.WithObject("intermediate_results", mcp.Description("Partial results to hand over")),
			mcp.WithArray("next_steps", mcp.Description("What remains to be done"), mcp.Items(map[string]any{"type": "string"})),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, err := req.RequireString("task_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			workerID, err := req.RequireString("worker_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			progress, err := req.RequireFloat("progress")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			results, _ := req.GetArguments()["intermediate_results"].(map[string]any)
			return p.call(ctx, "create_task_checkpoint", api.CmdCheckpointPut, api.CheckpointPutParams{
				TaskID:              taskID,
				WorkerID:            workerID,
				Progress:            progress,
				IntermediateResults: results,
				NextSteps:           req.GetStringSlice("next_steps", nil),
			})
		})

	s.AddTool(
		mcp.NewTool("get_task_checkpoint",
			mcp.WithDescription("Show the latest checkpoint recorded for a task."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to look up")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("task_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return p.call(ctx, "get_task_checkpoint", api.CmdCheckpointGet, api.TaskParams{TaskID: id})
		})
}

func registerSessionTools(s *server.MCPServer, p *proxy) {
	s.AddTool(
		mcp.NewTool("list_failover_sessions",
			mcp.WithDescription("List failover sessions that have not finished yet."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return p.call(ctx, "list_failover_sessions", api.CmdSessions, nil)
		})
}

func registerConfigTools(s *server.MCPServer, p *proxy) {
	s.AddTool(
		mcp.NewTool("get_failover_config",
			mcp.WithDescription("Show the coordinator's current failover configuration."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return p.call(ctx, "get_failover_config", api.CmdConfigGet, nil)
		})

	s.AddTool(
		mcp.NewTool("update_failover_config",
			mcp.WithDescription("Change failover settings at runtime. Only the given fields change; sessions already running keep their settings."),
			mcp.WithString("strategy", mcp.Description("Default strategy"),
				mcp.Enum(string(model.StrategyImmediate), string(model.StrategyGraceful), string(model.StrategyDelayed), string(model.StrategyManual))),
			mcp.WithNumber("graceful_shutdown_timeout_sec", mcp.Description("How long a graceful failover waits for the worker to drain")),
			mcp.WithNumber("task_reassignment_timeout_sec", mcp.Description("Bound on one reassignment pass")),
			mcp.WithNumber("max_reassignment_attempts", mcp.Description("Attempts per task before it is left unassigned")),
			mcp.WithBoolean("enable_state_recovery", mcp.Description("Capture and restore worker snapshots")),
			mcp.WithBoolean("enable_task_checkpointing", mcp.Description("Accept task checkpoints")),
			mcp.WithNumber("recovery_delay_sec", mcp.Description("How long a delayed failover waits before acting")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			patch := patchFrom(req)
			if patch.Empty() {
				return mcp.NewToolResultError("no settings given"), nil
			}
			if patch.Strategy != nil && !patch.Strategy.Valid() {
				return mcp.NewToolResultError(fmt.Sprintf("unknown strategy %q", *patch.Strategy)), nil
			}
			return p.call(ctx, "update_failover_config", api.CmdConfigUpdate, patch)
		})
}

func patchFrom(req mcp.CallToolRequest) failover.ConfigPatch {
	args := req.GetArguments()
	var patch failover.ConfigPatch
	if v, ok := args["strategy"].(string); ok && v != "" {
		st := model.FailoverStrategy(v)
		patch.Strategy = &st
	}
	seconds := func(key string) *time.Duration {
		if _, ok := args[key]; !ok {
			return nil
		}
		d := time.Duration(req.GetFloat(key, 0) * float64(time.Second))
		return &d
	}
	patch.GracefulShutdownTimeout = seconds("graceful_shutdown_timeout_sec")
	patch.TaskReassignmentTimeout = seconds("task_reassignment_timeout_sec")
	patch.RecoveryDelay = seconds("recovery_delay_sec")
	if _, ok := args["max_reassignment_attempts"]; ok {
		n := int(req.GetFloat("max_reassignment_attempts", 0))
		patch.MaxReassignmentAttempts = &n
	}
	if _, ok := args["enable_state_recovery"]; ok {
		b := req.GetBool("enable_state_recovery", false)
		patch.EnableStateRecovery = &b
	}
	if _, ok := args["enable_task_checkpointing"]; ok {
		b := req.GetBool("enable_task_checkpointing", false)
		patch.EnableTaskCheckpointing = &b
	}
	return patch
}

func registerSupervisionTools(s *server.MCPServer, p *proxy) {
	s.AddTool(
		mcp.NewTool("list_manual_flags",
			mcp.WithDescription("List workers waiting for an operator after a manual failover."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return p.call(ctx, "list_manual_flags", api.CmdFlags, nil)
		})

	s.AddTool(
		mcp.NewTool("release_agent",
			mcp.WithDescription("Return an isolated or flagged worker to the pool as idle."),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("Worker to release")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("agent_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return p.call(ctx, "release_agent", api.CmdAgentRelease, api.AgentParams{AgentID: id})
		})
}
