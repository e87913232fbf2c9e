package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/msageha/maestro-failover/internal/api"
	"github.com/msageha/maestro-failover/internal/failover"
	"github.com/msageha/maestro-failover/internal/model"
	"github.com/msageha/maestro-failover/internal/store"
	"github.com/msageha/maestro-failover/internal/uds"
)

func (d *Daemon) registerHandlers() {
	d.server.Handle(api.CmdPing, d.handlePing)
	d.server.Handle(api.CmdFailover, d.handleFailover)
	d.server.Handle(api.CmdReassign, d.handleReassign)
	d.server.Handle(api.CmdRecover, d.handleRecover)
	d.server.Handle(api.CmdSnapshotCapture, d.handleSnapshotCapture)
	d.server.Handle(api.CmdSnapshotPut, d.handleSnapshotPut)
	d.server.Handle(api.CmdSnapshotGet, d.handleSnapshotGet)
	d.server.Handle(api.CmdCheckpointPut, d.handleCheckpointPut)
	d.server.Handle(api.CmdCheckpointGet, d.handleCheckpointGet)
	d.server.Handle(api.CmdConfigGet, d.handleConfigGet)
	d.server.Handle(api.CmdConfigUpdate, d.handleConfigUpdate)
	d.server.Handle(api.CmdSessions, d.handleSessions)
	d.server.Handle(api.CmdTaskPut, d.handleTaskPut)
	d.server.Handle(api.CmdTaskList, d.handleTaskList)
	d.server.Handle(api.CmdAgentPut, d.handleAgentPut)
	d.server.Handle(api.CmdAgentList, d.handleAgentList)
	d.server.Handle(api.CmdAgentRelease, d.handleAgentRelease)
	d.server.Handle(api.CmdFlags, d.handleFlags)

	d.server.Handle(api.CmdShutdown, func(ctx context.Context, req *uds.Request) *uds.Response {
		d.log(failover.LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(api.StatusResult{Status: "shutdown_accepted"})
	})
}

// errorResponse maps err to a wire error. Failover errors keep their code; store
// lookups that miss become NOT_FOUND.
func errorResponse(err error) *uds.Response {
	switch {
	case errors.Is(err, store.ErrTaskNotFound), errors.Is(err, store.ErrAgentNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, store.ErrTaskTerminal):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	return uds.ErrorResponse(failover.ErrorCode(err), err.Error())
}

func invalid(format string, args ...any) *uds.Response {
	return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf(format, args...))
}

func (d *Daemon) handlePing(ctx context.Context, req *uds.Request) *uds.Response {
	return uds.SuccessResponse(api.PingResult{
		Status:         "ok",
		PID:            os.Getpid(),
		Backend:        d.currentConfig().Storage.Backend,
		ActiveSessions: len(d.coordinator.ActiveSessions()),
		Commands:       d.server.Commands(),
	})
}

func (d *Daemon) handleFailover(ctx context.Context, req *uds.Request) *uds.Response {
	var p api.FailoverParams
	if err := req.DecodeParams(&p); err != nil {
		return invalid("%v", err)
	}
	if p.WorkerID == "" {
		return invalid("worker_id is required")
	}

	var opts []failover.FailoverOption
	if p.Strategy != "" {
		if !p.Strategy.Valid() {
			return invalid("unknown strategy %q", p.Strategy)
		}
		opts = append(opts, failover.WithStrategy(p.Strategy))
	}
	if p.Criteria != nil {
		opts = append(opts, failover.WithCriteria(*p.Criteria))
	}

	if p.Async {
		d.mu.Lock()
		if d.closing {
			d.mu.Unlock()
			return errorResponse(failover.ErrCoordinatorClosed)
		}
		d.wg.Add(1)
		d.mu.Unlock()

		go func() {
			defer d.wg.Done()
			rec, err := d.coordinator.InitiateFailover(d.ctx, p.WorkerID, p.Reason, opts...)
			if err != nil {
				d.log(failover.LogLevelWarn, "async failover worker=%s error=%v", p.WorkerID, err)
				return
			}
			d.log(failover.LogLevelInfo, "async failover worker=%s session=%s outcome=%s", p.WorkerID, rec.ID, rec.Outcome)
		}()
		return uds.SuccessResponse(api.FailoverResult{Accepted: true})
	}

	rec, err := d.coordinator.InitiateFailover(ctx, p.WorkerID, p.Reason, opts...)
	if err != nil {
		resp := errorResponse(err)
		if rec != nil {
			resp.Data, _ = json.Marshal(api.FailoverResult{Session: rec})
		}
		return resp
	}
	return uds.SuccessResponse(api.FailoverResult{Session: rec})
}

func (d *Daemon) handleReassign(ctx context.Context, req *uds.Request) *uds.Response {
	var p api.ReassignParams
	if err := req.DecodeParams(&p); err != nil {
		return invalid("%v", err)
	}
	if p.FailedWorkerID == "" {
		return invalid("failed_worker_id is required")
	}

	tasks := make([]model.Task, 0, len(p.TaskIDs))
	for _, id := range p.TaskIDs {
		t, ok, err := d.backend.GetTask(ctx, id)
		if err != nil {
			return errorResponse(err)
		}
		if !ok {
			return errorResponse(fmt.Errorf("%w: %s", store.ErrTaskNotFound, id))
		}
		tasks = append(tasks, t)
	}

	moved, err := d.coordinator.ReassignTasks(ctx, tasks, p.FailedWorkerID, p.Criteria)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(api.ReassignResult{Reassigned: moved})
}

func (d *Daemon) handleRecover(ctx context.Context, req *uds.Request) *uds.Response {
	var p api.RecoverParams
	if err := req.DecodeParams(&p); err != nil {
		return invalid("%v", err)
	}
	active, err := d.coordinator.RecoverAgentState(ctx, p.FailedWorkerID, p.TargetWorkerID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(api.RecoverResult{ActiveTasks: active})
}

func (d *Daemon) handleSnapshotCapture(ctx context.Context, req *uds.Request) *uds.Response {
	var p api.WorkerParams
	if err := req.DecodeParams(&p); err != nil {
		return invalid("%v", err)
	}
	if p.WorkerID == "" {
		return invalid("worker_id is required")
	}
	snap, err := d.coordinator.CaptureAgentState(ctx, p.WorkerID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(api.SnapshotResult{Found: true, Snapshot: &snap})
}

func (d *Daemon) handleSnapshotPut(ctx context.Context, req *uds.Request) *uds.Response {
	var snap model.AgentStateSnapshot
	if err := req.DecodeParams(&snap); err != nil {
		return invalid("%v", err)
	}
	if err := d.coordinator.SaveAgentStateSnapshot(snap); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(api.StatusResult{Status: "saved"})
}

func (d *Daemon) handleSnapshotGet(ctx context.Context, req *uds.Request) *uds.Response {
	var p api.WorkerParams
	if err := req.DecodeParams(&p); err != nil {
		return invalid("%v", err)
	}
	if p.WorkerID == "" {
		return invalid("worker_id is required")
	}
	snap, ok := d.coordinator.GetAgentStateSnapshot(p.WorkerID)
	if !ok {
		return uds.SuccessResponse(api.SnapshotResult{Found: false})
	}
	return uds.SuccessResponse(api.SnapshotResult{Found: true, Snapshot: &snap})
}

func (d *Daemon) handleCheckpointPut(ctx context.Context, req *uds.Request) *uds.Response {
	var p api.CheckpointPutParams
	if err := req.DecodeParams(&p); err != nil {
		return invalid("%v", err)
	}
	if err := d.coordinator.CreateTaskCheckpoint(p.TaskID, p.WorkerID, p.Progress, p.IntermediateResults, p.NextSteps); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(api.StatusResult{Status: "saved"})
}

func (d *Daemon) handleCheckpointGet(ctx context.Context, req *uds.Request) *uds.Response {
	var p api.TaskParams
	if err := req.DecodeParams(&p); err != nil {
		return invalid("%v", err)
	}
	if p.TaskID == "" {
		return invalid("task_id is required")
	}
	cp, ok := d.coordinator.GetTaskCheckpoint(p.TaskID)
	if !ok {
		return uds.SuccessResponse(api.CheckpointResult{Found: false})
	}
	return uds.SuccessResponse(api.CheckpointResult{Found: true, Checkpoint: &cp})
}

func (d *Daemon) handleConfigGet(ctx context.Context, req *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.coordinator.Config())
}

// handleConfigUpdate applies a runtime override. The file is left untouched; a later
// file edit only reapplies the fields it changes.
func (d *Daemon) handleConfigUpdate(ctx context.Context, req *uds.Request) *uds.Response {
	var patch failover.ConfigPatch
	if err := req.DecodeParams(&patch); err != nil {
		return invalid("%v", err)
	}
	if patch.Empty() {
		return invalid("config patch is empty")
	}
	if err := d.coordinator.UpdateConfig(patch); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(d.coordinator.Config())
}

func (d *Daemon) handleSessions(ctx context.Context, req *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.coordinator.ActiveSessions())
}

func (d *Daemon) handleTaskPut(ctx context.Context, req *uds.Request) *uds.Response {
	var t model.Task
	if err := req.DecodeParams(&t); err != nil {
		return invalid("%v", err)
	}
	if err := d.backend.PutTask(ctx, t); err != nil {
		return invalid("%v", err)
	}
	return uds.SuccessResponse(api.StatusResult{Status: "saved"})
}

func (d *Daemon) handleTaskList(ctx context.Context, req *uds.Request) *uds.Response {
	tasks, err := d.backend.GetTaskQueue(ctx)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(tasks)
}

func (d *Daemon) handleAgentPut(ctx context.Context, req *uds.Request) *uds.Response {
	var a model.Agent
	if err := req.DecodeParams(&a); err != nil {
		return invalid("%v", err)
	}
	if err := d.backend.PutAgent(ctx, a); err != nil {
		return invalid("%v", err)
	}
	return uds.SuccessResponse(api.StatusResult{Status: "saved"})
}

func (d *Daemon) handleAgentList(ctx context.Context, req *uds.Request) *uds.Response {
	agents, err := d.backend.GetAllAgents(ctx)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(agents)
}

func (d *Daemon) handleAgentRelease(ctx context.Context, req *uds.Request) *uds.Response {
	var p api.AgentParams
	if err := req.DecodeParams(&p); err != nil {
		return invalid("%v", err)
	}
	if p.AgentID == "" {
		return invalid("agent_id is required")
	}
	if err := d.supervision.Release(ctx, p.AgentID); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(api.StatusResult{Status: "released"})
}

func (d *Daemon) handleFlags(ctx context.Context, req *uds.Request) *uds.Response {
	flags := d.supervision.Flags()
	out := make([]api.Flag, 0, len(flags))
	for _, f := range flags {
		out = append(out, api.Flag(f))
	}
	return uds.SuccessResponse(out)
}
