package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/maestro-failover/internal/api"
	"github.com/msageha/maestro-failover/internal/failover"
	"github.com/msageha/maestro-failover/internal/model"
	"github.com/msageha/maestro-failover/internal/uds"
)

type recordedCall struct {
	command string
	params  json.RawMessage
}

// fakeCaller answers commands from a canned table and records what it was sent.
type fakeCaller struct {
	mu      sync.Mutex
	replies map[string]any
	errs    map[string]error
	calls   []recordedCall
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{replies: map[string]any{}, errs: map[string]error{}}
}

func (f *fakeCaller) Call(ctx context.Context, command string, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{command: command, params: raw})
	if err := f.errs[command]; err != nil {
		return err
	}
	reply, ok := f.replies[command]
	if !ok {
		return nil
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (f *fakeCaller) last(t *testing.T) recordedCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls, "no daemon command was sent")
	return f.calls[len(f.calls)-1]
}

func newTestServer(c Caller) *server.MCPServer {
	return NewServer(c, "test", log.New(io.Discard, "", 0))
}

func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	require.NoError(t, err)

	respBytes, err := json.Marshal(s.HandleMessage(context.Background(), reqJSON))
	require.NoError(t, err)

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &resp))
	require.Nil(t, resp.Error, "unexpected RPC error")

	var result mcp.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	return &result
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

func TestToolsList(t *testing.T) {
	s := newTestServer(newFakeCaller())

	respBytes, err := json.Marshal(s.HandleMessage(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)))
	require.NoError(t, err)

	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &resp))

	var names []string
	for _, tool := range resp.Result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"initiate_failover",
		"reassign_tasks",
		"recover_agent_state",
		"capture_agent_state",
		"get_agent_snapshot",
		"create_task_checkpoint",
		"get_task_checkpoint",
		"list_failover_sessions",
		"get_failover_config",
		"update_failover_config",
		"list_manual_flags",
		"release_agent",
	}, names)
}

func TestInitiateFailover_ForwardsParams(t *testing.T) {
	fc := newFakeCaller()
	fc.replies[api.CmdFailover] = api.FailoverResult{Session: &model.FailoverSession{
		ID:         "fo_1",
		WorkerID:   "w1",
		Outcome:    model.OutcomeCompleted,
		Reassigned: map[string]string{"t1": "w2"},
	}}
	s := newTestServer(fc)

	result := callTool(t, s, "initiate_failover", map[string]any{
		"worker_id":    "w1",
		"reason":       "heartbeat lost",
		"strategy":     "graceful",
		"agent_type":   "coder",
		"max_workload": 3,
		"capabilities": []string{"go"},
	})
	require.False(t, result.IsError, resultText(t, result))

	call := fc.last(t)
	assert.Equal(t, api.CmdFailover, call.command)
	var p api.FailoverParams
	require.NoError(t, json.Unmarshal(call.params, &p))
	assert.Equal(t, "w1", p.WorkerID)
	assert.Equal(t, "heartbeat lost", p.Reason)
	assert.Equal(t, model.StrategyGraceful, p.Strategy)
	assert.False(t, p.Async)
	require.NotNil(t, p.Criteria)
	assert.Equal(t, "coder", p.Criteria.AgentType)
	require.NotNil(t, p.Criteria.MaxWorkload)
	assert.Equal(t, 3, *p.Criteria.MaxWorkload)
	assert.Equal(t, []string{"go"}, p.Criteria.Capabilities)

	var out api.FailoverResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	require.NotNil(t, out.Session)
	assert.Equal(t, "fo_1", out.Session.ID)
	assert.Equal(t, "w2", out.Session.Reassigned["t1"])
}

func TestInitiateFailover_NoCriteriaLeavesNil(t *testing.T) {
	fc := newFakeCaller()
	s := newTestServer(fc)

	result := callTool(t, s, "initiate_failover", map[string]any{"worker_id": "w1", "async": true})
	require.False(t, result.IsError)

	var p api.FailoverParams
	require.NoError(t, json.Unmarshal(fc.last(t).params, &p))
	assert.Nil(t, p.Criteria)
	assert.True(t, p.Async)
	assert.Empty(t, p.Strategy)
}

func TestInitiateFailover_Validation(t *testing.T) {
	fc := newFakeCaller()
	s := newTestServer(fc)

	result := callTool(t, s, "initiate_failover", map[string]any{})
	assert.True(t, result.IsError)

	result = callTool(t, s, "initiate_failover", map[string]any{"worker_id": "w1", "strategy": "sometimes"})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "sometimes")

	assert.Empty(t, fc.calls, "invalid input must not reach the daemon")
}

func TestDaemonErrorBecomesToolError(t *testing.T) {
	fc := newFakeCaller()
	fc.errs[api.CmdFailover] = &uds.ErrorDetail{Code: failover.CodeNoAvailableAgents, Message: "no eligible worker"}
	s := newTestServer(fc)

	result := callTool(t, s, "initiate_failover", map[string]any{"worker_id": "w1"})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), failover.CodeNoAvailableAgents)
}

func TestDaemonUnreachable(t *testing.T) {
	fc := newFakeCaller()
	fc.errs[api.CmdSessions] = fmt.Errorf("connect to maestro-failover daemon: no such file")
	s := newTestServer(fc)

	result := callTool(t, s, "list_failover_sessions", nil)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "daemon")
}

func TestReassignTasks(t *testing.T) {
	fc := newFakeCaller()
	fc.replies[api.CmdReassign] = api.ReassignResult{Reassigned: map[string]string{"t1": "w2", "t2": "w3"}}
	s := newTestServer(fc)

	result := callTool(t, s, "reassign_tasks", map[string]any{
		"task_ids":         []string{"t1", "t2"},
		"failed_worker_id": "w1",
	})
	require.False(t, result.IsError, resultText(t, result))

	var p api.ReassignParams
	require.NoError(t, json.Unmarshal(fc.last(t).params, &p))
	assert.Equal(t, []string{"t1", "t2"}, p.TaskIDs)
	assert.Equal(t, "w1", p.FailedWorkerID)
	assert.Nil(t, p.Criteria.MaxWorkload)

	assert.Contains(t, resultText(t, result), `"t2": "w3"`)

	result = callTool(t, s, "reassign_tasks", map[string]any{"failed_worker_id": "w1"})
	assert.True(t, result.IsError)
}

func TestRecoverAndSnapshots(t *testing.T) {
	fc := newFakeCaller()
	fc.replies[api.CmdRecover] = api.RecoverResult{ActiveTasks: []string{"t1"}}
	fc.replies[api.CmdSnapshotGet] = api.SnapshotResult{Found: false}
	s := newTestServer(fc)

	result := callTool(t, s, "recover_agent_state", map[string]any{"failed_worker_id": "w1", "target_worker_id": "w2"})
	require.False(t, result.IsError)
	var rp api.RecoverParams
	require.NoError(t, json.Unmarshal(fc.last(t).params, &rp))
	assert.Equal(t, api.RecoverParams{FailedWorkerID: "w1", TargetWorkerID: "w2"}, rp)
	assert.Contains(t, resultText(t, result), "t1")

	result = callTool(t, s, "capture_agent_state", map[string]any{"worker_id": "w1"})
	require.False(t, result.IsError)
	assert.Equal(t, api.CmdSnapshotCapture, fc.last(t).command)

	result = callTool(t, s, "get_agent_snapshot", map[string]any{"worker_id": "w9"})
	require.False(t, result.IsError)
	assert.Equal(t, api.CmdSnapshotGet, fc.last(t).command)
	assert.Contains(t, resultText(t, result), `"found": false`)
}

func TestCreateTaskCheckpoint(t *testing.T) {
	fc := newFakeCaller()
	fc.replies[api.CmdCheckpointPut] = api.StatusResult{Status: "saved"}
	s := newTestServer(fc)

	result := callTool(t, s, "create_task_checkpoint", map[string]any{
		"task_id":              "t1",
		"worker_id":            "w1",
		"progress":             0.5,
		"intermediate_results": map[string]any{"files": 3},
		"next_steps":           []string{"write tests"},
	})
	require.False(t, result.IsError, resultText(t, result))

	var p api.CheckpointPutParams
	require.NoError(t, json.Unmarshal(fc.last(t).params, &p))
	assert.Equal(t, "t1", p.TaskID)
	assert.Equal(t, "w1", p.WorkerID)
	assert.InDelta(t, 0.5, p.Progress, 1e-9)
	assert.EqualValues(t, 3, p.IntermediateResults["files"])
	assert.Equal(t, []string{"write tests"}, p.NextSteps)

	result = callTool(t, s, "create_task_checkpoint", map[string]any{"task_id": "t1", "worker_id": "w1"})
	assert.True(t, result.IsError, "progress is required")

	result = callTool(t, s, "get_task_checkpoint", map[string]any{"task_id": "t1"})
	require.False(t, result.IsError)
	assert.Equal(t, api.CmdCheckpointGet, fc.last(t).command)
}

func TestUpdateFailoverConfig(t *testing.T) {
	fc := newFakeCaller()
	s := newTestServer(fc)

	result := callTool(t, s, "update_failover_config", map[string]any{
		"strategy":                      "delayed",
		"recovery_delay_sec":            2.5,
		"max_reassignment_attempts":     5,
		"enable_task_checkpointing":     false,
		"graceful_shutdown_timeout_sec": 10,
	})
	require.False(t, result.IsError, resultText(t, result))
	assert.Equal(t, api.CmdConfigUpdate, fc.last(t).command)

	var patch failover.ConfigPatch
	require.NoError(t, json.Unmarshal(fc.last(t).params, &patch))
	require.NotNil(t, patch.Strategy)
	assert.Equal(t, model.StrategyDelayed, *patch.Strategy)
	require.NotNil(t, patch.RecoveryDelay)
	assert.Equal(t, 2500*time.Millisecond, *patch.RecoveryDelay)
	require.NotNil(t, patch.MaxReassignmentAttempts)
	assert.Equal(t, 5, *patch.MaxReassignmentAttempts)
	require.NotNil(t, patch.EnableTaskCheckpointing)
	assert.False(t, *patch.EnableTaskCheckpointing)
	require.NotNil(t, patch.GracefulShutdownTimeout)
	assert.Equal(t, 10*time.Second, *patch.GracefulShutdownTimeout)
	assert.Nil(t, patch.EnableStateRecovery)
	assert.Nil(t, patch.TaskReassignmentTimeout)

	calls := len(fc.calls)
	result = callTool(t, s, "update_failover_config", map[string]any{})
	assert.True(t, result.IsError)
	result = callTool(t, s, "update_failover_config", map[string]any{"strategy": "never"})
	assert.True(t, result.IsError)
	assert.Len(t, fc.calls, calls)
}

func TestSupervisionTools(t *testing.T) {
	fc := newFakeCaller()
	fc.replies[api.CmdFlags] = []api.Flag{{AgentID: "w1", Reason: "disk full"}}
	s := newTestServer(fc)

	result := callTool(t, s, "list_manual_flags", nil)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "disk full")

	result = callTool(t, s, "release_agent", map[string]any{"agent_id": "w1"})
	require.False(t, result.IsError)
	var p api.AgentParams
	require.NoError(t, json.Unmarshal(fc.last(t).params, &p))
	assert.Equal(t, "w1", p.AgentID)
}

type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestServeStdio(t *testing.T) {
	fc := newFakeCaller()
	fc.replies[api.CmdConfigGet] = failover.DefaultConfig()
	s := newTestServer(fc)

	inR, inW := io.Pipe()
	var out syncWriter
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ServeStdio(ctx, s, inR, &out)
	}()

	_, err := io.WriteString(inW, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"get_failover_config","arguments":{}}}`+"\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"id":7`)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "max_reassignment_attempts")
	assert.Equal(t, api.CmdConfigGet, fc.last(t).command)

	cancel()
	_ = inW.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stdio server did not stop")
	}
}
