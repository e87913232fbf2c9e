package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/msageha/maestro-failover/internal/api"
	"github.com/msageha/maestro-failover/internal/daemon"
	"github.com/msageha/maestro-failover/internal/failover"
	"github.com/msageha/maestro-failover/internal/lock"
	"github.com/msageha/maestro-failover/internal/model"
	"github.com/msageha/maestro-failover/internal/notify"
	"github.com/msageha/maestro-failover/internal/setup"
	"github.com/msageha/maestro-failover/internal/tools"
	"github.com/msageha/maestro-failover/internal/uds"
	atomicyaml "github.com/msageha/maestro-failover/internal/yaml"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "mcp":
		runMCP(os.Args[2:])
	case "ping":
		sendCommand("ping", api.CmdPing, nil)
	case "shutdown":
		sendCommand("shutdown", api.CmdShutdown, nil)
	case "failover":
		runFailover(os.Args[2:])
	case "reassign":
		runReassign(os.Args[2:])
	case "recover":
		runRecover(os.Args[2:])
	case "snapshot":
		runSnapshot(os.Args[2:])
	case "checkpoint":
		runCheckpoint(os.Args[2:])
	case "config":
		runConfig(os.Args[2:])
	case "sessions":
		sendCommand("sessions", api.CmdSessions, nil)
	case "task":
		runTask(os.Args[2:])
	case "agent":
		runAgent(os.Args[2:])
	case "flags":
		sendCommand("flags", api.CmdFlags, nil)
	case "notify":
		runNotify(os.Args[2:])
	case "version":
		fmt.Printf("maestro-failover %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	var dir, name string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			name = flagValue(args, &i)
		default:
			if dir != "" || strings.HasPrefix(args[i], "--") {
				fmt.Fprintf(os.Stderr, "unexpected argument: %s\nusage: maestro-failover setup <project_dir> [--name <project>]\n", args[i])
				os.Exit(1)
			}
			dir = args[i]
		}
	}
	if dir == "" {
		fmt.Fprintln(os.Stderr, "usage: maestro-failover setup <project_dir> [--name <project>]")
		os.Exit(1)
	}
	if err := setup.Run(dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized %s/ in %s\n", setup.StateDirName, absDir)
}

func runDaemon(_ []string) {
	stateDir := mustStateDir()

	cfg, rec, err := atomicyaml.LoadConfigWithRecovery(stateDir, filepath.Join(stateDir, atomicyaml.ConfigFileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if rec != nil {
		source := "backup"
		if rec.FromDefaults {
			source = "defaults"
		}
		fmt.Fprintf(os.Stderr, "warning: config was corrupted (%v); moved to %s and restored from %s\n",
			rec.Cause, rec.QuarantinedTo, source)
	}

	d, err := daemon.New(stateDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

// runMCP serves the MCP tools on stdin/stdout. Logs go to stderr so they never mix
// with protocol frames.
func runMCP(_ []string) {
	stateDir := mustStateDir()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stderr, "maestro-failover mcp: ", log.LstdFlags)
	client := uds.NewClient(daemon.SocketPath(stateDir))
	s := tools.NewServer(client, version, logger)
	if err := tools.ServeStdio(ctx, s, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("stdio server stopped: %v", err)
		os.Exit(1)
	}
}

func runFailover(args []string) {
	const usage = "usage: maestro-failover failover <worker_id> [--reason <text>] [--strategy <immediate|graceful|delayed|manual>] [--async] [criteria flags]"
	if len(args) < 1 || strings.HasPrefix(args[0], "--") {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	params := api.FailoverParams{WorkerID: args[0]}
	var criteria model.ReassignmentCriteria
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--reason":
			params.Reason = flagValue(rest, &i)
		case "--strategy":
			params.Strategy = model.FailoverStrategy(flagValue(rest, &i))
			if !params.Strategy.Valid() {
				fmt.Fprintf(os.Stderr, "invalid --strategy value: %s\n", params.Strategy)
				os.Exit(1)
			}
		case "--async":
			params.Async = true
		default:
			if !criteriaFlag(rest, &i, &criteria) {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
				os.Exit(1)
			}
		}
	}
	if criteria.AgentType != "" || criteria.MaxWorkload != nil || len(criteria.Capabilities) > 0 {
		params.Criteria = &criteria
	}
	sendCommand("failover", api.CmdFailover, params)
}

func runReassign(args []string) {
	const usage = "usage: maestro-failover reassign <failed_worker_id> --task <task_id> [--task ...] [criteria flags]"
	if len(args) < 1 || strings.HasPrefix(args[0], "--") {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	params := api.ReassignParams{FailedWorkerID: args[0]}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--task":
			params.TaskIDs = append(params.TaskIDs, flagValue(rest, &i))
		default:
			if !criteriaFlag(rest, &i, &params.Criteria) {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
				os.Exit(1)
			}
		}
	}
	if len(params.TaskIDs) == 0 {
		fmt.Fprintln(os.Stderr, "--task is required")
		os.Exit(1)
	}
	sendCommand("reassign", api.CmdReassign, params)
}

// criteriaFlag consumes one replacement-worker filter flag at args[*i].
func criteriaFlag(args []string, i *int, c *model.ReassignmentCriteria) bool {
	switch args[*i] {
	case "--agent-type":
		c.AgentType = flagValue(args, i)
	case "--max-workload":
		n := intValue(args, i)
		c.MaxWorkload = &n
	case "--capability":
		c.Capabilities = append(c.Capabilities, flagValue(args, i))
	default:
		return false
	}
	return true
}

func runRecover(args []string) {
	const usage = "usage: maestro-failover recover <failed_worker_id> [--target <worker_id>]"
	if len(args) < 1 || strings.HasPrefix(args[0], "--") {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	params := api.RecoverParams{FailedWorkerID: args[0]}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--target":
			params.TargetWorkerID = flagValue(rest, &i)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
			os.Exit(1)
		}
	}
	sendCommand("recover", api.CmdRecover, params)
}

func runSnapshot(args []string) {
	const usage = "usage: maestro-failover snapshot <capture|get> <worker_id>"
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	params := api.WorkerParams{WorkerID: args[1]}
	switch args[0] {
	case "capture":
		sendCommand("snapshot capture", api.CmdSnapshotCapture, params)
	case "get":
		sendCommand("snapshot get", api.CmdSnapshotGet, params)
	default:
		fmt.Fprintf(os.Stderr, "unknown snapshot subcommand: %s\n%s\n", args[0], usage)
		os.Exit(1)
	}
}

func runCheckpoint(args []string) {
	const usage = "usage: maestro-failover checkpoint <put|get> <task_id> [options]"
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	switch args[0] {
	case "put":
		runCheckpointPut(args[1], args[2:])
	case "get":
		sendCommand("checkpoint get", api.CmdCheckpointGet, api.TaskParams{TaskID: args[1]})
	default:
		fmt.Fprintf(os.Stderr, "unknown checkpoint subcommand: %s\n%s\n", args[0], usage)
		os.Exit(1)
	}
}

func runCheckpointPut(taskID string, rest []string) {
	const usage = "usage: maestro-failover checkpoint put <task_id> --worker <worker_id> --progress <0..1> [--next-step <text>]... [--result key=value]..."
	params := api.CheckpointPutParams{TaskID: taskID}
	progressSet := false
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--worker":
			params.WorkerID = flagValue(rest, &i)
		case "--progress":
			v := flagValue(rest, &i)
			p, err := strconv.ParseFloat(v, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --progress value: %s\n", v)
				os.Exit(1)
			}
			params.Progress = p
			progressSet = true
		case "--next-step":
			params.NextSteps = append(params.NextSteps, flagValue(rest, &i))
		case "--result":
			kv := flagValue(rest, &i)
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				fmt.Fprintf(os.Stderr, "invalid --result value (want key=value): %s\n", kv)
				os.Exit(1)
			}
			if params.IntermediateResults == nil {
				params.IntermediateResults = make(map[string]any)
			}
			params.IntermediateResults[k] = v
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
			os.Exit(1)
		}
	}
	if params.WorkerID == "" || !progressSet {
		fmt.Fprintln(os.Stderr, "required: --worker, --progress")
		os.Exit(1)
	}
	sendCommand("checkpoint put", api.CmdCheckpointPut, params)
}

func runConfig(args []string) {
	const usage = "usage: maestro-failover config <get|update> [options]"
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	switch args[0] {
	case "get":
		sendCommand("config get", api.CmdConfigGet, nil)
	case "update":
		runConfigUpdate(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown config subcommand: %s\n%s\n", args[0], usage)
		os.Exit(1)
	}
}

func runConfigUpdate(rest []string) {
	const usage = "usage: maestro-failover config update [--strategy <s>] [--graceful-timeout <dur>] [--reassign-timeout <dur>] " +
		"[--max-attempts <n>] [--state-recovery <bool>] [--checkpointing <bool>] [--recovery-delay <dur>] [--poll-interval <dur>] [--shutdown-timeout <dur>]"

	var patch failover.ConfigPatch
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--strategy":
			s := model.FailoverStrategy(flagValue(rest, &i))
			if !s.Valid() {
				fmt.Fprintf(os.Stderr, "invalid --strategy value: %s\n", s)
				os.Exit(1)
			}
			patch.Strategy = &s
		case "--graceful-timeout":
			patch.GracefulShutdownTimeout = durationValue(rest, &i)
		case "--reassign-timeout":
			patch.TaskReassignmentTimeout = durationValue(rest, &i)
		case "--recovery-delay":
			patch.RecoveryDelay = durationValue(rest, &i)
		case "--poll-interval":
			patch.StatusPollInterval = durationValue(rest, &i)
		case "--shutdown-timeout":
			patch.ShutdownTimeout = durationValue(rest, &i)
		case "--max-attempts":
			n := intValue(rest, &i)
			patch.MaxReassignmentAttempts = &n
		case "--state-recovery":
			patch.EnableStateRecovery = boolValue(rest, &i)
		case "--checkpointing":
			patch.EnableTaskCheckpointing = boolValue(rest, &i)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
			os.Exit(1)
		}
	}
	if patch.Empty() {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	sendCommand("config update", api.CmdConfigUpdate, patch)
}

func runTask(args []string) {
	const usage = "usage: maestro-failover task <put|list> [options]"
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		sendCommand("task list", api.CmdTaskList, nil)
	case "put":
		runTaskPut(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown task subcommand: %s\n%s\n", args[0], usage)
		os.Exit(1)
	}
}

func runTaskPut(args []string) {
	const usage = "usage: maestro-failover task put <task_id> [--title <t>] [--status <s>] [--priority <n>] [--worker <id>] [--depends-on <id>]..."
	if len(args) < 1 || strings.HasPrefix(args[0], "--") {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	t := model.Task{ID: args[0], Status: model.TaskStatusQueued, CreatedAt: time.Now().UTC()}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--title":
			t.Title = flagValue(rest, &i)
		case "--status":
			t.Status = model.TaskStatus(flagValue(rest, &i))
		case "--priority":
			t.Priority = intValue(rest, &i)
		case "--worker":
			w := flagValue(rest, &i)
			t.AssignedWorker = &w
		case "--depends-on":
			t.Dependencies = append(t.Dependencies, flagValue(rest, &i))
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
			os.Exit(1)
		}
	}
	if t.Status == model.TaskStatusInProgress {
		now := time.Now().UTC()
		t.StartedAt = &now
	}
	sendCommand("task put", api.CmdTaskPut, t)
}

func runAgent(args []string) {
	const usage = "usage: maestro-failover agent <put|list|release> [options]"
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		sendCommand("agent list", api.CmdAgentList, nil)
	case "put":
		runAgentPut(args[1:])
	case "release":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: maestro-failover agent release <agent_id>")
			os.Exit(1)
		}
		sendCommand("agent release", api.CmdAgentRelease, api.AgentParams{AgentID: args[1]})
	default:
		fmt.Fprintf(os.Stderr, "unknown agent subcommand: %s\n%s\n", args[0], usage)
		os.Exit(1)
	}
}

func runAgentPut(args []string) {
	const usage = "usage: maestro-failover agent put <agent_id> [--type <t>] [--status <s>] [--workload <n>] [--max-tasks <n>] [--capability <c>]..."
	if len(args) < 1 || strings.HasPrefix(args[0], "--") {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	now := time.Now().UTC()
	a := model.Agent{ID: args[0], Status: model.AgentStatusIdle, CreatedAt: now, LastActiveAt: now}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--type":
			a.Type = flagValue(rest, &i)
		case "--status":
			a.Status = model.AgentStatus(flagValue(rest, &i))
		case "--workload":
			a.Workload = intValue(rest, &i)
		case "--max-tasks":
			a.Config.MaxConcurrentTasks = intValue(rest, &i)
		case "--capability":
			a.Capabilities = append(a.Capabilities, flagValue(rest, &i))
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
			os.Exit(1)
		}
	}
	sendCommand("agent put", api.CmdAgentPut, a)
}

func runNotify(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: maestro-failover notify <title> <message>")
		os.Exit(1)
	}
	if err := notify.NewDesktop().Send(args[0], args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "notify: %v\n", err)
		os.Exit(1)
	}
}

// sendCommand sends one command to the daemon and prints the response data.
// Exit status is 1 for a failed command and 2 when no daemon answers.
func sendCommand(label, command string, params any) {
	stateDir := mustStateDir()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := uds.NewClient(daemon.SocketPath(stateDir))
	resp, err := client.SendCommand(ctx, command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", label, err)
		if pid, _ := lock.HolderPID(daemon.LockPath(stateDir)); pid > 0 {
			fmt.Fprintf(os.Stderr, "daemon lock is held by pid %d; its socket may be stale\n", pid)
		}
		os.Exit(2)
	}

	if len(resp.Data) > 0 {
		out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
		fmt.Println(string(out))
	}
	if !resp.Success {
		code := ""
		msg := "unknown error"
		if resp.Error != nil {
			code = resp.Error.Code
			msg = resp.Error.Message
		}
		fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", label, code, msg)
		os.Exit(1)
	}
}

func mustStateDir() string {
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "getwd: %v\n", err)
		os.Exit(1)
	}
	dir, ok := setup.FindStateDir(wd)
	if !ok {
		fmt.Fprintf(os.Stderr, "error: %s/ directory not found. Run 'maestro-failover setup <dir>' first.\n", setup.StateDirName)
		os.Exit(1)
	}
	return dir
}

// flagValue returns the value following the flag at args[*i] and advances i.
func flagValue(args []string, i *int) string {
	if *i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", args[*i])
		os.Exit(1)
	}
	*i++
	return args[*i]
}

func intValue(args []string, i *int) int {
	name := args[*i]
	v := flagValue(args, i)
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s value: %s\n", name, v)
		os.Exit(1)
	}
	return n
}

func boolValue(args []string, i *int) *bool {
	name := args[*i]
	v := flagValue(args, i)
	b, err := strconv.ParseBool(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s value: %s\n", name, v)
		os.Exit(1)
	}
	return &b
}

func durationValue(args []string, i *int) *time.Duration {
	name := args[*i]
	v := flagValue(args, i)
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s value: %s\n", name, v)
		os.Exit(1)
	}
	return &d
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `maestro-failover %s: failover coordination for agent pools

Usage: maestro-failover <command> [options]

Lifecycle:
  setup <dir> [--name <n>]    Initialize %s/ directory
  daemon                      Run the daemon process
  mcp                         Serve failover tools over MCP stdio
  ping                        Check that the daemon is up
  shutdown                    Stop the daemon

Failover:
  failover <worker> [options]         Start a failover session
  reassign <worker> --task <id>...    Reassign specific tasks
  recover <worker> [--target <w>]     Restore a worker snapshot
  sessions                            List running sessions
  snapshot capture|get <worker>       Capture or show a worker snapshot
  checkpoint put|get <task> [options] Record or show a task checkpoint

Configuration:
  config get                   Show the failover config
  config update [options]      Change failover settings at runtime

Pool:
  task put|list                Upsert or list tasks
  agent put|list|release       Upsert, list or release agents
  flags                        Workers waiting for an operator

Utilities:
  notify <title> <msg>  Desktop notification
  version               Show version
  help                  Show this help

`, version, setup.StateDirName)
}
