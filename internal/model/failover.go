package model

import (
	"fmt"
	"strings"
	"time"
)

// FailoverStrategy selects the timing policy for automatic reassignment.
type FailoverStrategy string

const (
	StrategyImmediate FailoverStrategy = "immediate"
	StrategyGraceful  FailoverStrategy = "graceful"
	StrategyDelayed   FailoverStrategy = "delayed"
	StrategyManual    FailoverStrategy = "manual"
)

var validStrategies = map[FailoverStrategy]bool{
	StrategyImmediate: true,
	StrategyGraceful:  true,
	StrategyDelayed:   true,
	StrategyManual:    true,
}

func ParseStrategy(s string) (FailoverStrategy, error) {
	st := FailoverStrategy(strings.ToLower(strings.TrimSpace(s)))
	if !validStrategies[st] {
		return "", fmt.Errorf("unknown failover strategy %q", s)
	}
	return st, nil
}

func (s FailoverStrategy) Valid() bool {
	return validStrategies[s]
}

// FailoverSession records one initiateFailover run for a worker.
type FailoverSession struct {
	ID        string           `json:"id"`
	WorkerID  string           `json:"worker_id"`
	Reason    string           `json:"reason"`
	Strategy  FailoverStrategy `json:"strategy"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
	Outcome   SessionOutcome   `json:"outcome"`
	Error     string           `json:"error,omitempty"`
	// Reassigned maps task id to the worker that took it over.
	Reassigned map[string]string `json:"reassigned,omitempty"`
	// Unassigned maps task id to why it stayed with the failed worker.
	Unassigned map[string]string `json:"unassigned,omitempty"`
}

// AgentStateSnapshot is the most recent captured state of a worker.
type AgentStateSnapshot struct {
	WorkerID       string         `json:"worker_id"`
	CapturedAt     time.Time      `json:"captured_at"`
	Status         AgentStatus    `json:"status"`
	ActiveTasks    []string       `json:"active_tasks"`
	CompletedTasks []string       `json:"completed_tasks"`
	Workload       int            `json:"workload"`
	Config         map[string]any `json:"config,omitempty"`
	Resources      []string       `json:"resources,omitempty"`
}

func (s AgentStateSnapshot) Clone() AgentStateSnapshot {
	c := s
	c.ActiveTasks = cloneStrings(s.ActiveTasks)
	c.CompletedTasks = cloneStrings(s.CompletedTasks)
	c.Resources = cloneStrings(s.Resources)
	c.Config = cloneAnyMap(s.Config)
	return c
}

// TaskCheckpoint is the most recent progress record for a task.
type TaskCheckpoint struct {
	TaskID              string         `json:"task_id"`
	WorkerID            string         `json:"worker_id"`
	Progress            float64        `json:"progress"`
	IntermediateResults map[string]any `json:"intermediate_results,omitempty"`
	NextSteps           []string       `json:"next_steps,omitempty"`
	CapturedAt          time.Time      `json:"captured_at"`
}

func (c TaskCheckpoint) Clone() TaskCheckpoint {
	out := c
	out.IntermediateResults = cloneAnyMap(c.IntermediateResults)
	out.NextSteps = cloneStrings(c.NextSteps)
	return out
}

// ReassignmentCriteria narrows candidate workers. Zero values mean "no filter".
type ReassignmentCriteria struct {
	AgentType    string   `json:"agent_type,omitempty"`
	MaxWorkload  *int     `json:"max_workload,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Matches reports whether a satisfies every filter in c.
func (c ReassignmentCriteria) Matches(a Agent) bool {
	if c.AgentType != "" && a.Type != c.AgentType {
		return false
	}
	if c.MaxWorkload != nil && a.Workload > *c.MaxWorkload {
		return false
	}
	return a.HasCapabilities(c.Capabilities)
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// cloneAnyMap copies nested maps and slices so stored payloads cannot be mutated
// through the caller's references.
func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneAnyMap(t)
	case []any:
		c := make([]any, len(t))
		for i := range t {
			c[i] = cloneAny(t[i])
		}
		return c
	case []string:
		return cloneStrings(t)
	}
	return v
}
