package model

import "fmt"

type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusBlocked    TaskStatus = "blocked"
)

type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusWorking AgentStatus = "working"
	AgentStatusWaiting AgentStatus = "waiting"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

type SessionOutcome string

const (
	OutcomeInProgress          SessionOutcome = "in_progress"
	OutcomeCompleted           SessionOutcome = "completed"
	OutcomeRecovered           SessionOutcome = "recovered"
	OutcomeFailed              SessionOutcome = "failed"
	OutcomePendingManualAction SessionOutcome = "pending_manual_action"
)

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskStatusCompleted: true,
	TaskStatusFailed:    true,
}

var validTaskStatuses = map[TaskStatus]bool{
	TaskStatusQueued:     true,
	TaskStatusInProgress: true,
	TaskStatusCompleted:  true,
	TaskStatusFailed:     true,
	TaskStatusBlocked:    true,
}

var validAgentStatuses = map[AgentStatus]bool{
	AgentStatusIdle:    true,
	AgentStatusWorking: true,
	AgentStatusWaiting: true,
	AgentStatusError:   true,
	AgentStatusOffline: true,
}

// Task transitions: queued/blocked ↔ in_progress → terminal.
// in_progress → queued is the failover path (work handed back before reassignment).
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusQueued: {
		TaskStatusInProgress: true,
		TaskStatusBlocked:    true,
		TaskStatusFailed:     true,
	},
	TaskStatusBlocked: {
		TaskStatusQueued:     true,
		TaskStatusInProgress: true,
		TaskStatusFailed:     true,
	},
	TaskStatusInProgress: {
		TaskStatusQueued:    true,
		TaskStatusBlocked:   true,
		TaskStatusCompleted: true,
		TaskStatusFailed:    true,
	},
}

var terminalOutcomes = map[SessionOutcome]bool{
	OutcomeCompleted:           true,
	OutcomeRecovered:           true,
	OutcomeFailed:              true,
	OutcomePendingManualAction: true,
}

func IsTaskTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func IsValidTaskStatus(s TaskStatus) bool {
	return validTaskStatuses[s]
}

func IsValidAgentStatus(s AgentStatus) bool {
	return validAgentStatuses[s]
}

// IsAgentResponsive reports whether an agent in status s can take work.
func IsAgentResponsive(s AgentStatus) bool {
	switch s {
	case AgentStatusIdle, AgentStatusWorking, AgentStatusWaiting:
		return true
	}
	return false
}

func IsOutcomeTerminal(o SessionOutcome) bool {
	return terminalOutcomes[o]
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if from == to {
		return nil
	}
	if IsTaskTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
