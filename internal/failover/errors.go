package failover

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAlreadyInProgress      = errors.New("failover already in progress")
	ErrNoAvailableAgents      = errors.New("no available agents")
	ErrSnapshotNotFound       = errors.New("state snapshot not found")
	ErrAllReassignmentsFailed = errors.New("all task reassignments failed")
	ErrInvalidProgress        = errors.New("checkpoint progress must be a finite value in [0,1]")
	ErrCoordinatorClosed      = errors.New("failover coordinator is shut down")
	ErrAgentNotFound          = errors.New("agent not found")
	ErrStateRecoveryDisabled  = errors.New("state recovery is disabled")
	ErrCheckpointingDisabled  = errors.New("task checkpointing is disabled")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrNoCapacity             = errors.New("all candidates at capacity")
	ErrSessionPanic           = errors.New("failover session panicked")
)

// ReassignmentError records why a single task could not be moved. The batch continues.
type ReassignmentError struct {
	TaskID    string
	Candidate string
	Attempts  int
	Err       error
}

func (e *ReassignmentError) Error() string {
	if e.Candidate == "" {
		return fmt.Sprintf("reassign task %s: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("reassign task %s to %s (attempts=%d): %v", e.TaskID, e.Candidate, e.Attempts, e.Err)
}

func (e *ReassignmentError) Unwrap() error {
	return e.Err
}

// ConfigValidationError rejects a configuration update. The live config is unchanged.
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid failover config: %s: %s", e.Field, e.Reason)
}

// Stable codes carried by failover_failed events and daemon error responses.
const (
	CodeAlreadyInProgress      = "ALREADY_IN_PROGRESS"
	CodeNoAvailableAgents      = "NO_AVAILABLE_AGENTS"
	CodeSnapshotNotFound       = "SNAPSHOT_NOT_FOUND"
	CodeAllReassignmentsFailed = "ALL_REASSIGNMENTS_FAILED"
	CodeInvalidProgress        = "INVALID_PROGRESS"
	CodeCoordinatorClosed      = "COORDINATOR_CLOSED"
	CodeAgentNotFound          = "AGENT_NOT_FOUND"
	CodeFeatureDisabled        = "FEATURE_DISABLED"
	CodeInvalidConfig          = "INVALID_CONFIG"
	CodeInvalidArgument        = "INVALID_ARGUMENT"
	CodeTimeout                = "TIMEOUT"
	CodeInternal               = "INTERNAL"
)

// ErrorCode maps err to one of the Code* constants.
func ErrorCode(err error) string {
	var cfgErr *ConfigValidationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyInProgress):
		return CodeAlreadyInProgress
	case errors.Is(err, ErrAllReassignmentsFailed):
		return CodeAllReassignmentsFailed
	case errors.Is(err, ErrNoAvailableAgents):
		return CodeNoAvailableAgents
	case errors.Is(err, ErrSnapshotNotFound):
		return CodeSnapshotNotFound
	case errors.Is(err, ErrInvalidProgress):
		return CodeInvalidProgress
	case errors.Is(err, ErrCoordinatorClosed):
		return CodeCoordinatorClosed
	case errors.Is(err, ErrAgentNotFound):
		return CodeAgentNotFound
	case errors.Is(err, ErrStateRecoveryDisabled), errors.Is(err, ErrCheckpointingDisabled):
		return CodeFeatureDisabled
	case errors.As(err, &cfgErr):
		return CodeInvalidConfig
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}
