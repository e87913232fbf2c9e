package model

import "time"

// Task is a unit of work owned by a TaskStore. AssignedWorker is nil while unassigned.
type Task struct {
	ID                string        `json:"id" yaml:"id"`
	Title             string        `json:"title" yaml:"title"`
	Status            TaskStatus    `json:"status" yaml:"status"`
	Priority          int           `json:"priority" yaml:"priority"`
	AssignedWorker    *string       `json:"assigned_worker,omitempty" yaml:"assigned_worker"`
	Dependencies      []string      `json:"dependencies,omitempty" yaml:"dependencies"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty" yaml:"estimated_duration"`
	CreatedAt         time.Time     `json:"created_at" yaml:"created_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty" yaml:"started_at"`
}

// AssignedTo returns the assigned worker id, or "" when unassigned.
func (t Task) AssignedTo() string {
	if t.AssignedWorker == nil {
		return ""
	}
	return *t.AssignedWorker
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	c := t
	if t.AssignedWorker != nil {
		w := *t.AssignedWorker
		c.AssignedWorker = &w
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	return c
}
