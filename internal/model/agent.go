package model

import (
	"fmt"
	"time"
)

type AgentConfig struct {
	MaxConcurrentTasks int               `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	Timeout            time.Duration     `json:"timeout" yaml:"timeout"`
	RetryBudget        int               `json:"retry_budget" yaml:"retry_budget"`
	Extra              map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Agent is a worker tracked by an AgentRegistry.
type Agent struct {
	ID           string      `json:"id" yaml:"id"`
	Type         string      `json:"type" yaml:"type"`
	Status       AgentStatus `json:"status" yaml:"status"`
	Capabilities []string    `json:"capabilities,omitempty" yaml:"capabilities"`
	Workload     int         `json:"workload" yaml:"workload"`
	Config       AgentConfig `json:"config" yaml:"config"`
	CreatedAt    time.Time   `json:"created_at" yaml:"created_at"`
	LastActiveAt time.Time   `json:"last_active_at" yaml:"last_active_at"`
}

// HasCapabilities reports whether a provides every capability in required.
func (a Agent) HasCapabilities(required []string) bool {
	for _, r := range required {
		found := false
		for _, c := range a.Capabilities {
			if c == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of a.
func (a Agent) Clone() Agent {
	c := a
	if a.Capabilities != nil {
		c.Capabilities = append([]string(nil), a.Capabilities...)
	}
	if a.Config.Extra != nil {
		c.Config.Extra = make(map[string]string, len(a.Config.Extra))
		for k, v := range a.Config.Extra {
			c.Config.Extra[k] = v
		}
	}
	return c
}

// ConfigMap renders the agent configuration as the opaque map carried by snapshots.
func (c AgentConfig) ConfigMap() map[string]any {
	m := map[string]any{
		"max_concurrent_tasks": c.MaxConcurrentTasks,
		"timeout_ms":           c.Timeout.Milliseconds(),
		"retry_budget":         c.RetryBudget,
	}
	for k, v := range c.Extra {
		m[k] = v
	}
	return m
}

// ApplyConfigMap merges an opaque snapshot configuration into c. Known keys update the
// typed fields; anything else lands in Extra.
func (c AgentConfig) ApplyConfigMap(m map[string]any) AgentConfig {
	out := c
	if c.Extra != nil {
		out.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	for k, v := range m {
		switch k {
		case "max_concurrent_tasks":
			if n, ok := toInt(v); ok {
				out.MaxConcurrentTasks = n
			}
		case "timeout_ms":
			if n, ok := toInt(v); ok {
				out.Timeout = time.Duration(n) * time.Millisecond
			}
		case "retry_budget":
			if n, ok := toInt(v); ok {
				out.RetryBudget = n
			}
		default:
			if out.Extra == nil {
				out.Extra = make(map[string]string)
			}
			out.Extra[k] = fmt.Sprint(v)
		}
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
