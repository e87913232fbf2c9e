// Package notify delivers operator alerts, such as a worker being flagged for manual
// intervention, as desktop notifications.
package notify

import (
	"fmt"
	"os/exec"
	"strings"
)

// Notifier sends one alert.
type Notifier interface {
	Send(title, message string) error
}

// Func adapts a function to Notifier.
type Func func(title, message string) error

func (f Func) Send(title, message string) error {
	return f(title, message)
}

// Desktop sends macOS notifications via osascript with sound.
type Desktop struct {
	run func(name string, args ...string) ([]byte, error)
}

func NewDesktop() *Desktop {
	return &Desktop{run: func(name string, args ...string) ([]byte, error) {
		return exec.Command(name, args...).CombinedOutput()
	}}
}

func (d *Desktop) Send(title, message string) error {
	script := fmt.Sprintf(
		`display notification "%s" with title "%s" sound name "default"`,
		escapeAppleScript(message), escapeAppleScript(title),
	)
	if out, err := d.run("osascript", "-e", script); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ManualIntervention formats the alert for a worker handed to an operator.
func ManualIntervention(agentID, reason string) (title, message string) {
	title = "maestro-failover: manual action required"
	message = fmt.Sprintf("Worker %s needs an operator", agentID)
	if reason != "" {
		message += ": " + reason
	}
	return title, message
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
