// Package invalidation defines the deployment activation events the worker
// consumes from Kafka. An event announcing a new shell version supersedes
// older shell partitions exactly like a local activation does.
package invalidation

import (
	"errors"
	"fmt"
	"time"
)

// OpActivate is the only operation the worker acts on today.
const OpActivate = "activate"

// Event is the wire format published by the deployment pipeline.
type Event struct {
	Version      int       `json:"version"`
	Op           string    `json:"op"`
	ShellVersion string    `json:"shell_version"`
	TS           time.Time `json:"ts"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("unsupported event version %d", e.Version)
	}
	if e.Op != OpActivate {
		return fmt.Errorf("unsupported op %q", e.Op)
	}
	if e.ShellVersion == "" {
		return errors.New("shell_version is required")
	}
	return nil
}

// ShellPartition is the partition name the event's shell version maps to.
func (e Event) ShellPartition() string {
	return "shell-" + e.ShellVersion
}
