// Package shell provides the built-in task that runs a local command.
package shell

import (
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"relayq/internal/domain"
	"relayq/internal/task"
)

type params struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type output struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// Register wires the "shell" task into the registry.
func Register(reg *task.Registry) {
	reg.MustRegister("shell", Run, task.Defaults{
		SoftLimit: 5 * time.Minute,
	})
}

func Run(ctx context.Context, inv task.Invocation) (any, error) {
	var p params
	if err := decodeKwargs(inv.Kwargs, &p); err != nil {
		return nil, domain.Permanentf("invalid shell params: %v", err)
	}
	if p.Command == "" {
		return nil, domain.Permanentf("command is required")
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, domain.Permanentf("command exited %d: %s", exitErr.ExitCode(), string(out))
		}
		return nil, domain.Permanentf("command failed to start: %v", err)
	}
	return output{ExitCode: 0, Output: string(out)}, nil
}

func decodeKwargs(kwargs map[string]any, v any) error {
	raw, err := json.Marshal(kwargs)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
