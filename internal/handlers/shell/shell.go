// Package shell runs a schedule's payload as a local process.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"

	"tickflow/internal/domain"
)

type Shell struct{}

type Cmd struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func (h Shell) Handle(ctx context.Context, inv domain.Invocation) error {
	var c Cmd
	if len(inv.Payload) == 0 {
		return errors.New("shell payload is required")
	}
	if err := json.Unmarshal(inv.Payload, &c); err != nil {
		return fmt.Errorf("invalid shell payload: %w", err)
	}
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(),
		"TICKFLOW_RUN_ID="+inv.RunID,
		"TICKFLOW_SCHEDULE_ID="+inv.ScheduleID,
		"TICKFLOW_PLANNED_RUN_AT="+inv.PlannedRunAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	)
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	log.Debug().Str("run_id", inv.RunID).Bytes("output", out).Msg("shell command finished")
	return nil
}
