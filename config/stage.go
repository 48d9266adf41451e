package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	artemis "github.com/redmage123/artemis-sub002"
)

// CommandStage runs a shell command as one pipeline stage. The accumulated
// pipeline context is passed to the command as JSON in ARTEMIS_CONTEXT;
// stdout becomes the stage's output.
type CommandStage struct {
	name    string
	command string
	workDir string
	env     map[string]string
}

// NewCommandStage builds a stage from its file definition.
func NewCommandStage(cfg StageConfig) *CommandStage {
	return &CommandStage{
		name:    cfg.Name,
		command: cfg.Command,
		workDir: cfg.WorkDir,
		env:     cfg.Env,
	}
}

func (s *CommandStage) Name() string { return s.name }

func (s *CommandStage) Execute(ctx context.Context, input map[string]any) (*artemis.StageResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", s.command)
	cmd.Dir = s.workDir

	env := os.Environ()
	if len(input) > 0 {
		contextJSON, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("failed to encode stage context: %w", err)
		}
		env = append(env, "ARTEMIS_CONTEXT="+string(contextJSON))
	}
	for key, value := range s.env {
		env = append(env, key+"="+value)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("command failed: %w: %s", err, detail)
		}
		return nil, fmt.Errorf("command failed: %w", err)
	}

	output := map[string]any{
		s.name + "_stdout": strings.TrimSpace(stdout.String()),
	}
	return &artemis.StageResult{Output: output, Status: artemis.StageStatusComplete}, nil
}
