// Package config loads pipeline definitions from YAML or JSON files and
// builds the runtime objects the CLI hands to a supervisor. The core
// packages take plain constructor parameters; this package is the only
// place file formats are known.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Pipeline is one pipeline definition file.
type Pipeline struct {
	Name             string         `yaml:"name" json:"name"`
	Strategy         string         `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Workers          int            `yaml:"workers,omitempty" json:"workers,omitempty"`
	SkipStages       []string       `yaml:"skip_stages,omitempty" json:"skip_stages,omitempty"`
	Groups           [][]string     `yaml:"groups,omitempty" json:"groups,omitempty"`
	CheckpointDir    string         `yaml:"checkpoint_dir,omitempty" json:"checkpoint_dir,omitempty"`
	WatchdogInterval string         `yaml:"watchdog_interval,omitempty" json:"watchdog_interval,omitempty"`
	StageTimeout     string         `yaml:"stage_timeout,omitempty" json:"stage_timeout,omitempty"`
	Breaker          *BreakerConfig `yaml:"breaker,omitempty" json:"breaker,omitempty"`
	Input            map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
	Stages           []StageConfig  `yaml:"stages" json:"stages"`
}

// StageConfig defines one command stage and its per-stage policies.
type StageConfig struct {
	Name          string            `yaml:"name" json:"name"`
	Command       string            `yaml:"command" json:"command"`
	WorkDir       string            `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`
	Env           map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Recovery      *RecoveryConfig   `yaml:"recovery,omitempty" json:"recovery,omitempty"`
	DefaultResult map[string]any    `yaml:"default_result,omitempty" json:"default_result,omitempty"`
}

// RecoveryConfig is the per-stage retry policy in file form. Durations are
// strings in Go syntax ("30s", "2m").
type RecoveryConfig struct {
	MaxRetries        int     `yaml:"max_retries" json:"max_retries"`
	RetryDelay        string  `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty" json:"backoff_multiplier,omitempty"`
	Timeout           string  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// BreakerConfig is the circuit breaker policy in file form.
type BreakerConfig struct {
	FailureThreshold uint32 `yaml:"failure_threshold" json:"failure_threshold"`
	Cooldown         string `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
}

// ParseFile loads a Pipeline from a file. The file extension determines
// the format (JSON or YAML).
func ParseFile(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return ParseJSON(data)
	case ".yml", ".yaml":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("unsupported file extension: %s", ext)
	}
}

// ParseYAML loads a Pipeline from YAML.
func ParseYAML(data []byte) (*Pipeline, error) {
	var pipeline Pipeline
	if err := yaml.UnmarshalWithOptions(data, &pipeline, yaml.Strict()); err != nil {
		return nil, err
	}
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	return &pipeline, nil
}

// ParseJSON loads a Pipeline from JSON.
func ParseJSON(data []byte) (*Pipeline, error) {
	var pipeline Pipeline
	if err := json.Unmarshal(data, &pipeline); err != nil {
		return nil, err
	}
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	return &pipeline, nil
}

// Validate checks structural requirements: a name, at least one stage,
// unique stage names, parseable durations, and a known strategy.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %q has no stages", p.Name)
	}
	switch p.Strategy {
	case "", "standard", "fast", "parallel", "checkpointed":
	default:
		return fmt.Errorf("unknown strategy %q", p.Strategy)
	}
	if _, err := parseDuration(p.WatchdogInterval, 0); err != nil {
		return fmt.Errorf("invalid watchdog_interval: %w", err)
	}
	if _, err := parseDuration(p.StageTimeout, 0); err != nil {
		return fmt.Errorf("invalid stage_timeout: %w", err)
	}
	if p.Breaker != nil {
		if _, err := parseDuration(p.Breaker.Cooldown, 0); err != nil {
			return fmt.Errorf("invalid breaker cooldown: %w", err)
		}
	}

	seen := make(map[string]bool, len(p.Stages))
	for i, stage := range p.Stages {
		if stage.Name == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if seen[stage.Name] {
			return fmt.Errorf("duplicate stage name %q", stage.Name)
		}
		seen[stage.Name] = true
		if stage.Command == "" {
			return fmt.Errorf("stage %q has no command", stage.Name)
		}
		if stage.Recovery != nil {
			if _, err := parseDuration(stage.Recovery.RetryDelay, 0); err != nil {
				return fmt.Errorf("stage %q: invalid retry_delay: %w", stage.Name, err)
			}
			if _, err := parseDuration(stage.Recovery.Timeout, 0); err != nil {
				return fmt.Errorf("stage %q: invalid timeout: %w", stage.Name, err)
			}
		}
	}
	for _, group := range p.Groups {
		for _, name := range group {
			if !seen[name] {
				return fmt.Errorf("group references unknown stage %q", name)
			}
		}
	}
	for _, name := range p.SkipStages {
		if !seen[name] {
			return fmt.Errorf("skip_stages references unknown stage %q", name)
		}
	}
	return nil
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}
