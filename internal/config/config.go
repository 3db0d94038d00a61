// Package config loads the cluster launch configuration: candidate node
// counts, GPUs per node, microbatch count, and the paths to the profile CSV
// and host file (spec §6).
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LaunchConfig is the top-level YAML document consumed by `oobleck plan`,
// `oobleck master` and `oobleck agent`.
type LaunchConfig struct {
	ProfilePath         string           `yaml:"profile_path"`
	HostFilePath        string           `yaml:"host_file_path"`
	GPUsPerNode         int              `yaml:"gpus_per_node"`
	CandidateNodeCounts []int            `yaml:"candidate_node_counts"`
	Microbatches        int              `yaml:"microbatches"`
	TrainingScript      ScriptConfig     `yaml:"training_script"`
	Rendezvous          RendezvousConfig `yaml:"rendezvous"`
}

// ScriptConfig names the externally-provided training entry point (spec
// Non-goals: training itself is out of scope, only its invocation).
type ScriptConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

// RendezvousConfig tunes the Agent's polling backoff while waiting for the
// Master's rendezvous port (spec §5).
type RendezvousConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// Validate checks the structural constraints LoadLaunchConfig can't express
// through YAML decoding alone.
func (c *LaunchConfig) Validate() error {
	if c.ProfilePath == "" {
		return fmt.Errorf("config: profile_path is required")
	}
	if c.HostFilePath == "" {
		return fmt.Errorf("config: host_file_path is required")
	}
	if c.GPUsPerNode <= 0 {
		return fmt.Errorf("config: gpus_per_node must be positive, got %d", c.GPUsPerNode)
	}
	if len(c.CandidateNodeCounts) == 0 {
		return fmt.Errorf("config: candidate_node_counts must be non-empty")
	}
	if c.Microbatches <= 0 {
		return fmt.Errorf("config: microbatches must be positive, got %d", c.Microbatches)
	}
	if c.TrainingScript.Path == "" {
		return fmt.Errorf("config: training_script.path is required")
	}
	if c.Rendezvous.PollIntervalMS <= 0 {
		c.Rendezvous.PollIntervalMS = 100
	}
	return nil
}

// LoadLaunchConfig reads and strictly parses path: unrecognized keys are
// rejected rather than silently ignored.
func LoadLaunchConfig(path string) (*LaunchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg LaunchConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
