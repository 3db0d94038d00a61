package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadLaunchConfig_Valid(t *testing.T) {
	path := writeTempConfig(t, `
profile_path: profile.csv
host_file_path: hosts.txt
gpus_per_node: 4
candidate_node_counts: [1, 2, 4]
microbatches: 16
training_script:
  path: train.py
  args: ["--epochs", "3"]
rendezvous:
  poll_interval_ms: 100
`)
	cfg, err := LoadLaunchConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.GPUsPerNode)
	assert.Equal(t, []int{1, 2, 4}, cfg.CandidateNodeCounts)
	assert.Equal(t, "train.py", cfg.TrainingScript.Path)
}

func TestLoadLaunchConfig_DefaultsPollInterval(t *testing.T) {
	path := writeTempConfig(t, `
profile_path: profile.csv
host_file_path: hosts.txt
gpus_per_node: 2
candidate_node_counts: [1]
microbatches: 4
training_script:
  path: train.py
`)
	cfg, err := LoadLaunchConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Rendezvous.PollIntervalMS)
}

func TestLoadLaunchConfig_RejectsUnknownField(t *testing.T) {
	path := writeTempConfig(t, `
profile_path: profile.csv
host_file_path: hosts.txt
gpus_per_node: 2
candidate_node_counts: [1]
microbatches: 4
training_script:
  path: train.py
bogus_field: true
`)
	_, err := LoadLaunchConfig(path)
	assert.Error(t, err)
}

func TestLoadLaunchConfig_MissingRequired(t *testing.T) {
	path := writeTempConfig(t, `
gpus_per_node: 2
candidate_node_counts: [1]
microbatches: 4
`)
	_, err := LoadLaunchConfig(path)
	assert.Error(t, err)
}
