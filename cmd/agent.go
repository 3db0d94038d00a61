package cmd

import (
	"context"
	"os"
	"time"

	"github.com/oobleck-ml/oobleck/internal/config"
	"github.com/oobleck-ml/oobleck/internal/controlplane"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	agentConfigPath string
	agentMasterURL  string
	agentIndex      int
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run an Agent: launch local workers and drive rendezvous with the Master",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadLaunchConfig(agentConfigPath)
		if err != nil {
			logrus.Fatalf("loading config: %v", err)
		}

		binary, err := os.Executable()
		if err != nil {
			logrus.Fatalf("resolving own executable path: %v", err)
		}

		pollInterval := time.Duration(cfg.Rendezvous.PollIntervalMS) * time.Millisecond
		client := controlplane.NewHTTPClient(agentMasterURL, pollInterval)
		launcher := controlplane.NewExecLauncher(binary)
		agent := controlplane.NewAgent(agentIndex, client, launcher)

		if err := agent.Run(context.Background()); err != nil {
			logrus.Fatalf("agent %d: %v", agentIndex, err)
		}
	},
}

func init() {
	agentCmd.Flags().StringVar(&agentConfigPath, "config", "cluster.yaml", "Path to the cluster launch config")
	agentCmd.Flags().StringVar(&agentMasterURL, "master", "http://127.0.0.1:7777", "Base URL of the control-plane Master")
	agentCmd.Flags().IntVar(&agentIndex, "index", 0, "This host's index into the host file")
}
