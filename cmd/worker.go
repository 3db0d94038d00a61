package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/oobleck-ml/oobleck/internal/controlplane"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:                "worker",
	Short:              "Run a single training worker process (invoked by an Agent, not directly by a user)",
	DisableFlagParsing: true,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			logrus.Fatal("worker: missing training script path")
		}

		env := controlplane.WorkerEnv{
			Rank:       mustAtoi("RANK"),
			WorldSize:  mustAtoi("WORLD_SIZE"),
			MasterAddr: os.Getenv("MASTER_ADDR"),
			GPUIndex:   mustAtoi("CUDA_VISIBLE_DEVICES"),
		}

		err := controlplane.RunWorker(context.Background(), env, os.Stdin, os.Stdout, runTrainingScript(args[0], args[1:]))
		if err != nil {
			logrus.Fatalf("worker rank %d: %v", env.Rank, err)
		}
	},
}

func mustAtoi(envVar string) int {
	v := os.Getenv(envVar)
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.Fatalf("worker: invalid %s=%q: %v", envVar, v, err)
	}
	return n
}

// runTrainingScript builds the TrainingFunc that waits for the rendezvous
// port, then execs the externally-provided training script (spec
// Non-goals: model loading, tokenization, data loading, tensor compute are
// all out of scope; this is only the invocation boundary). A
// reconfiguration event during training, or the Agent closing the control
// pipe, terminates the script and the worker returns without error. The
// worker is not relaunched: Agent.Run returns once its first local worker
// exits, and nothing restarts workers against the new membership.
func runTrainingScript(path string, args []string) controlplane.TrainingFunc {
	return func(ctx context.Context, env controlplane.WorkerEnv, rendezvousPort <-chan controlplane.PortInfo, reconfig <-chan controlplane.ReconfigureEvent) error {
		var port controlplane.PortInfo
		select {
		case p, ok := <-rendezvousPort:
			if !ok {
				return fmt.Errorf("worker: rendezvous port channel closed before delivering a port")
			}
			port = p
		case <-ctx.Done():
			return ctx.Err()
		}

		c := exec.CommandContext(ctx, path, args...)
		c.Env = append(os.Environ(),
			fmt.Sprintf("RANK=%d", env.Rank),
			fmt.Sprintf("WORLD_SIZE=%d", env.WorldSize),
			fmt.Sprintf("MASTER_ADDR=%s", env.MasterAddr),
			fmt.Sprintf("MASTER_PORT=%d", port.Port),
		)
		c.Stdout = os.Stderr
		c.Stderr = os.Stderr
		if err := c.Start(); err != nil {
			return fmt.Errorf("worker: starting training script: %w", err)
		}

		done := make(chan error, 1)
		go func() { done <- c.Wait() }()

		select {
		case err := <-done:
			return err
		case ev, ok := <-reconfig:
			if ok {
				logrus.WithFields(logrus.Fields{"rank": env.Rank, "hosts": len(ev.DistInfo.Hosts)}).
					Info("worker: reconfiguration received, terminating for relaunch")
			}
			_ = c.Process.Kill()
			<-done
			return nil
		}
	}
}
