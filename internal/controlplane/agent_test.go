package controlplane_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oobleck-ml/oobleck/internal/controlplane"
	"github.com/oobleck-ml/oobleck/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAgents_RendezvousHappyPath mirrors spec §8 scenario S3: every agent
// fetches distribution info, rank 0 binds the rendezvous listener and
// reports its port to the Master, and every worker observes the same
// nonzero port before its training loop returns.
func TestAgents_RendezvousHappyPath(t *testing.T) {
	dist := controlplane.DistInfo{Hosts: []controlplane.HostEntry{
		{IP: "127.0.0.1", Slots: 2, Port: 29500},
		{IP: "127.0.0.2", Slots: 1, Port: 29500},
	}}
	code := controlplane.CodeInfo{Path: "train.py"}
	master := controlplane.NewMaster(dist, code)

	var mu sync.Mutex
	observedPorts := map[int]int{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, len(dist.Hosts))
	for i := range dist.Hosts {
		i := i
		launcher := testutil.NewWorkerPool(ctx, recordingTrain(&mu, observedPorts))
		agent := controlplane.NewAgent(i, master, launcher)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = agent.Run(ctx)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		require.NoErrorf(t, err, "agent %d", i)
	}

	require.Len(t, observedPorts, 3)
	var port int
	first := true
	for rank, p := range observedPorts {
		assert.NotZero(t, p, "rank %d observed a zero rendezvous port", rank)
		if first {
			port = p
			first = false
		} else {
			assert.Equal(t, port, p, "all ranks must observe the same rendezvous port")
		}
	}
}

func recordingTrain(mu *sync.Mutex, observed map[int]int) controlplane.TrainingFunc {
	return func(ctx context.Context, env controlplane.WorkerEnv, rendezvousPort <-chan controlplane.PortInfo, reconfig <-chan controlplane.ReconfigureEvent) error {
		select {
		case p, ok := <-rendezvousPort:
			if !ok {
				return fmt.Errorf("rendezvous port channel closed before delivering a port for rank %d", env.Rank)
			}
			mu.Lock()
			observed[env.Rank] = p.Port
			mu.Unlock()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
