package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"
)

// WorkerEnv is the bootstrap configuration of a Worker (spec §6). The
// `worker` subcommand fills it from RANK, WORLD_SIZE, MASTER_ADDR and
// CUDA_VISIBLE_DEVICES; it does not read MASTER_PORT. RunWorker never sets
// MasterPort: the rendezvous port arrives on the rendezvousPort channel
// instead.
type WorkerEnv struct {
	Rank       int
	WorldSize  int
	MasterAddr string
	MasterPort int
	GPUIndex   int
}

// TrainingFunc is the externally-provided training script entry point (spec
// Non-goals: "model loading, tokenization, data loading... provided
// externally"). rendezvousPort delivers the process group's port once the
// Agent forwards it; reconfig delivers membership changes as they arrive.
type TrainingFunc func(ctx context.Context, env WorkerEnv, rendezvousPort <-chan PortInfo, reconfig <-chan ReconfigureEvent) error

// RunWorker is the body of the `worker` CLI subcommand. Rank 0 binds the
// process group's rendezvous listener itself and reports its port upward
// over out (spec §4.4's rendezvous-port protocol); every rank then runs
// train, fed by messages read from in.
func RunWorker(ctx context.Context, env WorkerEnv, in io.Reader, out io.Writer, train TrainingFunc) error {
	var listener net.Listener
	if env.Rank == 0 {
		l, err := net.Listen("tcp", ":0")
		if err != nil {
			return fmt.Errorf("controlplane: rank 0 failed to bind rendezvous listener: %w", err)
		}
		listener = l
		port := l.Addr().(*net.TCPAddr).Port
		enc := json.NewEncoder(out)
		if err := enc.Encode(wireMessage{Kind: kindPort, Port: PortInfo{Port: port}}); err != nil {
			return fmt.Errorf("controlplane: reporting rendezvous port: %w", err)
		}
		logrus.WithField("port", port).Info("worker: rank 0 bound rendezvous listener")
	}
	if listener != nil {
		defer listener.Close()
	}

	portCh := make(chan PortInfo, 1)
	reconfigCh := make(chan ReconfigureEvent, 1)
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go forwardControlMessages(readCtx, in, portCh, reconfigCh)

	return train(ctx, env, portCh, reconfigCh)
}

// forwardControlMessages reads the agent->worker line protocol and relays
// each tagged message onto the channel matching its kind (spec §9 "tagged
// sum type" extended to the wire: PORT carries the rendezvous port once,
// RECONFIGURE carries every subsequent membership change).
func forwardControlMessages(ctx context.Context, in io.Reader, portOut chan<- PortInfo, reconfigOut chan<- ReconfigureEvent) {
	defer close(portOut)
	defer close(reconfigOut)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			logrus.WithError(err).Warn("worker: malformed control message")
			continue
		}
		switch msg.Kind {
		case kindPort:
			select {
			case portOut <- msg.Port:
			case <-ctx.Done():
				return
			}
		case kindReconfigure:
			select {
			case reconfigOut <- msg.Reconfigure:
			case <-ctx.Done():
				return
			}
		}
	}
}
