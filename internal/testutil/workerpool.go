// Package testutil provides an in-memory stand-in for process-level launch
// of training workers, so control-plane tests exercise the same rendezvous
// and reconfiguration-forwarding code paths as the real os/exec launcher
// without spawning real processes (spec §9's design note: "a WorkerPool
// that launches N child processes, each running a user-supplied closure...
// collecting results without process-level mocking").
package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/oobleck-ml/oobleck/internal/controlplane"
)

// wireMessage mirrors the JSON shape controlplane's real launcher exchanges
// over stdin/stdout, so this fake can decode and encode on the same wire
// format without the two packages needing to export it.
type wireMessage struct {
	Kind        string                        `json:"kind"`
	Reconfigure controlplane.ReconfigureEvent `json:"reconfigure,omitempty"`
	Port        controlplane.PortInfo         `json:"port,omitempty"`
}

// WorkerPool runs controlplane.RunWorker in a goroutine per launched
// worker, connected to the Agent through in-memory pipes instead of a real
// subprocess's stdin/stdout.
type WorkerPool struct {
	ctx   context.Context
	train controlplane.TrainingFunc
}

// NewWorkerPool builds a pool that runs train as every worker's
// training loop.
func NewWorkerPool(ctx context.Context, train controlplane.TrainingFunc) *WorkerPool {
	return &WorkerPool{ctx: ctx, train: train}
}

func (l *WorkerPool) Launch(spec controlplane.WorkerSpec) (controlplane.WorkerHandle, error) {
	agentToWorkerR, agentToWorkerW := io.Pipe()
	workerToAgentR, workerToAgentW := io.Pipe()

	h := &fakeHandle{
		rank:   spec.Rank,
		enc:    json.NewEncoder(agentToWorkerW),
		in:     agentToWorkerW,
		scan:   bufio.NewScanner(workerToAgentR),
		portCh: make(chan controlplane.PortInfo, 1),
		done:   make(chan error, 1),
	}
	go h.readLoop()

	env := controlplane.WorkerEnv{
		Rank:       spec.Rank,
		WorldSize:  spec.WorldSize,
		MasterAddr: spec.MasterAddr,
		MasterPort: spec.MasterPort,
		GPUIndex:   spec.GPUIndex,
	}

	go func() {
		err := controlplane.RunWorker(l.ctx, env, agentToWorkerR, workerToAgentW, l.train)
		_ = workerToAgentW.Close()
		h.done <- err
	}()

	return h, nil
}

type fakeHandle struct {
	rank int

	mu  sync.Mutex
	enc *json.Encoder
	in  io.WriteCloser

	scan   *bufio.Scanner
	portCh chan controlplane.PortInfo
	done   chan error
}

func (h *fakeHandle) Rank() int { return h.rank }

func (h *fakeHandle) SendReconfigure(ev controlplane.ReconfigureEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enc.Encode(wireMessage{Kind: "reconfigure", Reconfigure: ev})
}

func (h *fakeHandle) SendPort(p controlplane.PortInfo) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enc.Encode(wireMessage{Kind: "port", Port: p})
}

func (h *fakeHandle) RecvPort() (controlplane.PortInfo, error) {
	p, ok := <-h.portCh
	if !ok {
		return controlplane.PortInfo{}, fmt.Errorf("testutil: worker rank %d exited before reporting a port", h.rank)
	}
	return p, nil
}

func (h *fakeHandle) readLoop() {
	defer close(h.portCh)
	for h.scan.Scan() {
		var msg wireMessage
		if err := json.Unmarshal(h.scan.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Kind == "port" {
			h.portCh <- msg.Port
		}
	}
}

func (h *fakeHandle) Wait() error {
	err := <-h.done
	_ = h.in.Close()
	return err
}
