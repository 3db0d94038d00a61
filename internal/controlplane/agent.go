package controlplane

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Agent runs on one host: it launches one Worker per local GPU slot, drives
// the rendezvous-port protocol with the Master, forwards reconfiguration
// notifications to its workers, and reports back the first worker exit on
// any local rank (spec §4.4, §9 Open Question: the original only watched
// its rank-0 worker, so a non-zero-rank crash went unnoticed until the
// step timed out; this Agent selects across every local worker's exit).
type Agent struct {
	Index    int
	Master   Service
	Launcher ProcessLauncher
}

// NewAgent builds an Agent for host Index against the given Master client
// and process launcher.
func NewAgent(index int, master Service, launcher ProcessLauncher) *Agent {
	return &Agent{Index: index, Master: master, Launcher: launcher}
}

// Run executes one full Agent lifecycle: fetch distribution info and code,
// launch local workers, complete rendezvous, forward reconfiguration
// events, and return when the first local worker exits. A non-nil error
// return is the Agent's node-loss signal, surfaced to its caller as a
// non-zero process exit (spec §7).
func (a *Agent) Run(ctx context.Context) error {
	dist, err := a.Master.GetDistInfo(ctx)
	if err != nil {
		return fmt.Errorf("controlplane: agent %d: GetDistInfo: %w", a.Index, err)
	}
	code, err := a.Master.GetCode(ctx)
	if err != nil {
		return fmt.Errorf("controlplane: agent %d: GetCode: %w", a.Index, err)
	}
	if a.Index < 0 || a.Index >= len(dist.Hosts) {
		return fmt.Errorf("controlplane: agent %d: not present in distribution info", a.Index)
	}

	baseRank := 0
	for i := 0; i < a.Index; i++ {
		baseRank += dist.Hosts[i].Slots
	}
	host := dist.Hosts[a.Index]
	worldSize := dist.TotalSlots()
	masterAddr := dist.Hosts[0].IP

	handles := make([]WorkerHandle, host.Slots)
	for gpu := 0; gpu < host.Slots; gpu++ {
		spec := WorkerSpec{
			Rank:       baseRank + gpu,
			GPUIndex:   gpu,
			AgentIndex: a.Index,
			WorldSize:  worldSize,
			MasterAddr: masterAddr,
			Script:     code,
		}
		h, err := a.Launcher.Launch(spec)
		if err != nil {
			return fmt.Errorf("controlplane: agent %d: launching rank %d: %w", a.Index, spec.Rank, err)
		}
		handles[gpu] = h
	}

	if baseRank == 0 && len(handles) > 0 {
		// This host owns global rank 0: its first worker binds the
		// rendezvous listener and reports the port up to the Master.
		p, err := handles[0].RecvPort()
		if err != nil {
			return fmt.Errorf("controlplane: agent %d: rank 0 rendezvous: %w", a.Index, err)
		}
		if err := a.Master.SetMasterRankPort(ctx, p.Port); err != nil {
			return fmt.Errorf("controlplane: agent %d: SetMasterRankPort: %w", a.Index, err)
		}
	}

	port, err := a.Master.GetMasterRankPort(ctx)
	if err != nil {
		return fmt.Errorf("controlplane: agent %d: GetMasterRankPort: %w", a.Index, err)
	}
	for _, h := range handles {
		if err := h.SendPort(PortInfo{Port: port}); err != nil {
			return fmt.Errorf("controlplane: agent %d: forwarding rendezvous port: %w", a.Index, err)
		}
	}

	reconfigCh, err := a.Master.WatchReconfigurationNotification(ctx)
	if err != nil {
		return fmt.Errorf("controlplane: agent %d: WatchReconfigurationNotification: %w", a.Index, err)
	}
	go a.forwardReconfigurations(reconfigCh, handles)

	return a.waitAnyWorker(handles)
}

func (a *Agent) forwardReconfigurations(events <-chan ReconfigureEvent, handles []WorkerHandle) {
	for ev := range events {
		for _, h := range handles {
			if err := h.SendReconfigure(ev); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"agent": a.Index, "worker_rank": h.Rank(),
				}).Warn("agent: failed to forward reconfiguration")
			}
		}
	}
}

// waitAnyWorker blocks until any one of this host's workers exits and
// returns its result. The remaining workers are left running: neither Run
// nor cmd/agent.go stops them.
func (a *Agent) waitAnyWorker(handles []WorkerHandle) error {
	if len(handles) == 0 {
		return nil
	}
	type outcome struct {
		rank int
		err  error
	}
	results := make(chan outcome, len(handles))
	for _, h := range handles {
		h := h
		go func() {
			results <- outcome{rank: h.Rank(), err: h.Wait()}
		}()
	}
	first := <-results
	if first.err != nil {
		return fmt.Errorf("controlplane: agent %d: worker rank %d exited: %w", a.Index, first.rank, first.err)
	}
	logrus.WithFields(logrus.Fields{"agent": a.Index, "worker_rank": first.rank}).Info("agent: worker exited cleanly")
	return nil
}
