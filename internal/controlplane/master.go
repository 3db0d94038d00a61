package controlplane

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Service is the Master's RPC surface (spec §4.4): distribution info, the
// training script, the rendezvous port, and a reconfiguration notification
// stream. Modeled as a plain Go interface rather than a generated gRPC
// client/server pair, so the in-process Master below and any future wire
// transport can both satisfy it.
type Service interface {
	GetDistInfo(ctx context.Context) (DistInfo, error)
	GetCode(ctx context.Context) (CodeInfo, error)
	SetMasterRankPort(ctx context.Context, port int) error
	GetMasterRankPort(ctx context.Context) (int, error)
	WatchReconfigurationNotification(ctx context.Context) (<-chan ReconfigureEvent, error)
}

// Master holds the authoritative host list, training script, and rendezvous
// port. A single mutex-backed condition variable guards the port and
// membership (spec §5); agents blocked in GetMasterRankPort wake up the
// moment a port is set. Reconfigure resets the port to 0 and does not wake
// them.
type Master struct {
	mu   sync.Mutex
	cond *sync.Cond

	dist    DistInfo
	code    CodeInfo
	port    int
	version int

	subscribers []chan ReconfigureEvent
}

// NewMaster constructs a Master for the given initial host list and training
// script.
func NewMaster(dist DistInfo, code CodeInfo) *Master {
	m := &Master{dist: dist, code: code}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Master) GetDistInfo(ctx context.Context) (DistInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dist, nil
}

func (m *Master) GetCode(ctx context.Context) (CodeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code, nil
}

// SetMasterRankPort is called once, by rank 0, after it binds the process
// group's rendezvous listener.
func (m *Master) SetMasterRankPort(ctx context.Context, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.port = port
	m.cond.Broadcast()
	logrus.WithField("port", port).Debug("master: rendezvous port set")
	return nil
}

// GetMasterRankPort blocks until a nonzero port has been set or ctx is
// canceled, implementing the 100ms-class polling wait of spec §4.4 as a
// condition-variable wake instead of busy polling.
func (m *Master) GetMasterRankPort(ctx context.Context) (int, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.port == 0 {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		m.cond.Wait()
	}
	return m.port, nil
}

// WatchReconfigurationNotification returns a channel on which the caller
// receives every subsequent reconfiguration event (spec §4.4). The channel
// is closed when ctx is canceled.
func (m *Master) WatchReconfigurationNotification(ctx context.Context) (<-chan ReconfigureEvent, error) {
	ch := make(chan ReconfigureEvent, 1)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subscribers {
			if s == ch {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// Version returns the current membership version, bumped once per
// Reconfigure call. The HTTP transport's /reconfig-state endpoint serves
// the same counter, which its polling client compares to detect membership
// changes without a persistent connection.
func (m *Master) Version() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Reconfigure updates the Master's authoritative host list and pushes a
// ReconfigureEvent to every watcher, then resets the rendezvous port so the
// next GetMasterRankPort call blocks for the new rank 0 (spec §4.4). Failure
// detection itself is external to the Master; this is the entry point the
// surrounding orchestration calls once it decides membership changed.
func (m *Master) Reconfigure(newDist DistInfo) {
	m.mu.Lock()
	m.dist = newDist
	m.port = 0
	m.version++
	subs := append([]chan ReconfigureEvent(nil), m.subscribers...)
	m.mu.Unlock()

	event := ReconfigureEvent{DistInfo: newDist}
	for _, s := range subs {
		select {
		case s <- event:
		default:
			logrus.Warn("master: reconfiguration subscriber channel full, dropping notification")
		}
	}
}
