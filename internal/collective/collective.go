// Package collective defines the capability the reconfiguration engine needs
// from an external collective-communication library (spec §1 explicitly
// delegates the actual primitives; spec §9's design note asks for this to be
// modeled as an injectable capability rather than monkey-patched in tests).
package collective

import "context"

// Backend is the subset of collective operations the reconfiguration engine
// drives. Broadcast sends layer's parameter state from src to every rank in
// group, within an ad-hoc group formed just for this copy (spec §4.3 step
// 5). Real implementations wrap NCCL/Gloo-style primitives; this package
// only defines the boundary.
type Backend interface {
	Broadcast(ctx context.Context, group []int, src int, layer int) error
}

// InMemoryBackend is a fake Backend for tests: it simply records every
// broadcast it was asked to perform. It never fails and performs no actual
// data movement, matching spec §9's "CollectiveBackend capability... tests
// inject an in-memory fake" design note.
type InMemoryBackend struct {
	Calls []BroadcastCall
}

// BroadcastCall records one invocation of Broadcast.
type BroadcastCall struct {
	Group []int
	Src   int
	Layer int
}

// NewInMemoryBackend returns an empty fake backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Broadcast(_ context.Context, group []int, src int, layer int) error {
	g := make([]int, len(group))
	copy(g, group)
	b.Calls = append(b.Calls, BroadcastCall{Group: g, Src: src, Layer: layer})
	return nil
}
