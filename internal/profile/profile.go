// Package profile holds the immutable per-layer execution cost table the
// Planner consumes. Nothing in this package mutates a LayerExecutionResults
// once it has been built: every layer profile, forward/backward cost, and
// all-reduce cost is read-only for the lifetime of the process.
package profile

import "fmt"

// LayerProfile is the measured execution cost of a single layer. Times are
// in milliseconds, memory in bytes. AllreduceInNode and AllreduceAcrossNodes
// are keyed by group size g (number of GPUs participating in the shard
// group for that layer).
type LayerProfile struct {
	Index    int
	Name     string
	Forward  float64
	Backward float64

	ActivationMemBytes int64
	ParameterMemBytes  int64

	AllreduceInNode      map[int]float64
	AllreduceAcrossNodes map[int]float64
}

// AllreduceCost returns the all-reduce cost of this layer at group size g,
// choosing the in-node table when g is within a single node (g <= gpusPerNode)
// and the cross-node table otherwise, per spec §4.1's cost model.
func (lp LayerProfile) AllreduceCost(g, gpusPerNode int) (float64, bool) {
	if g <= gpusPerNode {
		cost, ok := lp.AllreduceInNode[g]
		return cost, ok
	}
	cost, ok := lp.AllreduceAcrossNodes[g]
	return cost, ok
}

// Validate checks the invariants spec.md §3 places on a single LayerProfile:
// forward and backward costs are non-negative.
func (lp LayerProfile) Validate() error {
	if lp.Forward < 0 {
		return fmt.Errorf("layer %d (%s): forward time %.6f is negative", lp.Index, lp.Name, lp.Forward)
	}
	if lp.Backward < 0 {
		return fmt.Errorf("layer %d (%s): backward time %.6f is negative", lp.Index, lp.Name, lp.Backward)
	}
	return nil
}

// LayerExecutionResults is the ordered, immutable sequence of per-layer
// profiles in forward-pass order. Use NewLayerExecutionResults to construct
// one; the zero value is not usable.
type LayerExecutionResults struct {
	layers []LayerProfile
}

// NewLayerExecutionResults validates and wraps layers, which must already be
// ordered by Index 0..len(layers)-1 contiguously.
func NewLayerExecutionResults(layers []LayerProfile) (*LayerExecutionResults, error) {
	for i, l := range layers {
		if l.Index != i {
			return nil, fmt.Errorf("layer at position %d has index %d, expected contiguous 0-based indices", i, l.Index)
		}
		if err := l.Validate(); err != nil {
			return nil, err
		}
	}
	cp := make([]LayerProfile, len(layers))
	copy(cp, layers)
	return &LayerExecutionResults{layers: cp}, nil
}

// Len returns the number of layers, L in spec.md's notation.
func (r *LayerExecutionResults) Len() int { return len(r.layers) }

// Layer returns the profile for layer i. Panics if i is out of range, the
// same contract container/heap-style code in the teacher's EventQueue uses
// for index access.
func (r *LayerExecutionResults) Layer(i int) LayerProfile { return r.layers[i] }

// Slice returns a copy of the profiles for layers [lo, hi).
func (r *LayerExecutionResults) Slice(lo, hi int) []LayerProfile {
	out := make([]LayerProfile, hi-lo)
	copy(out, r.layers[lo:hi])
	return out
}

// MaxGroupSize returns the largest group size g that appears as a key in
// any layer's in-node or cross-node allreduce table. It does not check that
// every layer defines g, or defines it in both tables.
func (r *LayerExecutionResults) MaxGroupSize() int {
	maxG := 0
	for _, l := range r.layers {
		for g := range l.AllreduceInNode {
			if g > maxG {
				maxG = g
			}
		}
		for g := range l.AllreduceAcrossNodes {
			if g > maxG {
				maxG = g
			}
		}
	}
	return maxG
}
