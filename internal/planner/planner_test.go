package planner

import (
	"errors"
	"math"
	"testing"

	"github.com/oobleck-ml/oobleck/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLayers builds a LayerExecutionResults with uniform backward times
// and allreduce costs defined for every group size up to maxG, mirroring the
// teacher's newTestDeploymentConfig-style fixture helpers.
func newTestLayers(t *testing.T, forward []float64, backward float64, maxG int) *profile.LayerExecutionResults {
	t.Helper()
	layers := make([]profile.LayerProfile, len(forward))
	for i, f := range forward {
		inNode := map[int]float64{}
		across := map[int]float64{}
		for g := 1; g <= maxG; g++ {
			inNode[g] = 0.01 * float64(g)
			across[g] = 0.05 * float64(g)
		}
		layers[i] = profile.LayerProfile{
			Index:                i,
			Name:                 "layer",
			Forward:              f,
			Backward:             backward,
			ActivationMemBytes:   1024,
			ParameterMemBytes:    2048,
			AllreduceInNode:      inNode,
			AllreduceAcrossNodes: across,
		}
	}
	res, err := profile.NewLayerExecutionResults(layers)
	require.NoError(t, err)
	return res
}

// TestPlan_S1SmallPlanner mirrors spec §8 scenario S1: 6 layers, N=3, D=1.
func TestPlan_S1SmallPlanner(t *testing.T) {
	layers := newTestLayers(t, []float64{1, 2, 3, 4, 5, 6}, 2, 8)

	tmpl, err := Plan(layers, 3, 1, 4)
	require.NoError(t, err)

	assert.Equal(t, 3, tmpl.TotalGPUs())
	assert.Equal(t, 6, tmpl.NumLayers())

	bruteBest := bruteForce(t, layers, 3, 1, 4)
	assert.InDelta(t, bruteBest, tmpl.IterationTimeMS, Epsilon*10)
}

// TestPlan_S2Infeasible mirrors spec §8 scenario S2: 6 layers, N=8 -> infeasible.
func TestPlan_S2Infeasible(t *testing.T) {
	layers := newTestLayers(t, []float64{1, 2, 3, 4, 5, 6}, 2, 8)

	_, err := Plan(layers, 8, 1, 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInfeasible))
}

// TestPlan_PartitionCompleteness checks spec §8 property 1: stage ranges
// concatenate to exactly [0, L).
func TestPlan_PartitionCompleteness(t *testing.T) {
	layers := newTestLayers(t, []float64{1, 2, 3, 4, 5}, 1, 4)
	tmpl, err := Plan(layers, 2, 2, 2)
	require.NoError(t, err)

	wantLo := 0
	for _, s := range tmpl.Stages {
		assert.Equal(t, wantLo, s.Lo)
		wantLo = s.Hi
	}
	assert.Equal(t, layers.Len(), wantLo)
}

// TestPlan_GPUConservation checks spec §8 property 2.
func TestPlan_GPUConservation(t *testing.T) {
	layers := newTestLayers(t, []float64{1, 2, 3, 4, 5, 6}, 2, 8)
	tmpl, err := Plan(layers, 2, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, tmpl.TotalGPUs())
}

// TestPlan_OptimalityVsBruteForce checks spec §8 property 4 for small
// configurations (L <= 8, N*D <= 6).
func TestPlan_OptimalityVsBruteForce(t *testing.T) {
	cases := []struct {
		forward  []float64
		backward float64
		nodes    int
		gpus     int
		micro    int
	}{
		{[]float64{1, 1, 1, 1}, 1, 2, 1, 2},
		{[]float64{2, 1, 3, 1}, 1, 1, 2, 3},
		{[]float64{1, 2, 1, 2, 1, 2}, 1, 3, 2, 2},
	}
	for _, c := range cases {
		layers := newTestLayers(t, c.forward, c.backward, c.nodes*c.gpus)
		tmpl, err := Plan(layers, c.nodes, c.gpus, c.micro)
		require.NoError(t, err)

		brute := bruteForce(t, layers, c.nodes, c.gpus, c.micro)
		assert.LessOrEqualf(t, tmpl.IterationTimeMS, brute+Epsilon,
			"DP iteration time %.9f should be <= brute force %.9f", tmpl.IterationTimeMS, brute)
	}
}

// TestCatalogue_PerNodeErrors checks that catalogue build is per-N: a
// failure for one candidate does not block the others.
func TestCatalogue_PerNodeErrors(t *testing.T) {
	layers := newTestLayers(t, []float64{1, 2, 3, 4}, 1, 8)
	cat := BuildCatalogue(layers, []int{1, 2, 8}, 2, 2)

	_, ok := cat.Template(1)
	assert.True(t, ok)
	_, ok = cat.Template(2)
	assert.True(t, ok)
	_, ok = cat.Template(8)
	assert.False(t, ok)
	assert.True(t, errors.Is(cat.Err(8), ErrInfeasible))
}

// bruteForce exhaustively enumerates every (k, partition, gpu-allocation)
// satisfying spec §3's shape invariants and returns the minimal
// iteration_time, for cross-checking the DP on small inputs.
func bruteForce(t *testing.T, layers *profile.LayerExecutionResults, numNodes, gpusPerNode, microbatches int) float64 {
	t.Helper()
	L := layers.Len()
	totalGPUs := numNodes * gpusPerNode
	best := math.Inf(1)

	var validGPUCounts []int
	for g := 1; g <= totalGPUs; g++ {
		if validShape(g, gpusPerNode) {
			validGPUCounts = append(validGPUCounts, g)
		}
	}

	var stageTime func(lo, hi, g int) float64
	stageTime = func(lo, hi, g int) float64 {
		var compute, sync float64
		for i := lo; i < hi; i++ {
			l := layers.Layer(i)
			compute += l.Forward + l.Backward
			c, _ := l.AllreduceCost(g, gpusPerNode)
			sync += c
		}
		return compute/float64(g) + sync + FixedOverheadMS
	}

	// Recursively enumerate partitions of [0,L) into contiguous stages with
	// gpu allocations from validGPUCounts summing to totalGPUs.
	var stages []struct{ lo, hi, g int }
	var rec func(pos, gpusLeft int)
	rec = func(pos, gpusLeft int) {
		if pos == L {
			if gpusLeft == 0 && len(stages) > 0 {
				maxT := 0.0
				for _, s := range stages {
					st := stageTime(s.lo, s.hi, s.g)
					if st > maxT {
						maxT = st
					}
				}
				k := len(stages)
				iter := float64(microbatches+k-1) * maxT
				if iter < best {
					best = iter
				}
			}
			return
		}
		for hi := pos + 1; hi <= L; hi++ {
			for _, g := range validGPUCounts {
				if g > gpusLeft {
					continue
				}
				stages = append(stages, struct{ lo, hi, g int }{pos, hi, g})
				rec(hi, gpusLeft-g)
				stages = stages[:len(stages)-1]
			}
		}
	}
	rec(0, totalGPUs)
	return best
}
