package planner

import (
	"errors"
	"fmt"
	"math"

	"github.com/oobleck-ml/oobleck/internal/profile"
)

// ErrAllreduceUndefined is returned when a layer's profile has no
// all-reduce cost entry for a group size the DP needs to evaluate.
var ErrAllreduceUndefined = errors.New("planner: layer has no all-reduce cost for requested group size")

// partitionBoundary is one stage in a candidate partition: layers [Lo, Hi)
// on NumGPUs GPUs.
type partitionBoundary struct {
	Lo, Hi, NumGPUs int
}

// costTables precomputes prefix sums of compute and per-group-size sync
// cost so that stage cost lookups during the DP are O(1), keeping the DP's
// per-transition work independent of layer count (spec §4.1's DP
// description assumes O(1) stage-cost evaluation inside the O(L·D)
// transition).
type costTables struct {
	layers      *profile.LayerExecutionResults
	gpusPerNode int

	// prefixCompute[i] = Σ_{j<i} (forward_j + backward_j)
	prefixCompute []float64
	// prefixSync[g][i] = Σ_{j<i} allreduce_j[g] (choosing in-node/cross-node
	// per layer per spec's placement rule, evaluated at group size g)
	prefixSync map[int][]float64
}

func buildCostTables(layers *profile.LayerExecutionResults, totalGPUs, gpusPerNode int) (*costTables, error) {
	L := layers.Len()
	ct := &costTables{
		layers:        layers,
		gpusPerNode:   gpusPerNode,
		prefixCompute: make([]float64, L+1),
		prefixSync:    make(map[int][]float64),
	}
	for i := 0; i < L; i++ {
		l := layers.Layer(i)
		ct.prefixCompute[i+1] = ct.prefixCompute[i] + l.Forward + l.Backward
	}
	for g := 1; g <= totalGPUs; g++ {
		if !validShape(g, gpusPerNode) {
			continue
		}
		prefix := make([]float64, L+1)
		for i := 0; i < L; i++ {
			l := layers.Layer(i)
			cost, ok := l.AllreduceCost(g, gpusPerNode)
			if !ok {
				return nil, errAllreduceUndefined(l, g)
			}
			prefix[i+1] = prefix[i] + cost
		}
		ct.prefixSync[g] = prefix
	}
	return ct, nil
}

func errAllreduceUndefined(l profile.LayerProfile, g int) error {
	return fmt.Errorf("%w: layer %d (%s), group size %d", ErrAllreduceUndefined, l.Index, l.Name, g)
}

// validShape reports whether a GPU count g is legal for a single stage:
// either it fits within one node (g <= gpusPerNode) or it spans whole nodes
// (g is a multiple of gpusPerNode), per spec §3 invariant (iii).
func validShape(g, gpusPerNode int) bool {
	return g <= gpusPerNode || g%gpusPerNode == 0
}

// stageTime returns stage_time(s) for layers [lo, hi) on g GPUs, per spec
// §4.1's cost model: compute(s)/g + sync(s) + fixed_overhead.
func (ct *costTables) stageTime(lo, hi, g int) float64 {
	compute := ct.prefixCompute[hi] - ct.prefixCompute[lo]
	sync := ct.prefixSync[g][hi] - ct.prefixSync[g][lo]
	return compute/float64(g) + sync + FixedOverheadMS
}

// planForK runs the inner DP (spec §4.1 step 1) for a fixed stage count k,
// returning the minimal achievable max-stage-time and one partition that
// attains it, re-selected by minVariancePartition to favor smaller spread
// of stage_time. Among equal candidates each DP state keeps the smallest
// (lo, c) of its last stage, so ties are settled from the last stage
// backwards; the result is not guaranteed to be the lexicographically
// smallest partition in stage order.
//
// dp[s][i][g] = min over valid partitions of layers [0,i) into s stages
// using exactly g GPUs, of max_stage stage_time(stage). States are
// O(L*k*totalGPUs); each transition considers O(L*totalGPUs) predecessors,
// so the whole pass is O(L²·k·(N·D)²).
func planForK(ct *costTables, L, k, totalGPUs, gpusPerNode int) (float64, []partitionBoundary, bool) {
	const inf = math.MaxFloat64 / 4

	// dp[s][i][g]; every s layer is kept because backpointers need the full
	// table for reconstruction.
	dp := make([][][]float64, k+1)
	back := make([][][]int, k+1) // back[s][i][g] encodes (lo, c) as lo*totalGPUs+c-1, or -1
	for s := 0; s <= k; s++ {
		dp[s] = make([][]float64, L+1)
		back[s] = make([][]int, L+1)
		for i := 0; i <= L; i++ {
			dp[s][i] = make([]float64, totalGPUs+1)
			back[s][i] = make([]int, totalGPUs+1)
			for g := 0; g <= totalGPUs; g++ {
				dp[s][i][g] = inf
				back[s][i][g] = -1
			}
		}
	}
	dp[0][0][0] = 0

	for s := 1; s <= k; s++ {
		for i := 1; i <= L; i++ {
			for g := 1; g <= totalGPUs; g++ {
				best := inf
				bestBack := -1
				for lo := 0; lo < i; lo++ {
					for c := 1; c <= g; c++ {
						if !validShape(c, gpusPerNode) {
							continue
						}
						prev := dp[s-1][lo][g-c]
						if prev >= inf {
							continue
						}
						st := ct.stageTime(lo, i, c)
						cand := prev
						if st > cand {
							cand = st
						}
						if cand < best-Epsilon {
							best = cand
							bestBack = lo*totalGPUs + (c - 1)
						}
						// tie: keep the smaller (lo, c) of this state's last
						// stage, which the increasing iteration order already
						// gives us, so no update when cand is within epsilon.
					}
				}
				dp[s][i][g] = best
				back[s][i][g] = bestBack
			}
		}
	}

	fk := dp[k][L][totalGPUs]
	if fk >= inf {
		return 0, nil, false
	}

	// Reconstruct the partition the backpointers record for fk.
	boundaries := reconstruct(back, k, L, totalGPUs)

	// Variance-minimizing re-selection (spec §4.1 tie-break rule ii): among
	// partitions whose max stage time is within epsilon of fk, prefer the
	// one with the smallest variance of per-stage stage_time. We search this
	// with a second DP pass constrained to stage_time <= fk+epsilon,
	// minimizing sum of squared stage times (a tractable proxy that favors
	// low spread without changing the achieved max).
	if alt, ok := minVariancePartition(ct, L, k, totalGPUs, gpusPerNode, fk); ok {
		boundaries = alt
	}

	return fk, boundaries, true
}

func reconstruct(back [][][]int, k, L, totalGPUs int) []partitionBoundary {
	boundaries := make([]partitionBoundary, k)
	i, g, s := L, totalGPUs, k
	for s > 0 {
		code := back[s][i][g]
		lo := code / totalGPUs
		c := code%totalGPUs + 1
		boundaries[s-1] = partitionBoundary{Lo: lo, Hi: i, NumGPUs: c}
		i, g, s = lo, g-c, s-1
	}
	return boundaries
}

// minVariancePartition finds, among partitions of [0,L) into k stages
// totaling totalGPUs GPUs whose every stage_time is <= cap+Epsilon, the one
// minimizing Σ stage_time². Ties keep the smaller (lo, c) of each state's
// last stage (again via increasing iteration order), which is not the same
// as the lexicographically smallest partition in stage order.
func minVariancePartition(ct *costTables, L, k, totalGPUs, gpusPerNode int, cap float64) ([]partitionBoundary, bool) {
	const inf = math.MaxFloat64 / 4
	limit := cap + Epsilon

	dp := make([][][]float64, k+1)
	back := make([][][]int, k+1)
	for s := 0; s <= k; s++ {
		dp[s] = make([][]float64, L+1)
		back[s] = make([][]int, L+1)
		for i := 0; i <= L; i++ {
			dp[s][i] = make([]float64, totalGPUs+1)
			back[s][i] = make([]int, totalGPUs+1)
			for g := 0; g <= totalGPUs; g++ {
				dp[s][i][g] = inf
				back[s][i][g] = -1
			}
		}
	}
	dp[0][0][0] = 0

	for s := 1; s <= k; s++ {
		for i := 1; i <= L; i++ {
			for g := 1; g <= totalGPUs; g++ {
				best := inf
				bestBack := -1
				for lo := 0; lo < i; lo++ {
					for c := 1; c <= g; c++ {
						if !validShape(c, gpusPerNode) {
							continue
						}
						prev := dp[s-1][lo][g-c]
						if prev >= inf {
							continue
						}
						st := ct.stageTime(lo, i, c)
						if st > limit {
							continue
						}
						cand := prev + st*st
						if cand < best-Epsilon {
							best = cand
							bestBack = lo*totalGPUs + (c - 1)
						}
					}
				}
				dp[s][i][g] = best
				back[s][i][g] = bestBack
			}
		}
	}

	if dp[k][L][totalGPUs] >= inf {
		return nil, false
	}
	return reconstruct(back, k, L, totalGPUs), true
}
