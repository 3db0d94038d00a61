package reconfig

import (
	"fmt"
	"math"

	"github.com/oobleck-ml/oobleck/internal/planner"
)

// ErrNoFeasibleBudget is returned when no multiset of catalogue templates
// sums to the surviving host count (spec §4.3 step 2).
var ErrNoFeasibleBudget = fmt.Errorf("reconfig: no template multiset covers the surviving host count")

// budgetPlan is one chosen template size, repeated Count times.
type budgetPlan struct {
	NodeCount int
	Count     int
}

// chooseBudget picks the multiset of catalogue templates whose node counts
// sum to numHosts, maximizing total predicted throughput (Σ 1/iteration_time),
// tie-broken by fewer templates in the multiset. The tie-break counts
// parts, not distinct node counts, so it does not always pick the multiset
// with the fewest distinct template sizes.
//
// This is an unbounded-knapsack-shaped DP over host count, mirroring the
// planner's two-pass (value DP, then tie-break DP) structure: dp1 finds the
// optimal throughput; dp2 re-derives a multiset achieving it while
// minimizing the number of parts used.
func chooseBudget(cat *planner.Catalogue, numHosts int) ([]budgetPlan, error) {
	if numHosts == 0 {
		return nil, nil
	}

	sizes := cat.NodeCounts()
	if len(sizes) == 0 {
		return nil, ErrNoFeasibleBudget
	}

	throughput := make(map[int]float64, len(sizes))
	for _, n := range sizes {
		tmpl, _ := cat.Template(n)
		if tmpl.IterationTimeMS <= 0 {
			throughput[n] = 0
			continue
		}
		throughput[n] = 1.0 / tmpl.IterationTimeMS
	}

	const negInf = math.MaxFloat64 / -4
	dp := make([]float64, numHosts+1)
	for i := range dp {
		dp[i] = negInf
	}
	dp[0] = 0
	for h := 1; h <= numHosts; h++ {
		for _, n := range sizes {
			if n > h || dp[h-n] <= negInf {
				continue
			}
			cand := dp[h-n] + throughput[n]
			if cand > dp[h]+planner.Epsilon {
				dp[h] = cand
			}
		}
	}
	if dp[numHosts] <= negInf {
		return nil, ErrNoFeasibleBudget
	}
	best := dp[numHosts]

	// Tie-break DP: among multisets achieving `best` (within epsilon),
	// minimize the count of parts used. Fewer parts can still mean more
	// distinct sizes ({3,1} has fewer parts than {1,1,1,1}).
	const inf = math.MaxInt32
	dpCount := make([]int, numHosts+1)
	choice := make([]int, numHosts+1)
	for i := range dpCount {
		dpCount[i] = inf
		choice[i] = -1
	}
	dpCount[0] = 0
	// Recompute achievable throughput alongside part-count to stay on the
	// optimal frontier.
	dpVal := make([]float64, numHosts+1)
	for i := range dpVal {
		dpVal[i] = negInf
	}
	dpVal[0] = 0
	for h := 1; h <= numHosts; h++ {
		for _, n := range sizes {
			if n > h || dpVal[h-n] <= negInf {
				continue
			}
			cand := dpVal[h-n] + throughput[n]
			candCount := dpCount[h-n] + 1
			if cand > dpVal[h]+planner.Epsilon {
				dpVal[h] = cand
				dpCount[h] = candCount
				choice[h] = n
			} else if math.Abs(cand-dpVal[h]) <= planner.Epsilon && candCount < dpCount[h] {
				dpVal[h] = cand
				dpCount[h] = candCount
				choice[h] = n
			}
		}
	}
	if dpVal[numHosts] < best-planner.Epsilon {
		// Should not happen; fall back to the value-only optimum.
		dpVal[numHosts] = best
	}

	counts := map[int]int{}
	h := numHosts
	for h > 0 {
		n := choice[h]
		if n <= 0 {
			return nil, ErrNoFeasibleBudget
		}
		counts[n]++
		h -= n
	}

	plans := make([]budgetPlan, 0, len(counts))
	for _, n := range sizes {
		if c, ok := counts[n]; ok {
			plans = append(plans, budgetPlan{NodeCount: n, Count: c})
		}
	}
	return plans, nil
}
