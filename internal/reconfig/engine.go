package reconfig

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/oobleck-ml/oobleck/internal/collective"
	"github.com/oobleck-ml/oobleck/internal/planner"
	"github.com/sirupsen/logrus"
)

// ErrUnrecoverable is returned when the last surviving replica of some
// layer was lost (spec §4.3 step 4, ReconfigError::Unrecoverable).
var ErrUnrecoverable = errors.New("reconfig: unrecoverable, no surviving replica for some layer")

// ErrTooFewMicrobatches is returned when there are fewer global microbatches
// than live pipelines, so every pipeline cannot be guaranteed at least one.
var ErrTooFewMicrobatches = errors.New("reconfig: fewer global microbatches than live pipelines")

// CopyOp is one (src, dst, layer) triple from spec §4.3's copy plan: dst
// must receive layer's parameter state by a point-to-point broadcast from
// src, because it does not already hold that state.
type CopyOp struct {
	SrcRank int
	DstRank int
	Layer   int
}

// Result is the output of a reconfiguration pass: the new pipeline set and
// the copy plan needed to make it state-consistent (spec §4.3).
type Result struct {
	Pipelines []*Pipeline
	CopyPlan  []CopyOp
}

// Engine is the deterministic reconfiguration engine (spec §4.3). The same
// inputs produce the same outputs on every rank, so every node can run it
// locally and agree.
type Engine struct {
	Catalogue *planner.Catalogue
	Backend   collective.Backend

	nextPipelineID int
}

// NewEngine builds an Engine against a template catalogue and a collective
// backend used to execute the resulting copy plan.
func NewEngine(cat *planner.Catalogue, backend collective.Backend) *Engine {
	return &Engine{Catalogue: cat, Backend: backend}
}

// Reconfigure runs the full algorithm of spec §4.3: filter, budget, assign,
// build the copy plan, execute it through the collective backend, and
// return the new pipeline set with a global microbatch count redistributed
// across it.
func (e *Engine) Reconfigure(ctx context.Context, current []*Pipeline, membership Membership, lost map[HostID]bool, globalMicrobatches int) (*Result, error) {
	if len(lost) == 0 {
		// Idempotent reconfiguration (spec §8 property 6): nothing changed,
		// so the live pipeline set is the identity and the copy plan is
		// empty. Re-deriving the "optimal" assignment from scratch could in
		// principle choose a structurally different-but-equally-optimal
		// multiset and manufacture spurious copies; short-circuiting avoids
		// that without changing behavior on any real membership change.
		logrus.Debug("reconfig: lost=∅, reconfiguration is a no-op")
		return &Result{Pipelines: current, CopyPlan: nil}, nil
	}

	survivingSet := membership.Survivors(lost)
	if len(survivingSet.Hosts) == 0 {
		return nil, fmt.Errorf("%w: every host lost", ErrUnrecoverable)
	}

	// 1. Filter.
	survivors := e.filter(current, lost, membership)

	// 2. Budget surviving ranks.
	plans, err := chooseBudget(e.Catalogue, len(survivingSet.Hosts))
	if err != nil {
		return nil, err
	}

	// 3. Assignment: carve the surviving ranks (in original rank order,
	// sticky toward existing pipeline membership) into slots for the new
	// templates.
	survivingRanks := membership.SurvivingRanks(lost)
	slotSizes := expandSlotSizes(plans, membership.GPUsPerNode)
	rankGroups := assignRanksToSlots(survivingRanks, slotSizes, survivors)

	// New pipelines continue from the surviving pipelines' training step.
	var globalStep int64
	if len(survivors) > 0 {
		globalStep = survivors[0].GlobalStep
	}

	newPipelines := make([]*Pipeline, 0, len(slotSizes))
	for i, nodeCount := range expandNodeCounts(plans) {
		tmpl, ok := e.Catalogue.Template(nodeCount)
		if !ok {
			return nil, fmt.Errorf("reconfig: catalogue has no template for %d nodes chosen by budgeting", nodeCount)
		}
		p, err := NewPipeline(e.nextPipelineID, tmpl, rankGroups[i], globalStep)
		if err != nil {
			return nil, err
		}
		e.nextPipelineID++
		newPipelines = append(newPipelines, p)
	}

	// 4. Copy plan.
	copyPlan, err := e.buildCopyPlan(survivors, newPipelines)
	if err != nil {
		return nil, err
	}

	// 5. Execute.
	if err := e.execute(ctx, copyPlan); err != nil {
		return nil, err
	}

	// 6. Swap + redistribute the global microbatch count proportional to
	// each pipeline's 1/iteration_time.
	if err := distributeMicrobatches(newPipelines, globalMicrobatches); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"surviving_hosts": len(survivingSet.Hosts),
		"new_pipelines":   len(newPipelines),
		"copy_ops":        len(copyPlan),
	}).Info("reconfig: reconfiguration complete")

	return &Result{Pipelines: newPipelines, CopyPlan: copyPlan}, nil
}

// filter removes every pipeline with any rank on a lost host (spec §4.3 step 1).
func (e *Engine) filter(current []*Pipeline, lost map[HostID]bool, m Membership) []*Pipeline {
	var survivors []*Pipeline
	for _, p := range current {
		lostAny := false
		for _, r := range p.PhysicalRanks {
			if lost[m.RankHost(r)] {
				lostAny = true
				break
			}
		}
		if !lostAny {
			survivors = append(survivors, p)
		}
	}
	return survivors
}

// expandNodeCounts flattens a budgetPlan multiset into one entry per
// instantiated template, in ascending node-count order for determinism.
func expandNodeCounts(plans []budgetPlan) []int {
	sort.Slice(plans, func(i, j int) bool { return plans[i].NodeCount < plans[j].NodeCount })
	var out []int
	for _, p := range plans {
		for i := 0; i < p.Count; i++ {
			out = append(out, p.NodeCount)
		}
	}
	return out
}

func expandSlotSizes(plans []budgetPlan, gpusPerNode int) []int {
	var out []int
	for _, n := range expandNodeCounts(plans) {
		out = append(out, n*gpusPerNode)
	}
	return out
}

// assignRanksToSlots carves survivingRanks into len(slotSizes) groups of the
// given sizes. It is sticky: it first tries to keep ranks that belonged to
// the same surviving pipeline together by walking survivors in order before
// falling back to plain ascending rank order for any leftover ranks (spec
// §4.3 step 3's stickiness heuristic; not required for correctness).
func assignRanksToSlots(survivingRanks []int, slotSizes []int, survivors []*Pipeline) [][]int {
	ordered := make([]int, 0, len(survivingRanks))
	seen := make(map[int]bool, len(survivingRanks))
	for _, p := range survivors {
		for _, r := range p.PhysicalRanks {
			if !seen[r] {
				ordered = append(ordered, r)
				seen[r] = true
			}
		}
	}
	for _, r := range survivingRanks {
		if !seen[r] {
			ordered = append(ordered, r)
			seen[r] = true
		}
	}

	groups := make([][]int, len(slotSizes))
	pos := 0
	for i, size := range slotSizes {
		groups[i] = append([]int(nil), ordered[pos:pos+size]...)
		pos += size
	}
	return groups
}

// buildCopyPlan implements spec §4.3 step 4: for each layer of each new
// pipeline, pick a source replica among the surviving pipelines and emit a
// copy for every destination rank that doesn't already hold the state.
func (e *Engine) buildCopyPlan(survivors []*Pipeline, newPipelines []*Pipeline) ([]CopyOp, error) {
	if len(survivors) == 0 {
		return nil, fmt.Errorf("%w", ErrUnrecoverable)
	}

	var plan []CopyOp
	for _, np := range newPipelines {
		source := pickSourceReplica(np, survivors)
		if source == nil {
			return nil, fmt.Errorf("%w: no surviving replica for pipeline %d", ErrUnrecoverable, np.ID)
		}
		for layer := 0; layer < np.NumLayers(); layer++ {
			dstRanks, ok := np.RanksForLayer(layer)
			if !ok {
				return nil, fmt.Errorf("reconfig: new pipeline %d rank grid missing layer %d", np.ID, layer)
			}
			srcRanks, ok := source.RanksForLayer(layer)
			if !ok {
				return nil, fmt.Errorf("%w: layer %d", ErrUnrecoverable, layer)
			}
			srcSet := make(map[int]bool, len(srcRanks))
			for _, r := range srcRanks {
				srcSet[r] = true
			}
			for _, dst := range dstRanks {
				if srcSet[dst] {
					continue
				}
				plan = append(plan, CopyOp{SrcRank: srcRanks[0], DstRank: dst, Layer: layer})
			}
		}
	}
	return plan, nil
}

// pickSourceReplica chooses the surviving pipeline contributing the most
// physical ranks to np (continuity/stickiness), falling back to the first
// surviving pipeline in order for determinism.
func pickSourceReplica(np *Pipeline, survivors []*Pipeline) *Pipeline {
	npRanks := make(map[int]bool, len(np.PhysicalRanks))
	for _, r := range np.PhysicalRanks {
		npRanks[r] = true
	}
	var best *Pipeline
	bestOverlap := -1
	for _, sp := range survivors {
		overlap := 0
		for _, r := range sp.PhysicalRanks {
			if npRanks[r] {
				overlap++
			}
		}
		if overlap > bestOverlap {
			bestOverlap = overlap
			best = sp
		}
	}
	if best == nil && len(survivors) > 0 {
		best = survivors[0]
	}
	return best
}

// execute drives the copy plan through the collective backend, grouping
// copies that share a (source, layer) pair into one ad-hoc broadcast group
// {source} ∪ {destinations}, per spec §4.3 step 5. All ranks walk the plan
// in this same grouped order, so groups form identically everywhere.
func (e *Engine) execute(ctx context.Context, plan []CopyOp) error {
	type key struct {
		src, layer int
	}
	order := make([]key, 0)
	groups := make(map[key][]int)
	for _, op := range plan {
		k := key{op.SrcRank, op.Layer}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], op.DstRank)
	}
	for _, k := range order {
		group := append([]int{k.src}, groups[k]...)
		if err := e.Backend.Broadcast(ctx, group, k.src, k.layer); err != nil {
			return fmt.Errorf("reconfig: broadcast src=%d layer=%d: %w", k.src, k.layer, err)
		}
	}
	return nil
}

// distributeMicrobatches splits globalMicrobatches across pipelines
// proportional to each pipeline's 1/iteration_time, rounding to integers
// that sum to the total (spec §4.3 step 6). Every pipeline is reserved one
// microbatch up front so none ever rounds to zero; the remaining
// globalMicrobatches-len(pipelines) units are then distributed by the same
// largest-remainder method, with remainder units going to the pipelines
// with the largest fractional share, in pipeline-ID order for determinism.
func distributeMicrobatches(pipelines []*Pipeline, globalMicrobatches int) error {
	if len(pipelines) == 0 {
		return nil
	}
	if globalMicrobatches < len(pipelines) {
		return fmt.Errorf("%w: %d microbatches for %d pipelines", ErrTooFewMicrobatches, globalMicrobatches, len(pipelines))
	}
	remaining := globalMicrobatches - len(pipelines)

	weights := make([]float64, len(pipelines))
	var total float64
	for i, p := range pipelines {
		w := 0.0
		if p.Template.IterationTimeMS > 0 {
			w = 1.0 / p.Template.IterationTimeMS
		}
		weights[i] = w
		total += w
	}

	shares := make([]int, len(pipelines))
	fracs := make([]float64, len(pipelines))
	assigned := 0
	for i, w := range weights {
		exact := float64(remaining) * safeDiv(w, total)
		shares[i] = int(exact)
		fracs[i] = exact - float64(shares[i])
		assigned += shares[i]
	}
	remainder := remaining - assigned
	idx := make([]int, len(pipelines))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if fracs[idx[a]] != fracs[idx[b]] {
			return fracs[idx[a]] > fracs[idx[b]]
		}
		return pipelines[idx[a]].ID < pipelines[idx[b]].ID
	})
	for i := 0; i < remainder && i < len(idx); i++ {
		shares[idx[i]]++
	}
	for i, p := range pipelines {
		p.MicrobatchShare = 1 + shares[i]
	}
	return nil
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
