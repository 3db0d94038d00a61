// Package planner implements the pipeline-template planner (spec §4.1): a
// pure function from (profile, node count, GPUs-per-node) to the optimal
// PipelineTemplate, plus the Template Catalogue that holds one template per
// feasible node count.
package planner

import (
	"errors"
	"fmt"

	"github.com/oobleck-ml/oobleck/internal/profile"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// FixedOverheadMS is the small constant overhead spec §4.1 adds to every
// stage's predicted time.
const FixedOverheadMS = 0.1

// Epsilon is the fixed tolerance spec §4.1 uses for floating point
// comparisons so the DP's tie-break rule is deterministic.
const Epsilon = 1e-9

// ErrInfeasible is returned when no feasible partition exists for the
// requested (L, N, D), per spec §4.1 PlanError::Infeasible.
var ErrInfeasible = errors.New("planner: infeasible configuration")

// StageExecutionResult is a contiguous slice [Lo, Hi) of layers assigned to
// NumGPUs GPUs, with derived costs per spec §3.
type StageExecutionResult struct {
	Lo, Hi  int
	NumGPUs int

	ForwardMS  float64
	BackwardMS float64
	MemBytes   int64
	SyncCostMS float64
}

// ComputeMS is compute(s) = Σ (forward + backward) over the stage's layers.
func (s StageExecutionResult) ComputeMS() float64 { return s.ForwardMS + s.BackwardMS }

// StageTimeMS is stage_time(s) = compute(s)/g + sync(s) + fixed_overhead.
func (s StageExecutionResult) StageTimeMS() float64 {
	return s.ComputeMS()/float64(s.NumGPUs) + s.SyncCostMS + FixedOverheadMS
}

// PipelineTemplate is an ordered list of stages tiling [0, L) plus the
// dimensions it was planned for and its derived iteration time.
type PipelineTemplate struct {
	Stages         []StageExecutionResult
	NumNodes       int
	NumGPUsPerNode int
	Microbatches   int

	// IterationTimeMS is (M + k - 1) * max_s stage_time(s), the standard
	// 1F1B pipeline fill/drain model (spec §4.1).
	IterationTimeMS float64
}

// NumStages is k in spec.md's notation.
func (t PipelineTemplate) NumStages() int { return len(t.Stages) }

// TotalGPUs returns Σ stage.NumGPUs, which must equal NumNodes*NumGPUsPerNode
// per the GPU-conservation invariant (spec §8 property 2).
func (t PipelineTemplate) TotalGPUs() int {
	total := 0
	for _, s := range t.Stages {
		total += s.NumGPUs
	}
	return total
}

// NumLayers returns the number of layers the template's stages tile.
func (t PipelineTemplate) NumLayers() int {
	if len(t.Stages) == 0 {
		return 0
	}
	return t.Stages[len(t.Stages)-1].Hi
}

// stageTimes returns stage_time(s) for every stage, in stage order.
func (t PipelineTemplate) stageTimes() []float64 {
	times := make([]float64, len(t.Stages))
	for i, s := range t.Stages {
		times[i] = s.StageTimeMS()
	}
	return times
}

// MaxStageTimeMS returns max_s stage_time(s), the critical-path stage.
func (t PipelineTemplate) MaxStageTimeMS() float64 {
	times := t.stageTimes()
	if len(times) == 0 {
		return 0
	}
	return floats.Max(times)
}

// TotalStageTimeMS returns Σ_s stage_time(s), used alongside
// MaxStageTimeMS for pipeline-bubble diagnostics (how much slack the
// non-critical stages carry).
func (t PipelineTemplate) TotalStageTimeMS() float64 {
	return floats.Sum(t.stageTimes())
}

// StageTimeVarianceMS returns the variance of the template's per-stage
// stage_time values, a diagnostic for how evenly the DP balanced the
// partition it selected, surfaced by cmd/plan.go. The planner's own
// tie-break among equally-fast partitions does not use this value: it
// minimizes the sum of squared stage times (minVariancePartition in dp.go).
func (t PipelineTemplate) StageTimeVarianceMS() float64 {
	times := t.stageTimes()
	if len(times) < 2 {
		return 0
	}
	return stat.Variance(times, nil)
}

// Validate checks the shape invariants of spec §3: GPU conservation, exact
// layer coverage, and the stage-shape rule (fits in one node or spans whole
// nodes).
func (t PipelineTemplate) Validate(layers *profile.LayerExecutionResults) error {
	if t.TotalGPUs() != t.NumNodes*t.NumGPUsPerNode {
		return fmt.Errorf("template: total gpus %d != nodes(%d)*gpusPerNode(%d)", t.TotalGPUs(), t.NumNodes, t.NumGPUsPerNode)
	}
	wantLo := 0
	for i, s := range t.Stages {
		if s.Lo != wantLo {
			return fmt.Errorf("template: stage %d starts at %d, expected %d", i, s.Lo, wantLo)
		}
		if s.Hi <= s.Lo {
			return fmt.Errorf("template: stage %d has empty range [%d,%d)", i, s.Lo, s.Hi)
		}
		if s.NumGPUs > t.NumGPUsPerNode && s.NumGPUs%t.NumGPUsPerNode != 0 {
			return fmt.Errorf("template: stage %d has %d gpus, neither <= %d nor a multiple of it", i, s.NumGPUs, t.NumGPUsPerNode)
		}
		wantLo = s.Hi
	}
	if layers != nil && wantLo != layers.Len() {
		return fmt.Errorf("template: stages cover [0,%d), expected [0,%d)", wantLo, layers.Len())
	}
	return nil
}
