// Package reconfig implements the reconfiguration engine (spec §4.3): on
// membership change it reshapes the set of live pipelines and produces a
// copy plan so training state survives without a restart.
package reconfig

import (
	"fmt"

	"github.com/oobleck-ml/oobleck/internal/planner"
	"github.com/oobleck-ml/oobleck/internal/rankgrid"
)

// HostID identifies one node in the host file (spec §6).
type HostID string

// Pipeline is a live pipeline instance (spec §3 "Pipeline (live)"):
// identity, a template, the ordered physical ranks it owns, its RankGrid,
// and training progress. Pipeline set membership is mutated only by the
// Engine, under the caller's reconfiguration lock (spec §5).
type Pipeline struct {
	ID int

	Template      *planner.PipelineTemplate
	PhysicalRanks []int // len == Template.TotalGPUs(), in local-rank order
	Grid          *rankgrid.RankGrid

	GlobalStep      int64
	MicrobatchShare int // this pipeline's share of the global microbatch count
}

// NewPipeline builds a Pipeline whose RankGrid is derived with base rank 0
// (grid entries are *local* ranks; PhysicalRanks resolves them to global
// ranks). This keeps RankGrid a pure function of the template alone, so two
// pipelines with the same template shape but different physical placement
// still agree on relative structure.
func NewPipeline(id int, tmpl *planner.PipelineTemplate, physicalRanks []int, globalStep int64) (*Pipeline, error) {
	p := &Pipeline{ID: id, GlobalStep: globalStep}
	if err := p.Reinstantiate(tmpl, physicalRanks); err != nil {
		return nil, err
	}
	return p, nil
}

// Reinstantiate rebuilds p's RankGrid and physical-rank binding against a
// (possibly different) template and rank set while preserving GlobalStep,
// used both at startup and after reconfiguration (spec §4.3; supplemented
// per original_source/tests/execution/test_engine.py, which re-checks the
// FSDP shard grid after re-instantiating at a different node count).
func (p *Pipeline) Reinstantiate(tmpl *planner.PipelineTemplate, physicalRanks []int) error {
	if len(physicalRanks) != tmpl.TotalGPUs() {
		return fmt.Errorf("pipeline %d: got %d physical ranks, template needs %d", p.ID, len(physicalRanks), tmpl.TotalGPUs())
	}
	p.Template = tmpl
	p.PhysicalRanks = physicalRanks
	p.Grid = rankgrid.Derive(tmpl, 0)
	return nil
}

// RanksForLayer returns the physical (global) ranks holding layer's state
// in this pipeline.
func (p *Pipeline) RanksForLayer(layer int) ([]int, bool) {
	localRanks, ok := p.Grid.Ranks(layer)
	if !ok {
		return nil, false
	}
	out := make([]int, len(localRanks))
	for i, lr := range localRanks {
		out[i] = p.PhysicalRanks[lr]
	}
	return out, true
}

// NumLayers returns the number of layers this pipeline's template covers.
func (p *Pipeline) NumLayers() int { return p.Template.NumLayers() }
