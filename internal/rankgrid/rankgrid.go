// Package rankgrid derives the deterministic layer -> ranks mapping spec
// §4.2 describes: a pure function of (template, base rank) so every node
// can compute it locally and agree without a round trip.
package rankgrid

import "github.com/oobleck-ml/oobleck/internal/planner"

// RankGrid maps a layer index to the ordered list of global ranks
// participating in FSDP sharding for that layer.
type RankGrid struct {
	byLayer   map[int][]int
	numLayers int
	baseRank  int
	endRank   int
}

// Derive walks tmpl's stages in order, assigning layers in each stage the
// contiguous rank range [r, r+g) where r starts at baseRank and advances by
// each stage's GPU count, per spec §4.2.
func Derive(tmpl *planner.PipelineTemplate, baseRank int) *RankGrid {
	grid := &RankGrid{
		byLayer:   make(map[int][]int, tmpl.NumLayers()),
		numLayers: tmpl.NumLayers(),
		baseRank:  baseRank,
	}

	r := baseRank
	for _, stage := range tmpl.Stages {
		ranks := make([]int, stage.NumGPUs)
		for i := range ranks {
			ranks[i] = r + i
		}
		for layer := stage.Lo; layer < stage.Hi; layer++ {
			grid.byLayer[layer] = ranks
		}
		r += stage.NumGPUs
	}
	grid.endRank = r

	return grid
}

// Ranks returns the ranks assigned to layer, and whether that layer is
// covered by this grid.
func (g *RankGrid) Ranks(layer int) ([]int, bool) {
	ranks, ok := g.byLayer[layer]
	return ranks, ok
}

// NumLayers returns the number of layers this grid covers.
func (g *RankGrid) NumLayers() int { return g.numLayers }

// BaseRank returns the base rank the grid was derived with.
func (g *RankGrid) BaseRank() int { return g.baseRank }

// EndRank returns baseRank + N*D: the invariant spec §4.2 requires to hold
// once the walk completes.
func (g *RankGrid) EndRank() int { return g.endRank }

// HasRank reports whether rank participates anywhere in this grid.
func (g *RankGrid) HasRank(rank int) bool {
	for _, ranks := range g.byLayer {
		for _, r := range ranks {
			if r == rank {
				return true
			}
		}
	}
	return false
}

// Equal reports whether two grids are byte-identical in content, used by
// spec §8 property 3 (rank-grid determinism).
func (g *RankGrid) Equal(other *RankGrid) bool {
	if g.numLayers != other.numLayers || g.baseRank != other.baseRank || g.endRank != other.endRank {
		return false
	}
	if len(g.byLayer) != len(other.byLayer) {
		return false
	}
	for layer, ranks := range g.byLayer {
		oranks, ok := other.byLayer[layer]
		if !ok || len(oranks) != len(ranks) {
			return false
		}
		for i := range ranks {
			if ranks[i] != oranks[i] {
				return false
			}
		}
	}
	return true
}
