package rankgrid

import (
	"testing"

	"github.com/oobleck-ml/oobleck/internal/planner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoStageTemplate() *planner.PipelineTemplate {
	return &planner.PipelineTemplate{
		Stages: []planner.StageExecutionResult{
			{Lo: 0, Hi: 3, NumGPUs: 2},
			{Lo: 3, Hi: 6, NumGPUs: 2},
		},
		NumNodes:       2,
		NumGPUsPerNode: 2,
	}
}

func TestDerive_AssignsContiguousRanksPerStage(t *testing.T) {
	tmpl := twoStageTemplate()
	grid := Derive(tmpl, 0)

	for layer := 0; layer < 3; layer++ {
		ranks, ok := grid.Ranks(layer)
		require.True(t, ok)
		assert.Equal(t, []int{0, 1}, ranks)
	}
	for layer := 3; layer < 6; layer++ {
		ranks, ok := grid.Ranks(layer)
		require.True(t, ok)
		assert.Equal(t, []int{2, 3}, ranks)
	}
}

func TestDerive_EndRankInvariant(t *testing.T) {
	tmpl := twoStageTemplate()
	grid := Derive(tmpl, 8)
	assert.Equal(t, 8+tmpl.NumNodes*tmpl.NumGPUsPerNode, grid.EndRank())
}

// TestDerive_Deterministic checks spec §8 property 3: two independent
// derivations from the same (template, base rank) produce identical grids.
func TestDerive_Deterministic(t *testing.T) {
	tmpl := twoStageTemplate()
	a := Derive(tmpl, 4)
	b := Derive(tmpl, 4)
	assert.True(t, a.Equal(b))
}

func TestDerive_UnknownLayerNotFound(t *testing.T) {
	tmpl := twoStageTemplate()
	grid := Derive(tmpl, 0)
	_, ok := grid.Ranks(99)
	assert.False(t, ok)
}
