package planner

import (
	"fmt"

	"github.com/oobleck-ml/oobleck/internal/profile"
	"github.com/sirupsen/logrus"
)

// Plan computes the optimal PipelineTemplate for layers, partitioned across
// numNodes nodes of gpusPerNode GPUs each, running microbatches micro-batches
// per optimizer step (spec §4.1). It returns ErrInfeasible when
// numNodes*gpusPerNode < 1 or when no feasible partition exists (e.g.
// numNodes > L).
func Plan(layers *profile.LayerExecutionResults, numNodes, gpusPerNode, microbatches int) (*PipelineTemplate, error) {
	L := layers.Len()
	totalGPUs := numNodes * gpusPerNode

	if totalGPUs < 1 {
		return nil, fmt.Errorf("%w: numNodes(%d)*gpusPerNode(%d) < 1", ErrInfeasible, numNodes, gpusPerNode)
	}
	if numNodes > L {
		return nil, fmt.Errorf("%w: numNodes(%d) exceeds layer count(%d)", ErrInfeasible, numNodes, L)
	}
	if microbatches < 1 {
		return nil, fmt.Errorf("planner: microbatches must be >= 1, got %d", microbatches)
	}

	ct, err := buildCostTables(layers, totalGPUs, gpusPerNode)
	if err != nil {
		return nil, err
	}

	maxK := L
	if totalGPUs < maxK {
		maxK = totalGPUs
	}

	var best *PipelineTemplate
	var bestIterTime float64

	for k := 1; k <= maxK; k++ {
		fk, boundaries, ok := planForK(ct, L, k, totalGPUs, gpusPerNode)
		if !ok {
			continue
		}
		iterTime := float64(microbatches+k-1) * fk

		tmpl := buildTemplate(ct, boundaries, numNodes, gpusPerNode, microbatches, iterTime)

		if best == nil || iterTime < bestIterTime-Epsilon {
			best = tmpl
			bestIterTime = iterTime
			continue
		}
		// Ties: spec §4.1 rule (i) fewer stages — a smaller k was already
		// tried first and would have won above unless its iterTime was
		// strictly worse, so reaching here with |iterTime-bestIterTime|<=eps
		// means this larger-k template is no better; keep the existing one.
	}

	if best == nil {
		return nil, fmt.Errorf("%w: no feasible partition of %d layers into <= %d stages on %d gpus", ErrInfeasible, L, maxK, totalGPUs)
	}

	logrus.WithFields(logrus.Fields{
		"num_nodes":         numNodes,
		"gpus_per_node":     gpusPerNode,
		"num_stages":        best.NumStages(),
		"iteration_time_ms": best.IterationTimeMS,
	}).Debug("planner: selected template")

	return best, nil
}

func buildTemplate(ct *costTables, boundaries []partitionBoundary, numNodes, gpusPerNode, microbatches int, iterTime float64) *PipelineTemplate {
	stages := make([]StageExecutionResult, len(boundaries))
	for i, b := range boundaries {
		compute := ct.prefixCompute[b.Hi] - ct.prefixCompute[b.Lo]
		sync := ct.prefixSync[b.NumGPUs][b.Hi] - ct.prefixSync[b.NumGPUs][b.Lo]
		var mem int64
		for l := b.Lo; l < b.Hi; l++ {
			layer := ct.layers.Layer(l)
			mem += layer.ActivationMemBytes + layer.ParameterMemBytes
		}
		// compute is forward+backward combined; split back out for the
		// derived fields spec §3 names separately.
		var fwd, bwd float64
		for l := b.Lo; l < b.Hi; l++ {
			layer := ct.layers.Layer(l)
			fwd += layer.Forward
			bwd += layer.Backward
		}
		_ = compute
		stages[i] = StageExecutionResult{
			Lo:         b.Lo,
			Hi:         b.Hi,
			NumGPUs:    b.NumGPUs,
			ForwardMS:  fwd,
			BackwardMS: bwd,
			MemBytes:   mem,
			SyncCostMS: sync,
		}
	}
	return &PipelineTemplate{
		Stages:          stages,
		NumNodes:        numNodes,
		NumGPUsPerNode:  gpusPerNode,
		Microbatches:    microbatches,
		IterationTimeMS: iterTime,
	}
}
