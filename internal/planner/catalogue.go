package planner

import (
	"sort"

	"github.com/oobleck-ml/oobleck/internal/profile"
	"github.com/sirupsen/logrus"
)

// Catalogue is the precomputed map {node count -> template} built once at
// startup for every plausible node count (spec §2 item 3, §4.1 "Template
// Catalogue build"). It is read-only after BuildCatalogue returns.
type Catalogue struct {
	gpusPerNode  int
	microbatches int
	templates    map[int]*PipelineTemplate
	errors       map[int]error
}

// BuildCatalogue computes template(n) for every n in nodeCounts, against
// layers, gpusPerNode GPUs per node and microbatches microbatches per step.
// Errors are per-N: a failure for one candidate node count does not prevent
// the others from succeeding (spec §4.1).
func BuildCatalogue(layers *profile.LayerExecutionResults, nodeCounts []int, gpusPerNode, microbatches int) *Catalogue {
	cat := &Catalogue{
		gpusPerNode:  gpusPerNode,
		microbatches: microbatches,
		templates:    make(map[int]*PipelineTemplate, len(nodeCounts)),
		errors:       make(map[int]error),
	}
	for _, n := range nodeCounts {
		tmpl, err := Plan(layers, n, gpusPerNode, microbatches)
		if err != nil {
			cat.errors[n] = err
			logrus.WithField("num_nodes", n).WithError(err).Warn("catalogue: no template for node count")
			continue
		}
		cat.templates[n] = tmpl
	}
	return cat
}

// Template returns the template for n nodes and whether one exists.
func (c *Catalogue) Template(n int) (*PipelineTemplate, bool) {
	t, ok := c.templates[n]
	return t, ok
}

// Err returns the planning error recorded for n nodes, if any.
func (c *Catalogue) Err(n int) error {
	return c.errors[n]
}

// NodeCounts returns the sorted set of node counts with a feasible template.
func (c *Catalogue) NodeCounts() []int {
	out := make([]int, 0, len(c.templates))
	for n := range c.templates {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// GPUsPerNode returns the fixed GPUs-per-node dimension the catalogue was
// built with.
func (c *Catalogue) GPUsPerNode() int { return c.gpusPerNode }
