package cmd

import (
	"fmt"

	"github.com/oobleck-ml/oobleck/internal/config"
	"github.com/oobleck-ml/oobleck/internal/planner"
	"github.com/oobleck-ml/oobleck/internal/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var planConfigPath string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Build a pipeline template catalogue from a profile and print it",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadLaunchConfig(planConfigPath)
		if err != nil {
			logrus.Fatalf("loading config: %v", err)
		}

		layers, err := profile.LoadCSV(cfg.ProfilePath)
		if err != nil {
			logrus.Fatalf("loading profile: %v", err)
		}

		cat := planner.BuildCatalogue(layers, cfg.CandidateNodeCounts, cfg.GPUsPerNode, cfg.Microbatches)
		for _, n := range cfg.CandidateNodeCounts {
			tmpl, ok := cat.Template(n)
			if !ok {
				logrus.WithError(cat.Err(n)).Warnf("N=%d: no feasible template", n)
				continue
			}
			fmt.Printf("N=%d stages=%d gpus=%d iteration_time_ms=%.3f max_stage_ms=%.3f bubble_ms=%.3f stage_time_variance_ms2=%.3f\n",
				n, tmpl.NumStages(), tmpl.TotalGPUs(), tmpl.IterationTimeMS,
				tmpl.MaxStageTimeMS(), tmpl.MaxStageTimeMS()*float64(tmpl.NumStages())-tmpl.TotalStageTimeMS(),
				tmpl.StageTimeVarianceMS())
		}
	},
}

func init() {
	planCmd.Flags().StringVar(&planConfigPath, "config", "cluster.yaml", "Path to the cluster launch config")
}
