package cmd

import (
	"net/http"
	"os"

	"github.com/oobleck-ml/oobleck/internal/config"
	"github.com/oobleck-ml/oobleck/internal/controlplane"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	masterConfigPath string
	masterListenAddr string
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the control-plane Master: serve distribution info, code, and rendezvous state",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadLaunchConfig(masterConfigPath)
		if err != nil {
			logrus.Fatalf("loading config: %v", err)
		}

		f, err := os.Open(cfg.HostFilePath)
		if err != nil {
			logrus.Fatalf("opening host file: %v", err)
		}
		defer f.Close()

		entries, err := controlplane.ParseHostFile(f)
		if err != nil {
			logrus.Fatalf("parsing host file: %v", err)
		}

		dist := controlplane.DistInfo{Hosts: entries}
		code := controlplane.CodeInfo{Path: cfg.TrainingScript.Path, Args: cfg.TrainingScript.Args}
		master := controlplane.NewMaster(dist, code)

		logrus.WithFields(logrus.Fields{
			"hosts": len(entries), "total_slots": dist.TotalSlots(), "addr": masterListenAddr,
		}).Info("master: serving")

		if err := http.ListenAndServe(masterListenAddr, controlplane.NewHTTPHandler(master)); err != nil {
			logrus.Fatalf("master: %v", err)
		}
	},
}

func init() {
	masterCmd.Flags().StringVar(&masterConfigPath, "config", "cluster.yaml", "Path to the cluster launch config")
	masterCmd.Flags().StringVar(&masterListenAddr, "listen", ":7777", "Address to serve the control-plane API on")
}
