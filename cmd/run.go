package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	sceneFile string // Scene YAML path
	showStats bool   // Print co-op and timing stats at the end
)

// runCmd executes a simulation described by a scene file.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation from a scene YAML file",
	Run: func(cmd *cobra.Command, args []string) {
		if sceneFile == "" {
			logrus.Fatal("No scene file provided; pass one with --scene")
		}
		cfg, err := LoadScene(sceneFile)
		if err != nil {
			logrus.Fatalf("Unable to load scene: %v", err)
		}
		solver, err := cfg.BuildSolver()
		if err != nil {
			logrus.Fatalf("Unable to build solver: %v", err)
		}
		if err := solver.Initialize(); err != nil {
			logrus.Fatalf("Initialization failed: %v", err)
		}

		outDir := cfg.Run.OutDir
		if outDir == "" {
			outDir = "."
		}
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			logrus.Fatalf("Unable to create output directory: %v", err)
		}

		start := time.Now()
		frame := 0
		remaining := cfg.Run.Duration
		chunk := cfg.Run.OutEvery
		if chunk <= 0 {
			chunk = cfg.Run.Duration
		}
		for remaining > 1e-15 {
			step := chunk
			if step > remaining {
				step = remaining
			}
			if err := solver.DoDynamicsThenSync(step); err != nil {
				logrus.Fatalf("Simulation failed at t=%.6g: %v", solver.SimTime(), err)
			}
			remaining -= step
			name := filepath.Join(outDir, fmt.Sprintf("clumps_%04d.csv", frame))
			if err := solver.WriteClumpFile(name); err != nil {
				logrus.Fatalf("Unable to write output: %v", err)
			}
			logrus.Infof("t=%.6g s, kinetic energy %.6g J", solver.SimTime(), solver.GetTotalKineticEnergy())
			frame++
		}

		logrus.Infof("Simulated %.6g s in %v", cfg.Run.Duration, time.Since(start).Round(time.Millisecond))
		if showStats {
			solver.ShowThreadCollaborationStats()
			solver.ShowTimingStats()
		}
	},
}

func init() {
	runCmd.Flags().StringVar(&sceneFile, "scene", "", "Scene YAML file")
	runCmd.Flags().BoolVar(&showStats, "stats", false, "Show worker collaboration and timing stats")
}
