package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/grainflow/grainflow/dem"
)

// demoCmd runs one of the built-in scenes, useful as a smoke test and as
// API examples.
var demoCmd = &cobra.Command{
	Use:       "demo [bounce|pack]",
	Short:     "Run a built-in demo scene",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"bounce", "pack"},
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		switch args[0] {
		case "bounce":
			err = demoBounce()
		case "pack":
			err = demoPack()
		}
		if err != nil {
			logrus.Fatalf("Demo failed: %v", err)
		}
	},
}

// demoBounce: two equal spheres on a head-on elastic collision course.
func demoBounce() error {
	s := dem.NewSolver()
	s.InstructBoxDomainDimension(1, 1, 1)
	s.InstructCoordSysOrigin("center")
	s.SetTimeStepSize(1e-5)
	s.SetCDUpdateFreq(10)
	s.SuggestExpandFactorWithCD(2, 1e-4)
	s.UseFrictionlessHertzianModel()

	mat := s.LoadMaterial(dem.Material{E: 1e7, Nu: 0.3, CoR: 1.0})
	ball, err := s.LoadClumpSimpleSphere(1, 0.1, mat)
	if err != nil {
		return err
	}
	batch, err := s.AddClumpsOfType(ball, []r3.Vec{{X: -0.2}, {X: 0.2}})
	if err != nil {
		return err
	}
	batch.SetFamily(0)
	batch.SetVels([]r3.Vec{{X: 1}, {X: -1}})
	tracker := s.Track(batch)

	if err := s.Initialize(); err != nil {
		return err
	}
	if err := s.DoDynamicsThenSync(0.5); err != nil {
		return err
	}
	logrus.Infof("Ball 0 ended at %+v with velocity %+v", tracker.Pos(0), tracker.Vel(0))
	logrus.Infof("Ball 1 ended at %+v with velocity %+v", tracker.Pos(1), tracker.Vel(1))
	s.ShowThreadCollaborationStats()
	return nil
}

// demoPack: spheres raining into a closed box under gravity.
func demoPack() error {
	s := dem.NewSolver()
	s.InstructBoxDomainDimension(1, 1, 2)
	s.SetGravitationalAcceleration(r3.Vec{Z: -9.81})
	s.SetTimeStepSize(5e-6)
	s.SetCDUpdateFreq(20)
	s.SuggestExpandSafetyParam(1.2)
	if err := s.SuggestExpandFactor(3); err != nil {
		return err
	}
	s.UseFrictionalHertzianModel()

	mat := s.LoadMaterial(dem.Material{E: 1e8, Nu: 0.3, CoR: 0.5, Mu: 0.3})
	s.InstructBoxDomainBoundingBC("all", mat)
	grain, err := s.LoadClumpSimpleSphere(0.01, 0.01, mat)
	if err != nil {
		return err
	}
	pos := dem.NewHCPSampler(0.022).SampleBox(
		r3.Vec{X: 0.2, Y: 0.2, Z: 0.6},
		r3.Vec{X: 0.8, Y: 0.8, Z: 0.9},
	)
	batch, err := s.AddClumpsOfType(grain, pos)
	if err != nil {
		return err
	}
	batch.SetFamily(1)

	if err := s.Initialize(); err != nil {
		return err
	}
	logrus.Infof("Dropping %d grains", batch.NumClumps())
	for i := 0; i < 10; i++ {
		if err := s.DoDynamicsThenSync(0.05); err != nil {
			return err
		}
		logrus.Infof("t=%.2f s, kinetic energy %.6g J", s.SimTime(), s.GetTotalKineticEnergy())
	}
	s.ShowThreadCollaborationStats()
	s.ShowTimingStats()
	return nil
}
