package cmd

import (
	"fmt"
	"os"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"github.com/grainflow/grainflow/dem"
	"github.com/grainflow/grainflow/dem/out"
)

// SceneConfig is the YAML description of one simulation: world, materials,
// templates, batches and run policy.
type SceneConfig struct {
	World struct {
		X, Y, Z float64
		Origin  string `yaml:"origin"` // explicit | center
	} `yaml:"world"`
	Gravity      []float64 `yaml:"gravity"`
	TimeStep     float64   `yaml:"timeStep"`
	CDUpdateFreq int       `yaml:"cdUpdateFreq"`
	MaxVelocity  float64   `yaml:"maxVelocity"`
	ExpandSafety float64   `yaml:"expandSafety"`
	BinSize      float64   `yaml:"binSize"`
	BoundingBox  string    `yaml:"boundingBox"` // none | all | top_open
	ForceModel   string    `yaml:"forceModel"`  // frictional | frictionless
	Seed         int64     `yaml:"seed"`

	Materials []struct {
		Name    string
		E       float64
		Nu      float64
		CoR     float64
		Mu      float64
		Crr     float64
		Density float64
	} `yaml:"materials"`

	Templates []struct {
		Name     string
		Mass     float64
		MOI      []float64
		Radii    []float64
		RelPos   [][]float64 `yaml:"relPos"`
		Material string
	} `yaml:"templates"`

	Batches []struct {
		Template string
		Family   uint32
		Velocity []float64
		Sampler  struct {
			Kind    string // grid | hcp
			Spacing float64
			Jitter  float64
			Lo      []float64
			Hi      []float64
		} `yaml:"sampler"`
	} `yaml:"batches"`

	DisableContacts [][2]uint32 `yaml:"disableContacts"`

	Prescriptions []struct {
		Family  uint32
		LinVel  []string `yaml:"linVel"`
		AngVel  []string `yaml:"angVel"`
		Dictate bool
		Fixed   bool
	} `yaml:"prescriptions"`

	FamilyChanges []struct {
		From      uint32
		To        uint32
		Condition string
	} `yaml:"familyChanges"`

	Run struct {
		Duration  float64
		OutEvery  float64 `yaml:"outEvery"`
		OutDir    string  `yaml:"outDir"`
		Format    string  // csv | binary | chpf
		Mode      string  // sphere | clump
	} `yaml:"run"`
}

// LoadScene parses a scene YAML file.
func LoadScene(path string) (*SceneConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scene file: %w", err)
	}
	var cfg SceneConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse scene file: %w", err)
	}
	return &cfg, nil
}

func vec3(xs []float64) r3.Vec {
	var v r3.Vec
	if len(xs) > 0 {
		v.X = xs[0]
	}
	if len(xs) > 1 {
		v.Y = xs[1]
	}
	if len(xs) > 2 {
		v.Z = xs[2]
	}
	return v
}

// BuildSolver configures a solver from a scene.
func (cfg *SceneConfig) BuildSolver() (*dem.Solver, error) {
	s := dem.NewSolver()
	s.InstructBoxDomainDimension(cfg.World.X, cfg.World.Y, cfg.World.Z)
	if cfg.World.Origin != "" {
		s.InstructCoordSysOrigin(cfg.World.Origin)
	}
	s.SetGravitationalAcceleration(vec3(cfg.Gravity))
	s.SetTimeStepSize(cfg.TimeStep)
	s.SetCDUpdateFreq(cfg.CDUpdateFreq)
	if cfg.Seed != 0 {
		s.SetSeed(cfg.Seed)
	}
	if cfg.BinSize > 0 {
		s.InstructBinSize(cfg.BinSize)
	}
	if cfg.ExpandSafety > 0 {
		s.SuggestExpandSafetyParam(cfg.ExpandSafety)
	}
	if cfg.MaxVelocity > 0 && cfg.CDUpdateFreq > 0 {
		if err := s.SuggestExpandFactor(cfg.MaxVelocity); err != nil {
			return nil, err
		}
	}
	switch cfg.ForceModel {
	case "", "frictional":
		s.UseFrictionalHertzianModel()
	case "frictionless":
		s.UseFrictionlessHertzianModel()
	default:
		return nil, fmt.Errorf("unknown force model %q", cfg.ForceModel)
	}

	mats := make(map[string]dem.Material, len(cfg.Materials))
	for _, m := range cfg.Materials {
		mats[m.Name] = s.LoadMaterial(dem.Material{
			E: m.E, Nu: m.Nu, CoR: m.CoR, Mu: m.Mu, Crr: m.Crr, Density: m.Density,
		})
	}
	if cfg.BoundingBox != "" && cfg.BoundingBox != "none" {
		if len(cfg.Materials) == 0 {
			return nil, fmt.Errorf("a bounding box needs at least one material")
		}
		s.InstructBoxDomainBoundingBC(cfg.BoundingBox, mats[cfg.Materials[0].Name])
	}

	tmpls := make(map[string]*dem.ClumpTemplate, len(cfg.Templates))
	for _, t := range cfg.Templates {
		mat, ok := mats[t.Material]
		if !ok {
			return nil, fmt.Errorf("template %q references unknown material %q", t.Name, t.Material)
		}
		relPos := make([]r3.Vec, len(t.RelPos))
		for i, p := range t.RelPos {
			relPos[i] = vec3(p)
		}
		tmpl, err := s.LoadClumpTemplateUniform(t.Mass, vec3(t.MOI), t.Radii, relPos, mat)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", t.Name, err)
		}
		tmpls[t.Name] = tmpl
	}

	for bi, b := range cfg.Batches {
		tmpl, ok := tmpls[b.Template]
		if !ok {
			return nil, fmt.Errorf("batch %d references unknown template %q", bi, b.Template)
		}
		var pos []r3.Vec
		lo, hi := vec3(b.Sampler.Lo), vec3(b.Sampler.Hi)
		switch b.Sampler.Kind {
		case "hcp":
			pos = dem.NewHCPSampler(b.Sampler.Spacing).SampleBox(lo, hi)
		case "", "grid":
			rng := s.RNG().ForSubsystem(dem.SubsystemBatch(bi))
			pos = dem.NewGridSampler(b.Sampler.Spacing, b.Sampler.Jitter, rng).SampleBox(lo, hi)
		default:
			return nil, fmt.Errorf("batch %d: unknown sampler %q", bi, b.Sampler.Kind)
		}
		batch, err := s.AddClumpsOfType(tmpl, pos)
		if err != nil {
			return nil, err
		}
		batch.SetFamily(b.Family)
		batch.SetVel(vec3(b.Velocity))
	}

	for _, p := range cfg.DisableContacts {
		s.DisableContactBetweenFamilies(p[0], p[1])
	}
	for _, p := range cfg.Prescriptions {
		if p.Fixed {
			s.SetFamilyFixed(p.Family)
			continue
		}
		if len(p.LinVel) == 3 {
			s.SetFamilyPrescribedLinVel(p.Family, p.LinVel[0], p.LinVel[1], p.LinVel[2], p.Dictate)
		}
		if len(p.AngVel) == 3 {
			s.SetFamilyPrescribedAngVel(p.Family, p.AngVel[0], p.AngVel[1], p.AngVel[2], p.Dictate)
		}
	}
	for _, fc := range cfg.FamilyChanges {
		s.ChangeFamilyWhen(fc.From, fc.To, fc.Condition)
	}

	switch cfg.Run.Format {
	case "", "csv":
		s.SetOutputFormat(out.FormatCSV)
	case "binary":
		s.SetOutputFormat(out.FormatBinary)
	case "chpf":
		s.SetOutputFormat(out.FormatCHPF)
	default:
		return nil, fmt.Errorf("unknown output format %q", cfg.Run.Format)
	}
	if cfg.Run.Mode == "clump" {
		s.SetClumpOutputMode(out.ModeClump)
	}
	return s, nil
}
