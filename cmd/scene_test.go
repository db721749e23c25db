package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleScene = `
world:
  x: 1.0
  y: 1.0
  z: 2.0
  origin: explicit
gravity: [0, 0, -9.81]
timeStep: 1.0e-5
cdUpdateFreq: 10
maxVelocity: 3
boundingBox: all
forceModel: frictional
materials:
  - name: quartz
    e: 1.0e8
    nu: 0.3
    cor: 0.5
    mu: 0.3
templates:
  - name: grain
    mass: 0.01
    moi: [4.0e-6, 4.0e-6, 4.0e-6]
    radii: [0.01]
    relPos: [[0, 0, 0]]
    material: quartz
batches:
  - template: grain
    family: 1
    sampler:
      kind: hcp
      spacing: 0.025
      lo: [0.2, 0.2, 0.3]
      hi: [0.4, 0.4, 0.4]
disableContacts:
  - [1, 2]
familyChanges:
  - from: 1
    to: 2
    condition: "z < 0.05"
run:
  duration: 0.01
  outEvery: 0.005
  format: csv
  mode: clump
`

func writeScene(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scene.yaml")
	if err := os.WriteFile(path, []byte(sampleScene), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadScene_ParsesFields(t *testing.T) {
	cfg, err := LoadScene(writeScene(t))
	if err != nil {
		t.Fatalf("LoadScene: %v", err)
	}
	if cfg.World.Z != 2.0 || cfg.TimeStep != 1e-5 || cfg.CDUpdateFreq != 10 {
		t.Fatalf("world/step fields wrong: %+v", cfg)
	}
	if len(cfg.Materials) != 1 || cfg.Materials[0].E != 1e8 {
		t.Fatalf("materials wrong: %+v", cfg.Materials)
	}
	if len(cfg.Templates) != 1 || cfg.Templates[0].Radii[0] != 0.01 {
		t.Fatalf("templates wrong: %+v", cfg.Templates)
	}
	if len(cfg.FamilyChanges) != 1 || cfg.FamilyChanges[0].Condition != "z < 0.05" {
		t.Fatalf("family changes wrong: %+v", cfg.FamilyChanges)
	}
}

func TestBuildSolver_InitializesCleanly(t *testing.T) {
	cfg, err := LoadScene(writeScene(t))
	if err != nil {
		t.Fatalf("LoadScene: %v", err)
	}
	solver, err := cfg.BuildSolver()
	if err != nil {
		t.Fatalf("BuildSolver: %v", err)
	}
	if err := solver.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if solver.NumOwners() == 0 {
		t.Fatal("scene produced no owners")
	}
}

func TestBuildSolver_RejectsUnknownReferences(t *testing.T) {
	cfg, err := LoadScene(writeScene(t))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Templates[0].Material = "granite"
	if _, err := cfg.BuildSolver(); err == nil {
		t.Fatal("unknown material reference must fail")
	}
}
