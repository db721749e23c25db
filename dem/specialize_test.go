package dem

import (
	"strings"
	"testing"
)

func TestSpecialize_ReplacesAllTokens(t *testing.T) {
	subs := SubstitutionMap{"_nbX_": "12", "_nbXBig_": "144"}
	got := Specialize("grid is _nbX_ wide, squared _nbXBig_", subs)
	if got != "grid is 12 wide, squared 144" {
		t.Fatalf("Specialize produced %q", got)
	}
}

func TestSpecialize_LongestTokenFirst(t *testing.T) {
	// _beta_ is a prefix-sharing hazard for _beta_safety_; the longer
	// token must win.
	subs := SubstitutionMap{"_beta_": "1", "_beta_safety_": "2"}
	got := Specialize("_beta_safety_ and _beta_", subs)
	if got != "2 and 1" {
		t.Fatalf("Specialize produced %q", got)
	}
}

func TestCompactCode_FoldsToOneLine(t *testing.T) {
	snippet := "a = 1\n  b = 2\n\tc = 3"
	got := compactCode(snippet)
	if strings.ContainsAny(got, "\n\t") {
		t.Fatalf("compacted snippet still multi-line: %q", got)
	}
	if got != "a = 1 b = 2 c = 3" {
		t.Fatalf("compactCode produced %q", got)
	}
}

func TestKernelCache_CompilesOnceAndEvaluates(t *testing.T) {
	cache := newKernelCache()
	p1, err := cache.compile("2 * t + 1")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	p2, err := cache.compile("2 * t + 1")
	if err != nil {
		t.Fatalf("compile (cached): %v", err)
	}
	if p1 != p2 {
		t.Fatal("identical source must return the cached program")
	}
	ch := &compiledChannel{src: "2 * t + 1", prog: p1}
	v, err := ch.eval(map[string]any{"t": 3.0})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v != 7 {
		t.Fatalf("eval = %g, want 7", v)
	}
}

func TestCompilePrescription_NoneChannelsStayInactive(t *testing.T) {
	cache := newKernelCache()
	p := emptyPrescription(0)
	p.LinVelX = "sin(t)"
	p.used = true
	cp, err := compilePrescription(p, cache)
	if err != nil {
		t.Fatalf("compilePrescription: %v", err)
	}
	if !cp.linVel[0].active() {
		t.Fatal("prescribed channel must be active")
	}
	if cp.linVel[1].active() || cp.oriQ.active() {
		t.Fatal("none channels must stay inactive")
	}
}

func TestCompileFamilyKernels_BadExpressionSurfacesSnapshot(t *testing.T) {
	table, err := buildFamilyTable([]uint32{1}, nil, nil,
		[]ChangeRule{{From: 1, To: 1, Condition: "z <"}})
	if err != nil {
		t.Fatalf("buildFamilyTable: %v", err)
	}
	subs := SubstitutionMap{"_nbX_": "4"}
	_, _, err = compileFamilyKernels(table, newKernelCache(), subs)
	if err == nil {
		t.Fatal("expected a kernel-compile error for a malformed condition")
	}
	if !strings.Contains(err.Error(), "_nbX_") {
		t.Fatalf("error should carry the substitution-map snapshot, got %v", err)
	}
}
