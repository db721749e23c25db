package dem

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// SubstitutionMap carries placeholder-token → literal-text replacements for
// kernel specialization.
type SubstitutionMap map[string]string

// Specialize performs one-pass replacement of every placeholder token in
// the template. It is a pure function of its inputs; downstream code treats
// the result as the specialized kernel source.
func Specialize(template string, subs SubstitutionMap) string {
	// Longest-token-first ordering keeps one-pass semantics even when one
	// token is a prefix of another.
	tokens := make([]string, 0, len(subs))
	for tok := range subs {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})
	out := template
	for _, tok := range tokens {
		out = strings.ReplaceAll(out, tok, subs[tok])
	}
	return out
}

// compactCode folds a multi-line snippet onto one line, so that each woven
// substitution occupies a single line of the specialized source and compile
// errors report the emission site. Line-number-preserving mode skips this.
func compactCode(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// snapshotSubstitutionMap renders a substitution map for diagnostics,
// truncating long table literals.
func snapshotSubstitutionMap(subs SubstitutionMap) string {
	keys := make([]string, 0, len(subs))
	for k := range subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		v := subs[k]
		if len(v) > 80 {
			v = v[:77] + "..."
		}
		fmt.Fprintf(&b, "%s=%q ", k, v)
	}
	return strings.TrimSpace(b.String())
}

// kernelCache is the compile-and-cache layer behind specialization:
// expression slots compile once per distinct source text.
type kernelCache struct {
	mu    sync.Mutex
	progs map[string]*vm.Program
}

func newKernelCache() *kernelCache {
	return &kernelCache{progs: make(map[string]*vm.Program)}
}

// compile returns the cached program for src, compiling on first sight.
func (c *kernelCache) compile(src string) (*vm.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.progs[src]; ok {
		return p, nil
	}
	p, err := expr.Compile(src)
	if err != nil {
		return nil, err
	}
	c.progs[src] = p
	return p, nil
}

// clear drops all cached programs.
func (c *kernelCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.progs)
}

// compiledChannel is one prescribed channel: nil program means
// no-prescription.
type compiledChannel struct {
	src  string
	prog *vm.Program
}

func (c *compiledChannel) active() bool { return c != nil && c.prog != nil }

// eval runs the channel program against the owner environment.
func (c *compiledChannel) eval(env map[string]any) (float64, error) {
	out, err := vm.Run(c.prog, env)
	if err != nil {
		return 0, err
	}
	return toFloat(out)
}

// mathEnv seeds an expression environment with the math vocabulary user
// snippets may reference.
func mathEnv() map[string]any {
	return map[string]any{
		"sin":  math.Sin,
		"cos":  math.Cos,
		"tan":  math.Tan,
		"sqrt": math.Sqrt,
		"abs":  math.Abs,
		"exp":  math.Exp,
		"log":  math.Log,
		"pow":  math.Pow,
		"min":  math.Min,
		"max":  math.Max,
		"pi":   math.Pi,
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("expression returned %T, want a number", v)
	}
}

// compiledPrescription is the runnable form of one family's Prescription:
// the switch-case the specialization weaves, as per-channel programs.
type compiledPrescription struct {
	linVel [3]*compiledChannel
	rotVel [3]*compiledChannel
	linPos [3]*compiledChannel
	oriQ   *compiledChannel

	linVelDictate bool
	rotVelDictate bool
	linPosDictate bool
	rotPosDictate bool
	used          bool
}

// compiledChangeRule is one runnable family-change guard.
type compiledChangeRule struct {
	from FamilyTag
	to   FamilyTag
	cond *vm.Program
	src  string
}

// compileFamilyKernels turns the family table's prescriptions and change
// rules into programs, reporting the substitution-map snapshot on failure.
func compileFamilyKernels(t *familyTable, cache *kernelCache, subs SubstitutionMap) ([]compiledPrescription, []compiledChangeRule, error) {
	pres := make([]compiledPrescription, len(t.prescriptions))
	for i, p := range t.prescriptions {
		cp, err := compilePrescription(p, cache)
		if err != nil {
			return nil, nil, specializeError(err, subs)
		}
		pres[i] = cp
	}
	rules := make([]compiledChangeRule, 0, len(t.changeRules))
	for _, r := range t.changeRules {
		prog, err := cache.compile(r.Condition)
		if err != nil {
			return nil, nil, specializeError(fmt.Errorf("family change %d->%d: %w", r.From, r.To, err), subs)
		}
		rules = append(rules, compiledChangeRule{from: r.fromImpl, to: r.toImpl, cond: prog, src: r.Condition})
	}
	return pres, rules, nil
}

func compilePrescription(p Prescription, cache *kernelCache) (compiledPrescription, error) {
	cp := compiledPrescription{
		linVelDictate: p.LinVelDictate,
		rotVelDictate: p.RotVelDictate,
		linPosDictate: p.LinPosDictate,
		rotPosDictate: p.RotPosDictate,
		used:          p.used,
	}
	var err error
	channels := []struct {
		src string
		dst **compiledChannel
	}{
		{p.LinVelX, &cp.linVel[0]}, {p.LinVelY, &cp.linVel[1]}, {p.LinVelZ, &cp.linVel[2]},
		{p.RotVelX, &cp.rotVel[0]}, {p.RotVelY, &cp.rotVel[1]}, {p.RotVelZ, &cp.rotVel[2]},
		{p.LinPosX, &cp.linPos[0]}, {p.LinPosY, &cp.linPos[1]}, {p.LinPosZ, &cp.linPos[2]},
		{p.OriQ, &cp.oriQ},
	}
	for _, ch := range channels {
		*ch.dst, err = compileChannel(ch.src, cache)
		if err != nil {
			return cp, fmt.Errorf("family %d: %w", p.Family, err)
		}
	}
	return cp, nil
}

func compileChannel(src string, cache *kernelCache) (*compiledChannel, error) {
	if src == prescriptionNone || src == "" {
		return &compiledChannel{}, nil
	}
	prog, err := cache.compile(src)
	if err != nil {
		return nil, fmt.Errorf("channel %q: %w", src, err)
	}
	return &compiledChannel{src: src, prog: prog}, nil
}

func specializeError(err error, subs SubstitutionMap) error {
	return newConfigError(ErrKernelCompile, "%v (substitution map: %s)", err, snapshotSubstitutionMap(subs))
}

// floatLit renders a float with round-trip precision for table literals.
func floatLit(f float64) string {
	return strconv.FormatFloat(f, 'g', 17, 64)
}
