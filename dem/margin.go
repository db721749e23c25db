package dem

import (
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// marginGovernor owns the contact-detection safety margin β and, in
// adaptive mode, retunes the bin size and drift allowance toward load
// targets. β inflates every geometry's bounding radius during binning so
// contacts forming between broad-phase rounds are still caught.
type marginGovernor struct {
	// expand is the current β. Zero means no inflation.
	expand float64
	// safety multiplies a suggested β; over-expansion costs false
	// positives but never misses contacts.
	safety float64
	// userSet marks an explicitly chosen β that auto-derivation must not
	// overwrite.
	userSet bool

	adaptive adaptiveConfig

	// recent geometry-per-bin observations, windowed.
	binLoads []float64
	rounds   int
}

// adaptiveConfig bounds how fast the governor may retune.
type adaptiveConfig struct {
	enabled bool
	// retune every this many broad-phase rounds
	cadence int
	// target average geometries per bin
	targetBinLoad float64
	// proactivity in (0,1]: fraction of the measured gap corrected per
	// retune
	proactivity float64
	// min/max multiplicative change per retune
	minRate, maxRate float64
}

func newMarginGovernor() *marginGovernor {
	return &marginGovernor{
		safety: 1.0,
		adaptive: adaptiveConfig{
			cadence:       4,
			targetBinLoad: 8,
			proactivity:   0.5,
			minRate:       0.8,
			maxRate:       1.25,
		},
	}
}

// setExpand explicitly fixes β.
func (g *marginGovernor) setExpand(beta float64) {
	g.expand = beta
	g.userSet = true
}

// suggest derives β from the maximum expected velocity and the maximum
// simulated time between contact detections: β = maxVel × maxTimePerCD.
// The safety multiplier is applied on use, in effective.
func (g *marginGovernor) suggest(maxVel, maxTimePerCD float64) {
	g.expand = maxVel * maxTimePerCD
	g.userSet = false
}

// effective is the β the broad phase actually applies: the suggested or
// explicit expand factor scaled by the safety multiplier.
func (g *marginGovernor) effective() float64 {
	return g.expand * g.safety
}

// observe records one broad-phase round's mean geometries-per-bin and
// returns the bin-size multiplier to apply plus whether this round is a
// retune boundary (so the drift allowance can be retuned alongside). The
// factor is 1 when no retune is due.
func (g *marginGovernor) observe(meanBinLoad float64) (factor float64, due bool) {
	if !g.adaptive.enabled {
		return 1, false
	}
	g.binLoads = append(g.binLoads, meanBinLoad)
	if len(g.binLoads) > 32 {
		g.binLoads = g.binLoads[len(g.binLoads)-32:]
	}
	g.rounds++
	if g.rounds%g.adaptive.cadence != 0 {
		return 1, false
	}
	avg := stat.Mean(g.binLoads, nil)
	if avg <= 0 {
		return 1, true
	}
	// Moving the bin edge by the cube root of the load ratio moves the
	// per-bin population toward the target; proactivity damps it.
	ratio := g.adaptive.targetBinLoad / avg
	factor = 1 + g.adaptive.proactivity*(math.Cbrt(ratio)-1)
	if factor < g.adaptive.minRate {
		factor = g.adaptive.minRate
	}
	if factor > g.adaptive.maxRate {
		factor = g.adaptive.maxRate
	}
	if factor != 1 {
		logrus.Debugf("Adaptive CD: mean bin load %.2f vs target %.2f, bin size factor %.3f",
			avg, g.adaptive.targetBinLoad, factor)
	}
	return factor, true
}

// retuneMaxDrift proposes a new drift allowance from the observed average
// drift at pair adoption: a budget the integrator keeps exhausting may grow
// by at most maxRate, an underused one shrinks by at most minRate. Never
// drops below one step.
func (g *marginGovernor) retuneMaxDrift(avgDrift float64, cur int64) int64 {
	if !g.adaptive.enabled || cur <= 0 {
		return cur
	}
	use := avgDrift / float64(cur)
	factor := 1.0
	switch {
	case use > 0.8:
		factor = g.adaptive.maxRate
	case use < 0.3:
		factor = g.adaptive.minRate
	}
	next := int64(math.Round(float64(cur) * factor))
	if next < 1 {
		next = 1
	}
	if next != cur {
		logrus.Debugf("Adaptive CD: drift utilization %.2f, max drift %d -> %d", use, cur, next)
	}
	return next
}
