package dem

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// timingStats accumulates wall time per solver task, for the timing report.
type timingStats struct {
	mu     sync.Mutex
	totals map[string]time.Duration
}

func newTimingStats() *timingStats {
	return &timingStats{totals: make(map[string]time.Duration)}
}

// add folds one task duration in.
func (ts *timingStats) add(task string, d time.Duration) {
	ts.mu.Lock()
	ts.totals[task] += d
	ts.mu.Unlock()
}

// timed runs fn and accounts its wall time under task.
func (ts *timingStats) timed(task string, fn func()) {
	start := time.Now()
	fn()
	ts.add(task, time.Since(start))
}

// report logs each task's wall time and share of the total.
func (ts *timingStats) report() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var total time.Duration
	for _, d := range ts.totals {
		total += d
	}
	logrus.Infof("~~ SOLVER TIMING ~~")
	if total == 0 {
		logrus.Infof("no timed work recorded")
		return
	}
	for task, d := range ts.totals {
		logrus.Infof("%-24s %12v  %5.1f%%", task, d.Round(time.Microsecond), 100*float64(d)/float64(total))
	}
}

// clear resets all accumulated timings.
func (ts *timingStats) clear() {
	ts.mu.Lock()
	clear(ts.totals)
	ts.mu.Unlock()
}

// percentile returns the p-th percentile of data (0-100), interpolating
// between ranks. data must be sorted ascending.
func percentile(data []float64, p float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}
	rank := p / 100 * float64(n-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= n {
		return data[n-1]
	}
	frac := rank - float64(lo)
	return data[lo] + (data[hi]-data[lo])*frac
}

// workerState tracks where a worker is in its loop; transitions are driven
// only by the handshake flags and the break signal.
type workerState int32

const (
	workerIdle workerState = iota
	workerWaitingForInput
	workerRunning
	workerPublishing
	workerBreaking
)

func (s workerState) String() string {
	switch s {
	case workerIdle:
		return "idle"
	case workerWaitingForInput:
		return "waiting-for-input"
	case workerRunning:
		return "running"
	case workerPublishing:
		return "publishing"
	case workerBreaking:
		return "breaking"
	}
	return "unknown"
}
