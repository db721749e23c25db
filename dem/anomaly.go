package dem

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// anomalyRingSize bounds the in-memory warning ring.
const anomalyRingSize = 64

// anomalyLog is a small ring of non-fatal warnings (physical anomalies,
// suspicious configurations) surfaceable on demand and cleared on request.
type anomalyLog struct {
	mu      sync.Mutex
	entries []string
	next    int
	wrapped bool
}

// warnf logs the anomaly and records it in the ring.
func (a *anomalyLog) warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logrus.Warn(msg)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.entries == nil {
		a.entries = make([]string, anomalyRingSize)
	}
	a.entries[a.next] = msg
	a.next = (a.next + 1) % anomalyRingSize
	if a.next == 0 {
		a.wrapped = true
	}
}

// all returns the recorded anomalies, oldest first.
func (a *anomalyLog) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.entries == nil {
		return nil
	}
	var out []string
	if a.wrapped {
		out = append(out, a.entries[a.next:]...)
	}
	out = append(out, a.entries[:a.next]...)
	return out
}

// clear empties the ring.
func (a *anomalyLog) clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = nil
	a.next = 0
	a.wrapped = false
}
