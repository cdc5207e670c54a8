// Package gate implements the per-stage sampling gate (C4): a wall-clock
// throttle that admits at most one frame per configured interval into a
// stage. One Gate belongs to exactly one pipeline task; it is never
// shared across tasks or sources.
package gate

import (
	"sync"
	"time"
)

// Gate tracks, per stage name, the wall clock of the last admitted frame.
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

// New builds a Gate with the given minimum inter-admission interval.
func New(interval time.Duration) *Gate {
	return &Gate{
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

// Admit reports whether a frame captured at now should be sampled into
// stage, and if so records now as the stage's new last-admitted time.
// Frame save to disk (C3) shares this same gate under the stage name
// "sink", per spec §4.4.
func (g *Gate) Admit(stage string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, found := g.last[stage]
	if found && now.Sub(last) < g.interval {
		return false
	}
	g.last[stage] = now
	return true
}
