package dht

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Maintainer runs the periodic refresh. It arms one single-shot timer at a
// time and re-arms it after each tick until disabled.
type Maintainer struct {
	clock    clock.Clock
	interval time.Duration
	jitter   time.Duration
	tick     func()

	mu       sync.Mutex
	timer    *clock.Timer
	disabled bool
	ticks    int
}

// NewMaintainer creates a maintainer calling tick every interval plus a
// random jitter. Nothing is scheduled until Schedule is called.
func NewMaintainer(clk clock.Clock, interval, jitter time.Duration, tick func()) *Maintainer {
	if clk == nil {
		clk = clock.New()
	}
	return &Maintainer{
		clock:    clk,
		interval: interval,
		jitter:   jitter,
		tick:     tick,
	}
}

// Schedule arms the timer unless one is already pending or the maintainer
// has been disabled.
func (m *Maintainer) Schedule() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disabled || m.timer != nil {
		return
	}
	m.timer = m.clock.AfterFunc(m.nextDelay(), m.fire)
}

func (m *Maintainer) nextDelay() time.Duration {
	d := m.interval
	if m.jitter > 0 {
		d += rand.N(m.jitter)
	}
	return d
}

func (m *Maintainer) fire() {
	m.mu.Lock()
	m.timer = nil
	if m.disabled {
		m.mu.Unlock()
		return
	}
	m.ticks++
	m.mu.Unlock()

	m.tick()
	m.Schedule()
}

// Disable stops the pending timer and prevents further scheduling. It is
// safe to call more than once.
func (m *Maintainer) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.disabled = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Ticks returns how many times the refresh has run.
func (m *Maintainer) Ticks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticks
}
