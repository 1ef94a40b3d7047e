// Package scheduler drives the periodic refresh. The poller keeps at most one
// live timer: every visibility or interval change tears the timer down and
// recreates it, so duplicate timers can never accumulate.
package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

// Poller invokes a callback on a fixed cadence. It can be paused while the
// client is not visible; resuming fires an immediate tick and then returns to
// the regular cadence.
type Poller struct {
	fn  func()
	log *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	timer    *time.Timer
	running  bool
	visible  bool
}

// NewPoller creates a stopped Poller. fn runs on the timer goroutine; ticks
// never overlap because the next timer is armed only after fn returns.
func NewPoller(interval time.Duration, fn func(), log *slog.Logger) *Poller {
	return &Poller{fn: fn, log: log, interval: interval, visible: true}
}

// Start arms the poller. The first tick happens one interval from now; the
// caller runs its own initial load.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.armLocked()
}

// Stop disarms the poller. A tick already executing finishes; no further
// ticks fire.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.disarmLocked()
}

// Reset changes the cadence. A pending tick is rescheduled a full new
// interval out.
func (p *Poller) Reset(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = interval
	if p.running && p.visible {
		p.disarmLocked()
		p.armLocked()
	}
}

// SetVisible pauses or resumes ticking. Becoming visible after being hidden
// fires one immediate catch-up tick before the cadence resumes. The catch-up
// tick runs off the caller's goroutine; the callback may block for a full
// load cycle and must not stall whoever flipped the visibility.
func (p *Poller) SetVisible(visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	wasVisible := p.visible
	p.visible = visible
	switch {
	case !visible:
		p.disarmLocked()
	case p.running && !wasVisible:
		p.log.Debug("poller resumed, ticking immediately")
		p.disarmLocked()
		p.timer = time.AfterFunc(0, p.tick)
	}
}

// tick runs the callback and arms the next timer.
func (p *Poller) tick() {
	p.mu.Lock()
	run := p.running && p.visible
	p.mu.Unlock()
	if !run {
		return
	}

	p.fn()

	p.mu.Lock()
	if p.running && p.visible {
		p.armLocked()
	}
	p.mu.Unlock()
}

func (p *Poller) armLocked() {
	p.disarmLocked()
	if !p.visible {
		return
	}
	p.timer = time.AfterFunc(p.interval, p.tick)
}

func (p *Poller) disarmLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
