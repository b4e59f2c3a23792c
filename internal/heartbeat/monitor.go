// Package heartbeat tracks whether the pty host is still answering by
// watching the gaps between its periodic beats.
package heartbeat

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/event"
)

// Config holds the beat timings. ConnectingBeatInterval applies to the
// window right after a host connects, before its first beat is due.
type Config struct {
	BeatInterval           time.Duration
	FirstWaitMultiplier    float64
	SecondWaitMultiplier   float64
	ConnectingBeatInterval time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		BeatInterval:           5 * time.Second,
		FirstWaitMultiplier:    1.2,
		SecondWaitMultiplier:   1,
		ConnectingBeatInterval: 20 * time.Second,
	}
}

// FirstWait is how long after a beat the first timeout fires.
func (c Config) FirstWait() time.Duration {
	return scale(c.BeatInterval, c.FirstWaitMultiplier)
}

// SecondWait is how long after the first timeout the host is declared
// unresponsive.
func (c Config) SecondWait() time.Duration {
	return scale(c.BeatInterval, c.SecondWaitMultiplier)
}

func scale(d time.Duration, m float64) time.Duration {
	return time.Duration(float64(d) * m)
}

// Monitor is the responsive/unresponsive state machine for one supervisor.
// At most one pair of timeouts is pending at a time; every beat replaces it.
type Monitor struct {
	cfg   Config
	clock Clock
	log   *zap.Logger

	mu         sync.Mutex
	responsive bool
	gen        uint64
	first      Timer
	second     Timer

	onResponsive   event.Emitter[struct{}]
	onUnresponsive event.Emitter[struct{}]
}

// New returns a monitor in the responsive state with no timers armed.
func New(cfg Config, clock Clock, log *zap.Logger) *Monitor {
	if clock == nil {
		clock = RealClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{cfg: cfg, clock: clock, log: log, responsive: true}
}

// OnResponsive fires when a beat arrives after an unresponsive episode.
func (m *Monitor) OnResponsive(fn func()) func() {
	return m.onResponsive.Subscribe(func(struct{}) { fn() })
}

// OnUnresponsive fires once per unresponsive episode.
func (m *Monitor) OnUnresponsive(fn func()) func() {
	return m.onUnresponsive.Subscribe(func(struct{}) { fn() })
}

// IsResponsive reports the current state.
func (m *Monitor) IsResponsive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responsive
}

// Beat records a heartbeat, or a fresh connection when connecting is true,
// and re-arms the first timeout.
func (m *Monitor) Beat(connecting bool) {
	m.mu.Lock()
	m.clearLocked()
	gen := m.gen
	wait := m.cfg.FirstWait()
	if connecting {
		wait = m.cfg.ConnectingBeatInterval
	}
	m.first = m.clock.AfterFunc(wait, func() { m.firstTimeout(gen) })
	recovered := !m.responsive
	m.responsive = true
	m.mu.Unlock()

	if recovered {
		m.log.Info("pty host is responsive again")
		m.onResponsive.Fire(struct{}{})
	}
}

func (m *Monitor) firstTimeout(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.first = nil
	second := m.cfg.SecondWait()
	m.second = m.clock.AfterFunc(second, func() { m.secondTimeout(gen) })
	m.mu.Unlock()

	m.log.Warn("no heartbeat from pty host",
		zap.Duration("waited", m.cfg.FirstWait()),
		zap.Duration("graceRemaining", second))
}

func (m *Monitor) secondTimeout(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	was := m.enterUnresponsiveLocked()
	m.mu.Unlock()

	if was {
		m.onUnresponsive.Fire(struct{}{})
	}
	m.log.Error("pty host is unresponsive",
		zap.Duration("silence", m.cfg.FirstWait()+m.cfg.SecondWait()))
}

// ForceUnresponsive cancels pending timeouts and enters the unresponsive
// state, firing OnUnresponsive unless already there.
func (m *Monitor) ForceUnresponsive() {
	m.mu.Lock()
	was := m.enterUnresponsiveLocked()
	m.mu.Unlock()

	if was {
		m.onUnresponsive.Fire(struct{}{})
	}
}

// enterUnresponsiveLocked reports whether the monitor was responsive.
func (m *Monitor) enterUnresponsiveLocked() bool {
	m.clearLocked()
	was := m.responsive
	m.responsive = false
	return was
}

// MarkResponsive resets the state without firing, used when a new host
// replaces the old one.
func (m *Monitor) MarkResponsive() {
	m.mu.Lock()
	m.responsive = true
	m.mu.Unlock()
}

// Stop cancels any pending timeouts.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.clearLocked()
	m.mu.Unlock()
}

func (m *Monitor) clearLocked() {
	m.gen++
	if m.first != nil {
		m.first.Stop()
		m.first = nil
	}
	if m.second != nil {
		m.second.Stop()
		m.second = nil
	}
}
