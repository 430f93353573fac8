// Package heartbeat detects half-open connections with a ping / expect-pong
// protocol. Each connection gets its own Monitor, an explicit state machine:
//
//	ALIVE --interval--> AWAITING_PONG --pong--> ALIVE
//	                    AWAITING_PONG --deadline or ping failure--> DEAD
//
// DEAD is terminal. A reconnect creates a new connection and a new Monitor.
package heartbeat

import (
	"sync"
	"time"
)

// State is a monitor state.
type State int

const (
	StateAlive State = iota
	StateAwaitingPong
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateAwaitingPong:
		return "awaiting_pong"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Config holds heartbeat tuning parameters.
type Config struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // how long to wait for the pong
}

// DefaultConfig pings every 5s and allows 1s for the pong.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
		Timeout:  1 * time.Second,
	}
}

// Monitor tracks the liveness of one connection.
type Monitor struct {
	cfg    Config
	clock  Clock
	ping   func() error
	onDead func()

	mu             sync.Mutex
	state          State
	started        bool
	stopped        bool
	lastPingSentAt time.Time
	interval       Timer
	deadline       Timer
	round          uint64 // ping round the pending deadline belongs to
}

// NewMonitor creates a Monitor in the ALIVE state. ping sends a transport ping
// frame; onDead runs exactly once, outside the monitor lock, when the monitor
// reaches DEAD.
func NewMonitor(cfg Config, clock Clock, ping func() error, onDead func()) *Monitor {
	if clock == nil {
		clock = SystemClock
	}
	return &Monitor{
		cfg:    cfg,
		clock:  clock,
		ping:   ping,
		onDead: onDead,
		state:  StateAlive,
	}
}

// Start schedules the first ping. Calling it again is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.stopped || m.state == StateDead {
		return
	}
	m.started = true
	m.interval = m.clock.AfterFunc(m.cfg.Interval, m.tick)
}

// Pong records a pong frame. It only has an effect while a ping is
// outstanding.
func (m *Monitor) Pong() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || m.state != StateAwaitingPong {
		return
	}
	if m.deadline != nil {
		m.deadline.Stop()
		m.deadline = nil
	}
	m.state = StateAlive
}

// Stop cancels all timers without declaring the connection dead. It is used
// when the connection goes away for another reason.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	m.stopTimersLocked()
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastPingSentAt returns when the most recent ping was sent.
func (m *Monitor) LastPingSentAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPingSentAt
}

func (m *Monitor) tick() {
	m.mu.Lock()
	if m.stopped || m.state == StateDead {
		m.mu.Unlock()
		return
	}
	m.interval = m.clock.AfterFunc(m.cfg.Interval, m.tick)

	// A ping is still outstanding when Timeout >= Interval; its deadline
	// decides, so do not stack another one.
	if m.state == StateAwaitingPong {
		m.mu.Unlock()
		return
	}

	m.state = StateAwaitingPong
	m.lastPingSentAt = m.clock.Now()
	m.round++
	round := m.round
	m.deadline = m.clock.AfterFunc(m.cfg.Timeout, func() { m.expire(round) })
	m.mu.Unlock()

	if err := m.ping(); err != nil {
		m.die(round)
	}
}

// expire fires when the pong deadline of a ping round passes.
func (m *Monitor) expire(round uint64) {
	m.die(round)
}

// die moves an outstanding ping round to DEAD. Stale rounds, stopped monitors
// and repeated calls are ignored, so onDead runs at most once.
func (m *Monitor) die(round uint64) {
	m.mu.Lock()
	if m.stopped || m.state != StateAwaitingPong || round != m.round {
		m.mu.Unlock()
		return
	}
	m.state = StateDead
	m.stopTimersLocked()
	m.mu.Unlock()

	if m.onDead != nil {
		m.onDead()
	}
}

func (m *Monitor) stopTimersLocked() {
	if m.interval != nil {
		m.interval.Stop()
		m.interval = nil
	}
	if m.deadline != nil {
		m.deadline.Stop()
		m.deadline = nil
	}
}
