// Package relay ties the connection lifecycle together: it attaches
// authenticated connections to the registry, runs one heartbeat monitor per
// connection, triggers presence passes on every membership change and hands
// inbound frames to the router.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/relay/internal/heartbeat"
	"github.com/whisper/relay/internal/identity"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/registry"
	"github.com/whisper/relay/internal/router"
)

// sessionTimeout bounds every session store round trip.
const sessionTimeout = 3 * time.Second

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New("relay: closed")

// Conn is a transport connection the relay can push frames to, probe and
// terminate.
type Conn interface {
	registry.Conn
	WritePing() error
	Close() error
}

// SessionStore mirrors live connections to external bookkeeping.
type SessionStore interface {
	Create(ctx context.Context, connID, userID, username string) error
	Touch(ctx context.Context, connID string) error
	Delete(ctx context.Context, connID string) error
}

// Limiter throttles inbound messages per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Events receives copies of relayed message and presence frames.
type Events interface {
	router.Publisher
	presence.Publisher
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Relay) { r.log = log }
}

// WithHeartbeat overrides the heartbeat interval and timeout.
func WithHeartbeat(cfg heartbeat.Config) Option {
	return func(r *Relay) { r.hb = cfg }
}

// WithClock sets the clock driving heartbeat timers.
func WithClock(clock heartbeat.Clock) Option {
	return func(r *Relay) { r.clock = clock }
}

// WithSessions mirrors connections into store.
func WithSessions(store SessionStore) Option {
	return func(r *Relay) { r.sessions = store }
}

// WithRateLimit drops inbound messages beyond rule. A disabled rule is
// ignored.
func WithRateLimit(l Limiter, rule ratelimit.Rule) Option {
	return func(r *Relay) {
		if rule.Enabled() {
			r.limiter, r.rule = l, rule
		}
	}
}

// WithEvents publishes message and presence frames to events.
func WithEvents(events Events) Option {
	return func(r *Relay) { r.events = events }
}

// Relay owns the registry and the monitor table.
type Relay struct {
	hb       heartbeat.Config
	clock    heartbeat.Clock
	sessions SessionStore
	limiter  Limiter
	rule     ratelimit.Rule
	events   Events
	log      *zap.Logger

	reg      *registry.Registry
	presence *presence.Broadcaster
	router   *router.Router

	// mu serializes membership changes together with the presence pass they
	// trigger, so passes go out in mutation order and each reflects the
	// state right after its own mutation.
	mu     sync.Mutex
	closed bool

	monMu    sync.Mutex
	monitors map[string]*heartbeat.Monitor
}

// New creates a Relay persisting messages to store.
func New(store router.Store, opts ...Option) *Relay {
	r := &Relay{
		hb:       heartbeat.DefaultConfig(),
		clock:    heartbeat.SystemClock,
		reg:      registry.New(),
		monitors: make(map[string]*heartbeat.Monitor),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}

	var (
		msgEvents      router.Publisher
		presenceEvents presence.Publisher
	)
	if r.events != nil {
		msgEvents, presenceEvents = r.events, r.events
	}
	r.presence = presence.NewBroadcaster(r.reg, presenceEvents, r.log)
	r.router = router.New(store, r.reg, msgEvents, r.log)
	r.log = r.log.Named("relay")
	return r
}

// Attach registers conn under id, starts its heartbeat and pushes the new
// online set to every connection.
func (r *Relay) Attach(conn Conn, id identity.Identity) error {
	m := heartbeat.NewMonitor(r.hb, r.clock, conn.WritePing, func() { r.dead(conn) })

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if err := r.reg.Register(conn, id); err != nil {
		r.mu.Unlock()
		metrics.ConnectionsRejected.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("relay: attach: %w", err)
	}
	r.monMu.Lock()
	r.monitors[conn.ID()] = m
	r.monMu.Unlock()
	m.Start()
	r.presence.Broadcast()
	r.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	r.log.Info("connection attached",
		zap.String("conn_id", conn.ID()),
		zap.String("user_id", id.UserID),
		zap.Int("total", r.reg.Count()))

	if r.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
		defer cancel()
		if err := r.sessions.Create(ctx, conn.ID(), id.UserID, id.Username); err != nil {
			r.log.Warn("create session record", zap.String("conn_id", conn.ID()), zap.Error(err))
		}
	}
	return nil
}

// Detach removes conn and, if it was registered, pushes the shrunken online
// set. It is idempotent and reports whether this call removed the
// connection. Detach does not close the transport.
func (r *Relay) Detach(conn Conn) bool {
	connID := conn.ID()

	r.mu.Lock()
	r.monMu.Lock()
	m := r.monitors[connID]
	delete(r.monitors, connID)
	r.monMu.Unlock()
	if m != nil {
		m.Stop()
	}
	removed := r.reg.Unregister(connID)
	if removed && !r.closed {
		r.presence.Broadcast()
	}
	r.mu.Unlock()

	if !removed {
		return false
	}

	metrics.ConnectionsTotal.Dec()
	r.log.Info("connection detached", zap.String("conn_id", connID), zap.Int("total", r.reg.Count()))
	r.deleteSession(connID)
	return true
}

// Receive handles one inbound data frame from conn. It returns the router's
// error, which only ever wraps message.ErrStoreUnavailable.
func (r *Relay) Receive(ctx context.Context, conn Conn, data []byte) error {
	if r.limiter != nil {
		if id, ok := r.reg.Lookup(conn.ID()); ok {
			allowed, err := r.limiter.Allow(ctx, id.UserID, r.rule)
			if err != nil {
				r.log.Warn("rate limit check failed", zap.String("user_id", id.UserID), zap.Error(err))
			}
			if !allowed {
				metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
				r.log.Debug("message rate limited", zap.String("conn_id", conn.ID()), zap.String("user_id", id.UserID))
				return nil
			}
		}
	}
	return r.router.Route(ctx, conn, data)
}

// Pong records a transport pong from conn.
func (r *Relay) Pong(conn Conn) {
	r.monMu.Lock()
	m := r.monitors[conn.ID()]
	r.monMu.Unlock()
	if m == nil {
		return
	}
	m.Pong()

	if r.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
		defer cancel()
		if err := r.sessions.Touch(ctx, conn.ID()); err != nil {
			r.log.Debug("touch session record", zap.String("conn_id", conn.ID()), zap.Error(err))
		}
	}
}

// Count returns the number of attached connections.
func (r *Relay) Count() int {
	return r.reg.Count()
}

// Online returns the current online set.
func (r *Relay) Online() []identity.Identity {
	return r.reg.Snapshot()
}

// Close stops every monitor, closes every attached connection and refuses
// further attaches. No presence passes are sent while shutting down.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.monMu.Lock()
	for id, m := range r.monitors {
		m.Stop()
		delete(r.monitors, id)
	}
	r.monMu.Unlock()

	_, conns := r.reg.View()
	for _, c := range conns {
		if r.reg.Unregister(c.ID()) {
			metrics.ConnectionsTotal.Dec()
			r.deleteSession(c.ID())
		}
		if tc, ok := c.(Conn); ok {
			_ = tc.Close()
		}
	}
	r.log.Info("relay closed", zap.Int("connections", len(conns)))
}

// dead runs when a connection's heartbeat declares it DEAD.
func (r *Relay) dead(conn Conn) {
	metrics.HeartbeatDeaths.Inc()
	r.log.Info("heartbeat timeout", zap.String("conn_id", conn.ID()))
	if err := conn.Close(); err != nil {
		r.log.Debug("close dead connection", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
	r.Detach(conn)
}

func (r *Relay) deleteSession(connID string) {
	if r.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	defer cancel()
	if err := r.sessions.Delete(ctx, connID); err != nil {
		r.log.Warn("delete session record", zap.String("conn_id", connID), zap.Error(err))
	}
}
