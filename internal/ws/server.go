// Package ws is the WebSocket transport of the relay. It upgrades HTTP
// requests with gobwas/ws, authenticates them, watches the sockets with epoll
// and reads ready frames on a bounded worker pool.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/relay/internal/identity"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/relay"
)

// maxFrameBytes caps an inbound data message. Text limits are enforced
// further up; this only protects the read buffer.
const maxFrameBytes = 64 << 10

// Config holds tunable parameters for the WebSocket server.
type Config struct {
	WorkerPoolSize int           // max concurrent read workers
	MaxConnections int           // hard cap on attached connections
	ReadTimeout    time.Duration // bound on reading one ready frame
	WriteTimeout   time.Duration // bound on writing one frame
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Relay is the connection lifecycle the transport drives.
type Relay interface {
	Attach(conn relay.Conn, id identity.Identity) error
	Detach(conn relay.Conn) bool
	Receive(ctx context.Context, conn relay.Conn, data []byte) error
	Pong(conn relay.Conn)
	Count() int
	Close()
}

// Resolver authenticates an upgrade request.
type Resolver interface {
	Resolve(r *http.Request) (identity.Identity, error)
}

// Server upgrades connections and pumps their frames into the relay. It is
// an http.Handler for the upgrade route.
type Server struct {
	cfg      Config
	relay    Relay
	resolver Resolver
	log      *zap.Logger

	epoll      *Epoll
	workerPool chan struct{} // semaphore limiting concurrent read workers
	done       chan struct{}
	loopDone   chan struct{}
	workers    sync.WaitGroup
	stopOnce   sync.Once
}

// NewServer creates a Server. Call Start before serving upgrades.
func NewServer(cfg Config, r Relay, resolver Resolver, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultConfig().WorkerPoolSize
	}
	return &Server{
		cfg:        cfg,
		relay:      r,
		resolver:   resolver,
		log:        log.Named("ws"),
		workerPool: make(chan struct{}, cfg.WorkerPoolSize),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
}

// Start creates the poller and runs the event loop in the background.
func (s *Server) Start() error {
	ep, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.epoll = ep

	go s.eventLoop()

	s.log.Info("event loop started",
		zap.Int("workers", s.cfg.WorkerPoolSize),
		zap.Int("max_conns", s.cfg.MaxConnections))
	return nil
}

// ServeHTTP upgrades the request, resolves its identity and attaches the
// connection. Unauthenticated connections receive a policy violation close
// frame and are never attached.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxConnections > 0 && s.relay.Count() >= s.cfg.MaxConnections {
		metrics.ConnectionsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	c := newConnection(uuid.NewString(), netConn, s.cfg.WriteTimeout, s.release)

	id, err := s.resolver.Resolve(r)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("unauthenticated").Inc()
		s.log.Info("rejecting unauthenticated connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		_ = c.writeClose(ws.StatusPolicyViolation, "unauthenticated")
		_ = c.Close()
		return
	}

	// Attach before polling so the first frame already finds its sender.
	if err := s.relay.Attach(c, id); err != nil {
		s.log.Warn("attach failed", zap.String("conn_id", c.ID()), zap.Error(err))
		_ = c.writeClose(ws.StatusGoingAway, "unavailable")
		_ = c.Close()
		return
	}
	if err := s.epoll.Add(c); err != nil {
		s.log.Error("epoll add failed", zap.String("conn_id", c.ID()), zap.Error(err))
		s.remove(c)
		return
	}
}

// eventLoop waits for ready connections and hands each to a worker.
func (s *Server) eventLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Error("epoll wait failed", zap.Error(err))
			continue
		}

		metrics.EventLoopWakeups.Inc()

		for _, c := range ready {
			// The poller disarms a reported connection until Rearm; the
			// flag covers a stale report racing a worker.
			if !c.processing.CompareAndSwap(false, true) {
				continue
			}

			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				c.processing.Store(false)
				return
			}

			s.workers.Add(1)
			go func() {
				defer s.workers.Done()
				defer func() { <-s.workerPool }()
				s.handleConn(c)
				c.processing.Store(false)
				if c.closed.Load() {
					return
				}
				if err := s.epoll.Rearm(c); err != nil {
					s.log.Debug("epoll rearm failed", zap.String("conn_id", c.ID()), zap.Error(err))
				}
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// handled inline; a data frame goes to the relay. Read failures other than a
// timeout remove the connection.
func (s *Server) handleConn(c *Connection) {
	if c.closed.Load() {
		return
	}

	if s.cfg.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(c.src, ws.StateServerSide)
	if err != nil {
		// A timeout means the readiness was stale. The heartbeat takes care
		// of peers that really went away.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.remove(c)
		return
	}

	switch header.OpCode {
	case ws.OpPong:
		_, _ = io.Copy(io.Discard, reader)
		s.relay.Pong(c)
		return
	case ws.OpPing:
		payload, err := io.ReadAll(reader)
		if err != nil {
			s.remove(c)
			return
		}
		if err := c.writePong(payload); err != nil {
			s.log.Debug("pong write failed", zap.String("conn_id", c.ID()), zap.Error(err))
		}
		return
	case ws.OpClose:
		_ = c.writeClose(ws.StatusNormalClosure, "")
		s.remove(c)
		return
	case ws.OpContinuation:
		// Fragments are consumed by the reader of their first frame.
		s.remove(c)
		return
	}

	data, err := io.ReadAll(io.LimitReader(reader, maxFrameBytes+1))
	if err != nil {
		s.remove(c)
		return
	}
	if len(data) > maxFrameBytes {
		s.log.Info("frame too large", zap.String("conn_id", c.ID()))
		_ = c.writeClose(ws.StatusMessageTooBig, "")
		s.remove(c)
		return
	}
	if len(data) == 0 {
		return
	}

	if err := s.relay.Receive(context.Background(), c, data); err != nil {
		s.log.Error("route failed", zap.String("conn_id", c.ID()), zap.Error(err))
	}
}

// remove detaches c from the relay and closes it. Safe to call from any
// path any number of times.
func (s *Server) remove(c *Connection) {
	s.relay.Detach(c)
	_ = c.Close()
}

// release runs once per connection when it is closed, by whichever side
// closes it first.
func (s *Server) release(c *Connection) {
	if s.epoll == nil {
		return
	}
	if err := s.epoll.Remove(c); err != nil {
		s.log.Debug("epoll remove failed", zap.String("conn_id", c.ID()), zap.Error(err))
	}
}

// Shutdown stops the event loop, closes every attached connection and the
// poller.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.log.Info("shutting down")
		close(s.done)
		s.relay.Close()

		if s.epoll == nil {
			return
		}
		select {
		case <-s.loopDone:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}

		idle := make(chan struct{})
		go func() {
			s.workers.Wait()
			close(idle)
		}()
		select {
		case <-idle:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}

		err = s.epoll.Close()
		s.log.Info("stopped")
	})
	return err
}
