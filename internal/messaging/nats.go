// Package messaging publishes relay events to NATS so other services can
// observe traffic without talking to the WebSocket layer. Publication is
// fire-and-forget: the relay never waits on subscribers.
package messaging

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS subjects used by the relay.
const (
	SubjectMessage  = "relay.message"  // + .<recipient user id>
	SubjectPresence = "relay.presence" // full presence frame
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "whisper-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Publisher wraps a NATS connection with the relay's event subjects.
type Publisher struct {
	conn *nats.Conn
	log  *zap.Logger
}

// NewPublisher connects to NATS. It returns an error if the initial
// connection fails; later disconnects are retried by the client.
func NewPublisher(config NATSConfig, log *zap.Logger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &Publisher{conn: nc, log: log}, nil
}

// PublishMessage publishes an outbound message frame on
// relay.message.<recipient>.
func (p *Publisher) PublishMessage(recipient string, frame []byte) error {
	return p.conn.Publish(SubjectMessage+"."+recipient, frame)
}

// PublishPresence publishes a presence frame on relay.presence.
func (p *Publisher) PublishPresence(frame []byte) error {
	return p.conn.Publish(SubjectPresence, frame)
}

// Close flushes pending publications and closes the connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.log.Warn("connection drain", zap.Error(err))
	}
}
