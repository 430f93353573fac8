// Package router relays inbound direct messages. Every valid message is
// persisted before it is pushed to any of the recipient's live connections.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/relay/internal/identity"
	"github.com/whisper/relay/internal/message"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/registry"
)

// Store is the write side of the Message Store.
type Store interface {
	Create(ctx context.Context, d message.Draft) (message.Message, error)
}

// Directory resolves senders and recipients against the live connections.
type Directory interface {
	Lookup(connID string) (identity.Identity, bool)
	FindByUserID(userID string) []registry.Conn
}

// Publisher receives a copy of every relayed message frame.
type Publisher interface {
	PublishMessage(recipient string, frame []byte) error
}

// Router validates, persists and fans out direct messages.
type Router struct {
	store  Store
	dir    Directory
	events Publisher
	log    *zap.Logger
}

// New creates a Router. events may be nil.
func New(store Store, dir Directory, events Publisher, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{store: store, dir: dir, events: events, log: log.Named("router")}
}

// Route handles one inbound frame from sender. Malformed frames and frames
// from unregistered connections are dropped without error. A store failure is
// returned wrapping message.ErrStoreUnavailable; nothing is delivered in that
// case. An offline recipient is not an error.
func (r *Router) Route(ctx context.Context, sender registry.Conn, payload []byte) error {
	start := time.Now()

	from, ok := r.dir.Lookup(sender.ID())
	if !ok {
		r.log.Warn("frame from unregistered connection", zap.String("conn_id", sender.ID()))
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
		return nil
	}

	in, err := protocol.ParseInbound(payload)
	if err != nil {
		r.log.Debug("dropping malformed frame", zap.String("conn_id", sender.ID()), zap.Error(err))
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
		return nil
	}

	msg, err := r.store.Create(ctx, message.Draft{
		Sender:    from.UserID,
		Recipient: in.Recipient,
		Text:      in.Text,
	})
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		if !errors.Is(err, message.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", message.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("router: persist: %w", err)
	}

	frame, err := protocol.NewOutboundMessage(protocol.OutboundMsg{
		Text:      msg.Text,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		ID:        msg.ID,
	})
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	targets := r.dir.FindByUserID(msg.Recipient)
	pushed := 0
	for _, c := range targets {
		if err := c.WriteMessage(frame); err != nil {
			r.log.Debug("push message failed", zap.String("conn_id", c.ID()), zap.Error(err))
			continue
		}
		pushed++
	}
	metrics.FramesPushed.Add(float64(pushed))

	if pushed > 0 {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDelivered).Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeStored).Inc()
	}

	if r.events != nil {
		if err := r.events.PublishMessage(msg.Recipient, frame); err != nil {
			r.log.Warn("publish message event", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}

	metrics.RouteLatency.Observe(time.Since(start).Seconds())
	r.log.Debug("message routed",
		zap.String("message_id", msg.ID),
		zap.String("user_id", msg.Sender),
		zap.String("recipient", msg.Recipient),
		zap.Int("connections", len(targets)),
		zap.Int("pushed", pushed))
	return nil
}
