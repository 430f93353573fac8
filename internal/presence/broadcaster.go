// Package presence pushes the online set to every live connection whenever
// it changes. There is no diffing: each pass sends the full membership.
package presence

import (
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/whisper/relay/internal/identity"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/registry"
)

// Source is the registry view a pass is computed from.
type Source interface {
	View() ([]identity.Identity, []registry.Conn)
}

// Publisher receives a copy of every presence frame.
type Publisher interface {
	PublishPresence(frame []byte) error
}

// Broadcaster computes presence snapshots and fans them out. Passes are
// serialized so a connection never receives an older snapshot after a newer
// one.
type Broadcaster struct {
	mu     sync.Mutex
	source Source
	events Publisher
	log    *zap.Logger
}

// NewBroadcaster creates a Broadcaster reading from source. events may be
// nil.
func NewBroadcaster(source Source, events Publisher, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{source: source, events: events, log: log.Named("presence")}
}

// Broadcast takes a fresh snapshot and pushes the identical presence frame to
// every live connection. Write failures are logged; the failing connection is
// reaped by its own read path or heartbeat. It returns the snapshot sent.
func (b *Broadcaster) Broadcast() []protocol.Peer {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids, conns := b.source.View()
	peers := lo.Map(ids, func(id identity.Identity, _ int) protocol.Peer {
		return protocol.Peer{UserID: id.UserID, Username: id.Username}
	})

	frame, err := protocol.NewPresenceMessage(peers)
	if err != nil {
		b.log.Error("build presence frame", zap.Error(err))
		return peers
	}

	for _, c := range conns {
		if err := c.WriteMessage(frame); err != nil {
			b.log.Debug("push presence failed", zap.String("conn_id", c.ID()), zap.Error(err))
		}
	}
	metrics.PresenceBroadcasts.Inc()

	if b.events != nil {
		if err := b.events.PublishPresence(frame); err != nil {
			b.log.Warn("publish presence event", zap.Error(err))
		}
	}

	b.log.Debug("presence pass", zap.Int("online", len(peers)), zap.Int("connections", len(conns)))
	return peers
}
