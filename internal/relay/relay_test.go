package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/whisper/relay/internal/heartbeat"
	"github.com/whisper/relay/internal/identity"
	"github.com/whisper/relay/internal/message"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/registry"
)

type fakeConn struct {
	id string

	mu      sync.Mutex
	frames  [][]byte
	pings   int
	closed  int
	pingErr error
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) WritePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// presences returns every presence frame received, decoded.
func (c *fakeConn) presences(t *testing.T) [][]protocol.Peer {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]protocol.Peer
	for _, f := range c.frames {
		var p struct {
			Online *[]protocol.Peer `json:"online"`
		}
		require.NoError(t, json.Unmarshal(f, &p))
		if p.Online != nil {
			out = append(out, *p.Online)
		}
	}
	return out
}

func (c *fakeConn) lastPresence(t *testing.T) []protocol.Peer {
	t.Helper()
	all := c.presences(t)
	require.NotEmpty(t, all)
	return all[len(all)-1]
}

// messages returns every relayed message frame received, decoded.
func (c *fakeConn) messages(t *testing.T) []protocol.OutboundMsg {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.OutboundMsg
	for _, f := range c.frames {
		var m protocol.OutboundMsg
		require.NoError(t, json.Unmarshal(f, &m))
		if m.Text != "" {
			out = append(out, m)
		}
	}
	return out
}

type fakeStore struct {
	mu     sync.Mutex
	drafts []message.Draft
	err    error
}

func (s *fakeStore) Create(_ context.Context, d message.Draft) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return message.Message{}, s.err
	}
	s.drafts = append(s.drafts, d)
	return message.Message{
		ID:        "m" + strconv.Itoa(len(s.drafts)),
		Sender:    d.Sender,
		Recipient: d.Recipient,
		Text:      d.Text,
		CreatedAt: time.Now(),
	}, nil
}

type fakeSessions struct {
	mu      sync.Mutex
	created []string
	touched []string
	deleted []string
}

func (s *fakeSessions) Create(_ context.Context, connID, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, connID)
	return nil
}

func (s *fakeSessions) Touch(_ context.Context, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, connID)
	return nil
}

func (s *fakeSessions) Delete(_ context.Context, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, connID)
	return nil
}

type denyLimiter struct{ calls int }

func (l *denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	l.calls++
	return false, nil
}

type recordingEvents struct {
	mu        sync.Mutex
	messages  []string
	presences int
}

func (e *recordingEvents) PublishMessage(recipient string, _ []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, recipient)
	return nil
}

func (e *recordingEvents) PublishPresence([]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.presences++
	return nil
}

var (
	alice = identity.Identity{UserID: "u1", Username: "alice"}
	bob   = identity.Identity{UserID: "u2", Username: "bob"}
)

func peers(ids ...identity.Identity) []protocol.Peer {
	out := make([]protocol.Peer, 0, len(ids))
	for _, id := range ids {
		out = append(out, protocol.Peer{UserID: id.UserID, Username: id.Username})
	}
	return out
}

func TestRelay_Scenario(t *testing.T) {
	req := require.New(t)
	store := &fakeStore{}
	r := New(store, WithClock(newFakeClock()))
	a, b := newConn("ca"), newConn("cb")

	req.NoError(r.Attach(a, alice))
	req.NoError(r.Attach(b, bob))
	req.ElementsMatch(peers(alice, bob), a.lastPresence(t))
	req.ElementsMatch(peers(alice, bob), b.lastPresence(t))

	req.NoError(r.Receive(context.Background(), a, []byte(`{"recipient":"u2","text":"hi"}`)))
	req.Equal([]message.Draft{{Sender: "u1", Recipient: "u2", Text: "hi"}}, store.drafts)

	got := b.messages(t)
	req.Len(got, 1)
	req.Equal("hi", got[0].Text)
	req.Equal("u1", got[0].Sender)
	req.Equal("u2", got[0].Recipient)
	req.NotEmpty(got[0].ID)

	req.True(r.Detach(b))
	req.Equal(peers(alice), a.lastPresence(t))
}

func TestRelay_OnePresencePassPerMutation(t *testing.T) {
	req := require.New(t)
	r := New(&fakeStore{}, WithClock(newFakeClock()))
	observer, x := newConn("obs"), newConn("x")

	req.NoError(r.Attach(observer, alice))
	req.NoError(r.Attach(x, bob))
	req.True(r.Detach(x))
	req.False(r.Detach(x))

	req.Equal([][]protocol.Peer{
		peers(alice),
		peers(alice, bob),
		peers(alice),
	}, observer.presences(t))
}

func TestRelay_DuplicateAttach(t *testing.T) {
	req := require.New(t)
	r := New(&fakeStore{}, WithClock(newFakeClock()))
	a := newConn("ca")

	req.NoError(r.Attach(a, alice))
	err := r.Attach(a, alice)
	req.ErrorIs(err, registry.ErrDuplicateConnection)
	req.Len(a.presences(t), 1)
	req.Equal(1, r.Count())
}

func TestRelay_SilentPeerDiesExactlyOnce(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock()
	sessions := &fakeSessions{}
	r := New(&fakeStore{},
		WithClock(clock),
		WithHeartbeat(heartbeat.Config{Interval: 5 * time.Second, Timeout: time.Second}),
		WithSessions(sessions))
	silent, live := newConn("silent"), newConn("live")
	req.NoError(r.Attach(silent, alice))
	req.NoError(r.Attach(live, bob))

	deaths := testutil.ToFloat64(metrics.HeartbeatDeaths)

	clock.Advance(5 * time.Second)
	for i := 0; i < 5; i++ {
		r.Pong(live)
		clock.Advance(5 * time.Second)
	}

	req.Equal(1, silent.closeCount())
	req.Zero(live.closeCount())
	req.Equal([]identity.Identity{bob}, r.Online())
	req.Equal(peers(bob), live.lastPresence(t))
	req.Equal(deaths+1, testutil.ToFloat64(metrics.HeartbeatDeaths))
	req.Equal([]string{"silent"}, sessions.deleted)
	req.Len(sessions.touched, 5)

	// After death the relay no longer reacts to the connection.
	r.Pong(silent)
	req.False(r.Detach(silent))
	req.Len(live.presences(t), 2)
}

func TestRelay_PingFailureDetaches(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock()
	r := New(&fakeStore{}, WithClock(clock))
	a, b := newConn("ca"), newConn("cb")
	b.pingErr = errors.New("broken pipe")
	req.NoError(r.Attach(a, alice))
	req.NoError(r.Attach(b, bob))

	clock.Advance(heartbeat.DefaultConfig().Interval)
	r.Pong(a)

	req.Equal(1, b.closeCount())
	req.Equal(peers(alice), a.lastPresence(t))
}

func TestRelay_StoreFailureKeepsSender(t *testing.T) {
	req := require.New(t)
	store := &fakeStore{err: errors.New("db down")}
	r := New(store, WithClock(newFakeClock()))
	a, b := newConn("ca"), newConn("cb")
	req.NoError(r.Attach(a, alice))
	req.NoError(r.Attach(b, bob))

	err := r.Receive(context.Background(), a, []byte(`{"recipient":"u2","text":"hi"}`))
	req.ErrorIs(err, message.ErrStoreUnavailable)
	req.Empty(b.messages(t))
	req.Zero(a.closeCount())
	req.Equal(2, r.Count())
}

func TestRelay_RateLimitedMessageDropped(t *testing.T) {
	req := require.New(t)
	store := &fakeStore{}
	lim := &denyLimiter{}
	r := New(store, WithClock(newFakeClock()), WithRateLimit(lim, ratelimit.MessageRule(1, time.Second)))
	a := newConn("ca")
	req.NoError(r.Attach(a, alice))

	req.NoError(r.Receive(context.Background(), a, []byte(`{"recipient":"u2","text":"hi"}`)))
	req.Equal(1, lim.calls)
	req.Empty(store.drafts)
}

func TestRelay_DisabledRateLimitIgnored(t *testing.T) {
	req := require.New(t)
	store := &fakeStore{}
	lim := &denyLimiter{}
	r := New(store, WithClock(newFakeClock()), WithRateLimit(lim, ratelimit.MessageRule(0, time.Second)))
	a := newConn("ca")
	req.NoError(r.Attach(a, alice))

	req.NoError(r.Receive(context.Background(), a, []byte(`{"recipient":"u2","text":"hi"}`)))
	req.Zero(lim.calls)
	req.Len(store.drafts, 1)
}

func TestRelay_SessionRecords(t *testing.T) {
	req := require.New(t)
	sessions := &fakeSessions{}
	r := New(&fakeStore{}, WithClock(newFakeClock()), WithSessions(sessions))
	a := newConn("ca")

	req.NoError(r.Attach(a, alice))
	r.Pong(a)
	r.Detach(a)
	r.Detach(a)

	req.Equal([]string{"ca"}, sessions.created)
	req.Equal([]string{"ca"}, sessions.touched)
	req.Equal([]string{"ca"}, sessions.deleted)
}

func TestRelay_Events(t *testing.T) {
	req := require.New(t)
	events := &recordingEvents{}
	r := New(&fakeStore{}, WithClock(newFakeClock()), WithEvents(events))
	a := newConn("ca")
	req.NoError(r.Attach(a, alice))

	req.NoError(r.Receive(context.Background(), a, []byte(`{"recipient":"u9","text":"hi"}`)))
	req.Equal([]string{"u9"}, events.messages)
	req.Equal(1, events.presences)
}

func TestRelay_Close(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock()
	sessions := &fakeSessions{}
	r := New(&fakeStore{}, WithClock(clock), WithSessions(sessions))
	a, b := newConn("ca"), newConn("cb")
	req.NoError(r.Attach(a, alice))
	req.NoError(r.Attach(b, bob))

	r.Close()

	req.Equal(1, a.closeCount())
	req.Equal(1, b.closeCount())
	req.Zero(r.Count())
	req.ElementsMatch([]string{"ca", "cb"}, sessions.deleted)
	req.Len(a.presences(t), 2, "no passes during shutdown")
	req.ErrorIs(r.Attach(newConn("cc"), alice), ErrClosed)

	// Monitors are stopped: no pings after close.
	clock.Advance(time.Minute)
	req.Zero(a.pings)
}

func TestRelay_ConcurrentAttachDetach(t *testing.T) {
	req := require.New(t)
	r := New(&fakeStore{}, WithClock(newFakeClock()))
	observer := newConn("obs")
	req.NoError(r.Attach(observer, alice))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newConn("c" + strconv.Itoa(i))
			id := identity.Identity{UserID: "u" + strconv.Itoa(i+10), Username: "n"}
			if err := r.Attach(c, id); err != nil {
				t.Error(err)
				return
			}
			r.Detach(c)
		}(i)
	}
	wg.Wait()

	req.Equal(1, r.Count())
	// One pass for the observer's own attach plus one per mutation.
	req.Len(observer.presences(t), 1+64)
	req.Equal(peers(alice), observer.lastPresence(t))
}
