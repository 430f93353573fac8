package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/whisper/relay/internal/identity"
	"github.com/whisper/relay/internal/protocol"
)

func TestLogin(t *testing.T) {
	req := require.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.URL.Path != "/login" || body["password"] != "secret1" {
			http.Error(w, `{"error":"nope"}`, http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: identity.CookieName, Value: "tok-" + body["username"]})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	token, err := Login(context.Background(), srv.URL, "alice", "secret1")
	req.NoError(err)
	req.Equal("tok-alice", token)

	_, err = Login(context.Background(), srv.URL, "alice", "wrong")
	req.Error(err)

	_, err = Register(context.Background(), srv.URL, "alice", "secret1")
	req.Error(err)
}

func TestDial_ReceivesFramesAndAnswersPing(t *testing.T) {
	req := require.New(t)
	gotCookie := make(chan string, 1)
	gotPong := make(chan string, 1)
	gotText := make(chan []byte, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(identity.CookieName)
		if err == nil {
			gotCookie <- c.Value
		}
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()

		presence, _ := protocol.NewPresenceMessage([]protocol.Peer{{UserID: "u1", Username: "alice"}})
		_ = wsutil.WriteServerMessage(conn, ws.OpText, presence)
		_ = ws.WriteFrame(conn, ws.NewPingFrame([]byte("hb")))

		for {
			msgs, err := wsutil.ReadClientMessage(conn, nil)
			if err != nil {
				return
			}
			for _, m := range msgs {
				switch m.OpCode {
				case ws.OpPong:
					gotPong <- string(m.Payload)
					msg, _ := protocol.NewOutboundMessage(protocol.OutboundMsg{Text: "hi", Sender: "u2", Recipient: "u1", ID: "m1"})
					_ = wsutil.WriteServerMessage(conn, ws.OpText, msg)
				case ws.OpText:
					gotText <- m.Payload
				}
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), "tok-alice")
	req.NoError(err)
	defer c.Close()

	req.Equal("tok-alice", <-gotCookie)

	ev := next(t, c)
	req.Equal([]protocol.Peer{{UserID: "u1", Username: "alice"}}, ev.Presence)

	req.Equal("hb", waitFor(t, gotPong))

	ev = next(t, c)
	req.NotNil(ev.Message)
	req.Equal("hi", ev.Message.Text)

	req.NoError(c.Send("u2", "hello"))
	req.JSONEq(`{"recipient":"u2","text":"hello"}`, string(waitFor(t, gotText)))
}

func TestDial_ServerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, "unauthenticated")))
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), "")
	require.NoError(t, err)
	defer c.Close()

	for range c.Events() {
	}
	require.True(t, errors.Is(c.Err(), ErrClosedByServer), "got %v", c.Err())
}

func TestHTTPBase(t *testing.T) {
	require.Equal(t, "http://localhost:4040", HTTPBase("ws://localhost:4040/ws"))
	require.Equal(t, "https://relay.example.com", HTTPBase("wss://relay.example.com/ws"))
}

func next(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "connection ended: %v", c.Err())
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return Event{}
	}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}
