// Package client is a small relay client. It obtains a token over HTTP, opens
// the WebSocket with gobwas/ws (the same library the server uses), answers
// heartbeat pings and delivers decoded frames on a channel.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/relay/internal/identity"
	"github.com/whisper/relay/internal/protocol"
)

// ErrClosedByServer is returned by Err after the server sent a close frame.
var ErrClosedByServer = errors.New("client: closed by server")

// Event is one frame received from the relay. Exactly one field is set.
type Event struct {
	Presence []protocol.Peer
	Message  *protocol.OutboundMsg
}

// Register creates an account and returns its token.
func Register(ctx context.Context, baseURL, username, password string) (string, error) {
	return authenticate(ctx, baseURL+"/register", username, password)
}

// Login returns a token for an existing account.
func Login(ctx context.Context, baseURL, username, password string) (string, error) {
	return authenticate(ctx, baseURL+"/login", username, password)
}

func authenticate(ctx context.Context, url, username, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return "", fmt.Errorf("%s: %s %s", url, resp.Status, e.Error)
	}
	for _, c := range resp.Cookies() {
		if c.Name == identity.CookieName && c.Value != "" {
			return c.Value, nil
		}
	}
	return "", fmt.Errorf("%s: no token in response", url)
}

// Client is one relay connection.
type Client struct {
	conn   net.Conn
	src    io.Reader
	events chan Event

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial opens a relay connection authenticated with token and starts reading.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Cookie": []string{(&http.Cookie{Name: identity.CookieName, Value: token}).String()},
		}),
		Timeout: 10 * time.Second,
	}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:   conn,
		src:    conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	if br != nil {
		// Frames sent right after the handshake may already be buffered.
		c.src = br
	}
	go c.readLoop()
	return c, nil
}

// Events returns the channel of received frames. It is closed when the
// connection ends; Err tells why.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Send sends a direct message.
func (c *Client) Send(recipient, text string) error {
	data, err := json.Marshal(protocol.InboundMsg{Recipient: recipient, Text: text})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.write(ws.OpText, data)
}

// Err returns the error that ended the read loop, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends a close frame and closes the connection. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.write(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		err = c.conn.Close()
	})
	return err
}

func (c *Client) write(op ws.OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, op, payload)
}

// readLoop reads frames until the connection ends. Pings are answered
// inline so the server's heartbeat sees this client as alive.
func (c *Client) readLoop() {
	defer close(c.events)
	for {
		frame, err := ws.ReadFrame(c.src)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.setErr(err)
			}
			return
		}

		switch frame.Header.OpCode {
		case ws.OpPing:
			if err := c.write(ws.OpPong, frame.Payload); err != nil {
				c.setErr(err)
				return
			}
			continue
		case ws.OpPong:
			continue
		case ws.OpClose:
			code, reason := ws.ParseCloseFrameData(frame.Payload)
			c.setErr(fmt.Errorf("%w: %d %s", ErrClosedByServer, code, reason))
			return
		}

		ev, ok := decode(frame.Payload)
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// decode tells presence frames from message frames by shape.
func decode(data []byte) (Event, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return Event{}, false
	}
	if _, ok := probe["online"]; ok {
		var p protocol.PresenceMsg
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, false
		}
		return Event{Presence: p.Online}, true
	}
	var m protocol.OutboundMsg
	if err := json.Unmarshal(data, &m); err != nil || m.ID == "" {
		return Event{}, false
	}
	return Event{Message: &m}, true
}

// HTTPBase converts a ws:// or wss:// URL to the matching http(s) origin.
func HTTPBase(wsURL string) string {
	u := strings.TrimSuffix(wsURL, "/ws")
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}
