package ws

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one upgraded WebSocket client. All writes go through a
// per-connection mutex so frames from the router, the presence broadcaster
// and the heartbeat never interleave.
type Connection struct {
	id           string
	conn         net.Conn
	src          io.Reader // frames are read from here
	fd           int
	writeTimeout time.Duration

	writeMu    sync.Mutex
	processing atomic.Bool // set while a worker is reading a frame
	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
	onClose    func(*Connection)
}

func newConnection(id string, conn net.Conn, writeTimeout time.Duration, onClose func(*Connection)) *Connection {
	return &Connection{
		id:           id,
		conn:         conn,
		src:          conn,
		fd:           socketFD(conn),
		writeTimeout: writeTimeout,
		onClose:      onClose,
	}
}

// ID returns the connection handle.
func (c *Connection) ID() string { return c.id }

// WriteMessage sends a text frame.
func (c *Connection) WriteMessage(data []byte) error {
	return c.write(func(w io.Writer) error {
		return wsutil.WriteServerMessage(w, ws.OpText, data)
	})
}

// WritePing sends a transport ping frame.
func (c *Connection) WritePing() error {
	return c.write(func(w io.Writer) error {
		return ws.WriteFrame(w, ws.NewPingFrame(nil))
	})
}

func (c *Connection) writePong(payload []byte) error {
	return c.write(func(w io.Writer) error {
		return ws.WriteFrame(w, ws.NewPongFrame(payload))
	})
}

func (c *Connection) writeClose(code ws.StatusCode, reason string) error {
	return c.write(func(w io.Writer) error {
		return ws.WriteFrame(w, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	})
}

func (c *Connection) write(fn func(io.Writer) error) error {
	if c.closed.Load() {
		return net.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return fn(c.conn)
}

// Close releases the connection from the poller and closes the socket. Only
// the first call has an effect.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.onClose != nil {
			c.onClose(c)
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
