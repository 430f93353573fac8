//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"time"
)

const waitTimeout = 100 * time.Millisecond

// Epoll is the portable poller used off Linux. One goroutine per connection
// peeks for data through a buffered reader, reports the connection ready and
// then parks until the event loop has consumed the frame.
type Epoll struct {
	mu      sync.Mutex
	conns   map[*Connection]chan struct{} // connection -> rearm signal
	readyCh chan *Connection
	done    chan struct{}
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching c. Frames are read through a buffer from then on so
// the peeked bytes are not lost.
func (e *Epoll) Add(c *Connection) error {
	br := bufio.NewReader(c.conn)
	c.src = br
	rearm := make(chan struct{}, 1)

	e.mu.Lock()
	e.conns[c] = rearm
	e.mu.Unlock()

	go e.watch(c, br, rearm)
	return nil
}

func (e *Epoll) watch(c *Connection, br *bufio.Reader, rearm chan struct{}) {
	for {
		// A read error also counts as ready so the read path sees it.
		_, err := br.Peek(1)

		select {
		case e.readyCh <- c:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-rearm:
		case <-e.done:
			return
		}

		e.mu.Lock()
		_, alive := e.conns[c]
		e.mu.Unlock()
		if !alive {
			return
		}
	}
}

// Remove stops watching c.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	rearm, ok := e.conns[c]
	delete(e.conns, c)
	e.mu.Unlock()
	if ok {
		select {
		case rearm <- struct{}{}:
		default:
		}
	}
	return nil
}

// Rearm lets the watcher of c look for the next frame.
func (e *Epoll) Rearm(c *Connection) error {
	e.mu.Lock()
	rearm, ok := e.conns[c]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case rearm <- struct{}{}:
	default:
	}
	return nil
}

// Wait blocks for at most waitTimeout and returns every connection that is
// ready.
func (e *Epoll) Wait() ([]*Connection, error) {
	var ready []*Connection
	select {
	case c := <-e.readyCh:
		ready = append(ready, c)
	case <-time.After(waitTimeout):
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	for {
		select {
		case c := <-e.readyCh:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

// Close stops every watcher.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = make(map[*Connection]chan struct{})
	e.mu.Unlock()
	return nil
}

// socketFD is unused by the fallback poller.
func socketFD(net.Conn) int {
	return 0
}
