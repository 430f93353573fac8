//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// readEvents is the interest set of every registered socket. EPOLLONESHOT
// disarms the fd once it is reported, so a socket with unread data is not
// reported again while a worker still owns it.
const readEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// waitTimeoutMs bounds a single epoll_wait so the event loop notices
// shutdown without needing a wake-up event.
const waitTimeoutMs = 100

// Epoll wraps Linux epoll syscalls. Instead of a reader goroutine per
// connection, file descriptors are registered with the kernel and the event
// loop is told which ones have data.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int]*Connection
	events []unix.EpollEvent // reusable buffer for Wait
}

// NewEpoll creates an epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		byFd:   make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers c for read and hang-up readiness. The fd is reported once
// and stays disarmed until Rearm.
func (e *Epoll) Add(c *Connection) error {
	if c.fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, c.fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(c.fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.byFd[c.fd] = c
	e.mu.Unlock()
	return nil
}

// Remove unregisters c. It must run before the socket is closed, since the
// kernel may hand the fd number to a new connection right after.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	if e.byFd[c.fd] == c {
		delete(e.byFd, c.fd)
	}
	e.mu.Unlock()
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, c.fd, nil)
}

// Rearm re-enables reporting for c after a worker is done with it. Data that
// arrived in the meantime is reported on the next Wait.
func (e *Epoll) Rearm(c *Connection) error {
	e.mu.RLock()
	registered := e.byFd[c.fd] == c
	e.mu.RUnlock()
	if !registered {
		return nil
	}
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_MOD, c.fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(c.fd),
	})
}

// Wait blocks for at most waitTimeoutMs and returns the connections with
// pending data. An interrupted wait returns no connections and no error.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	e.mu.RLock()
	ready := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.byFd[int(e.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.byFd = nil
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor through SyscallConn, which unlike
// File() does not duplicate it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
