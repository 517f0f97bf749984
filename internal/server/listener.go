package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/ukydev/whereami/internal/models"
)

// serialListener hands out at most one connection at a time. The next
// Accept blocks until the previous connection has been closed, so
// handlers never run concurrently.
type serialListener struct {
	net.Listener

	slot      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	onAccept  func()
	onRelease func(c *reportConn)
}

func newSerialListener(ln net.Listener, onAccept func(), onRelease func(c *reportConn)) *serialListener {
	return &serialListener{
		Listener:  ln,
		slot:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
		onAccept:  onAccept,
		onRelease: onRelease,
	}
}

func (l *serialListener) Accept() (net.Conn, error) {
	select {
	case l.slot <- struct{}{}:
	case <-l.closed:
		return nil, net.ErrClosed
	}

	c, err := l.Listener.Accept()
	if err != nil {
		<-l.slot
		return nil, err
	}
	l.onAccept()
	return &reportConn{Conn: c, ln: l}, nil
}

// Close stops accepting connections. It is safe to call more than once.
func (l *serialListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.closeErr = l.Listener.Close()
	})
	return l.closeErr
}

// release runs once per connection, after it has been closed.
func (l *serialListener) release(c *reportConn) {
	l.onRelease(c)
	<-l.slot
}

// reportConn carries the location report accepted on it, if any, until
// the connection is closed and the response is known to be flushed.
type reportConn struct {
	net.Conn

	ln       *serialListener
	report   atomic.Pointer[models.Location]
	doneOnce sync.Once
}

func (c *reportConn) Close() error {
	err := c.Conn.Close()
	c.doneOnce.Do(func() { c.ln.release(c) })
	return err
}
