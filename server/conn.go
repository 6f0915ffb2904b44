package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// serverConn is the connection handle given to the dispatcher. Writes are
// serialized so frames written by concurrent handlers never interleave.
type serverConn struct {
	net.Conn
	id     string
	framed atomic.Bool // speaks the frame protocol, so it can receive pushes

	inflight sync.WaitGroup // packets read but not yet answered

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newServerConn(c net.Conn) *serverConn {
	return &serverConn{Conn: c, id: uuid.NewString()}
}

func (c *serverConn) ID() string {
	return c.id
}

func (c *serverConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.Write(p)
}

func (c *serverConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}
