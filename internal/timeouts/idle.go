package timeouts

import (
	"net"
	"sync"
	"time"

	"github.com/die-net/proxyagent/internal/proxyerr"
)

// IdleConn closes the wrapped connection when no Read or Write has completed
// for the idle duration. I/O after that returns *IdleTimeoutError.
type IdleConn struct {
	net.Conn

	d    time.Duration
	host string

	mu     sync.Mutex
	timer  *time.Timer
	fired  bool
	closed bool
	onFire func()
}

// NewIdleConn arms the idle timer on conn. A non-positive d returns conn
// unchanged.
func NewIdleConn(conn net.Conn, d time.Duration, host string) net.Conn {
	return NewIdleConnFunc(conn, d, host, nil)
}

// NewIdleConnFunc is NewIdleConn with a callback run once when the timer
// fires, after the connection has been closed.
func NewIdleConnFunc(conn net.Conn, d time.Duration, host string, onFire func()) net.Conn {
	if d <= 0 {
		return conn
	}
	c := &IdleConn{Conn: conn, d: d, host: host, onFire: onFire}
	c.timer = time.AfterFunc(d, c.fire)
	return c
}

func (c *IdleConn) fire() {
	c.mu.Lock()
	if c.closed || c.fired {
		c.mu.Unlock()
		return
	}
	c.fired = true
	c.mu.Unlock()

	_ = c.Conn.Close()
	if c.onFire != nil {
		c.onFire()
	}
}

func (c *IdleConn) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fired && !c.closed {
		c.timer.Reset(c.d)
	}
}

// Fired reports whether the idle timer closed the connection.
func (c *IdleConn) Fired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired
}

// Err returns the idle timeout error if the timer fired, else nil.
func (c *IdleConn) Err() error {
	if c.Fired() {
		return &proxyerr.IdleTimeoutError{Host: c.host}
	}
	return nil
}

func (c *IdleConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		if terr := c.Err(); terr != nil {
			return n, terr
		}
	}
	if n > 0 {
		c.touch()
	}
	return n, err
}

func (c *IdleConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil {
		if terr := c.Err(); terr != nil {
			return n, terr
		}
	}
	if n > 0 {
		c.touch()
	}
	return n, err
}

func (c *IdleConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.timer.Stop()
	c.mu.Unlock()
	return c.Conn.Close()
}

// NetConn returns the wrapped connection.
func (c *IdleConn) NetConn() net.Conn { return c.Conn }

// IdleErr unwraps conn (through NetConn methods such as *tls.Conn's) looking
// for an IdleConn whose timer fired, and returns its error.
func IdleErr(conn net.Conn) error {
	for conn != nil {
		if ic, ok := conn.(*IdleConn); ok {
			return ic.Err()
		}
		u, ok := conn.(interface{ NetConn() net.Conn })
		if !ok {
			return nil
		}
		conn = u.NetConn()
	}
	return nil
}
