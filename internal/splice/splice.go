package splice

import (
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const bufferSize = 32 * 1024

// Stats reports how many bytes moved in each direction.
type Stats struct {
	// Sent counts bytes copied from the inbound side to the outbound side.
	Sent int64
	// Received counts bytes copied from the outbound side to the inbound side.
	Received int64
}

type closeWriter interface {
	CloseWrite() error
}

// Splice copies inbound->outbound and outbound->inbound concurrently. It
// returns once both directions have terminated, after closing both streams.
// A non-zero idleTimeout bounds how long the session may go without moving
// a byte in either direction; traffic one way keeps the other way open.
//
// The returned error is the first copy failure other than a normal close.
func Splice(inbound, outbound net.Conn, idleTimeout time.Duration) (Stats, error) {
	var sent, received atomic.Int64
	var g errgroup.Group

	var act *activity
	if idleTimeout > 0 {
		act = &activity{timeout: idleTimeout}
		act.touch()
	}

	g.Go(func() error {
		return pipe(outbound, inbound, act, &sent)
	})
	g.Go(func() error {
		return pipe(inbound, outbound, act, &received)
	})

	err := g.Wait()

	inbound.Close()
	outbound.Close()

	return Stats{Sent: sent.Load(), Received: received.Load()}, err
}

func pipe(dst, src net.Conn, act *activity, counter *atomic.Int64) error {
	defer halfClose(dst)

	buf := make([]byte, bufferSize)
	r := &idleConn{Conn: src, act: act}
	w := &idleConn{Conn: dst, act: act}

	n, err := io.CopyBuffer(struct{ io.Writer }{w}, struct{ io.Reader }{r}, buf)
	counter.Add(n)

	if isClosed(err) {
		return nil
	}

	return err
}

// halfClose signals EOF to the peer while leaving the read side open.
func halfClose(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		if err := cw.CloseWrite(); err == nil {
			return
		}
	}
	c.Close()
}

func isClosed(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// IsTimeout reports whether err came from an idle deadline expiring.
func IsTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// activity is the last time either direction of a session moved bytes.
type activity struct {
	timeout time.Duration
	last    atomic.Int64
}

func (a *activity) touch() {
	a.last.Store(time.Now().UnixNano())
}

func (a *activity) deadline() time.Time {
	return time.Unix(0, a.last.Load()).Add(a.timeout)
}

// idleConn bounds each operation by the session deadline. An operation that
// times out while the other direction made progress is retried against the
// later deadline.
type idleConn struct {
	net.Conn
	act *activity
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.act == nil {
		return c.Conn.Read(p)
	}

	for {
		deadline := c.act.deadline()
		if err := c.Conn.SetReadDeadline(deadline); err != nil {
			return 0, err
		}

		n, err := c.Conn.Read(p)
		if n > 0 {
			c.act.touch()
		}
		if n == 0 && IsTimeout(err) && c.act.deadline().After(deadline) {
			continue
		}
		return n, err
	}
}

func (c *idleConn) Write(p []byte) (int, error) {
	if c.act == nil {
		return c.Conn.Write(p)
	}

	written := 0
	for {
		deadline := c.act.deadline()
		if err := c.Conn.SetWriteDeadline(deadline); err != nil {
			return written, err
		}

		n, err := c.Conn.Write(p[written:])
		written += n
		if n > 0 {
			c.act.touch()
		}
		if err != nil && IsTimeout(err) && written < len(p) && c.act.deadline().After(deadline) {
			continue
		}
		return written, err
	}
}
