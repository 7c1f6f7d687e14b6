// Package tnc implements the TCP client side of spec §6.2: a KISS-over-TCP
// connection to a TNC, with exponential reconnect and stale-byte draining
// on (re)connect.
package tnc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dougsko/rfmp/internal/kiss"
)

// ReconnectMin and ReconnectMax bound the exponential reconnect delay
// (spec §6.2: "exponential reconnect 1 s→30 s").
const (
	ReconnectMin = 1 * time.Second
	ReconnectMax = 30 * time.Second
)

// Conn is a reconnecting KISS-over-TCP client. It satisfies both
// engine.RXPort (via Next) and txq.Writer (via Write).
type Conn struct {
	addr string
	dial func(ctx context.Context, addr string) (net.Conn, error)

	conn net.Conn
	dec  *kiss.Decoder
}

// Dial opens the initial connection to addr (host:port).
func Dial(ctx context.Context, host string, port int) (*Conn, error) {
	c := &Conn{addr: fmt.Sprintf("%s:%d", host, port), dial: dialTCP}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (c *Conn) connect(ctx context.Context) error {
	raw, err := c.dial(ctx, c.addr)
	if err != nil {
		return fmt.Errorf("tnc: dial %s: %w", c.addr, err)
	}
	tcpConn, ok := raw.(*net.TCPConn)
	if !ok {
		// Test dialers may hand back an in-memory net.Conn; wrap it so the
		// rest of Conn only ever deals with the kiss.Decoder/io interfaces.
		c.conn = raw
		c.dec = kiss.NewDecoder(raw)
		return nil
	}
	c.conn = tcpConn
	c.dec = kiss.NewDecoder(bufio.NewReader(tcpConn))
	return nil
}

// reconnect retries connect with exponential backoff between ReconnectMin
// and ReconnectMax, per spec §6.2.
func (c *Conn) reconnect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ReconnectMin
	b.MaxInterval = ReconnectMax
	b.Multiplier = 2

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.connect(ctx)
	}, backoff.WithBackOff(b))
	return err
}

// Next returns the next decoded KISS data frame, transparently reconnecting
// (draining stale bytes up to the next FEND, which kiss.Decoder already
// does by construction) on link failure.
func (c *Conn) Next() (kiss.Frame, error) {
	for {
		f, err := c.dec.Next()
		if err == nil {
			return f, nil
		}
		if rerr := c.reconnect(context.Background()); rerr != nil {
			return kiss.Frame{}, fmt.Errorf("tnc: reconnect failed: %w", rerr)
		}
	}
}

// Write sends a fully KISS-framed byte string (engine already wrapped it)
// to the TNC, satisfying txq.Writer.
func (c *Conn) Write(ctx context.Context, frameBytes []byte) error {
	if c.conn == nil {
		return fmt.Errorf("tnc: no writable connection")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	}
	_, err := c.conn.Write(frameBytes)
	if err != nil {
		if rerr := c.reconnect(ctx); rerr != nil {
			return fmt.Errorf("tnc: write failed and reconnect failed: %w", rerr)
		}
	}
	return err
}

// Close releases the underlying connection.
func (c *Conn) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
