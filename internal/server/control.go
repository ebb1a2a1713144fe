package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"go.ocbridge.dev/ocbridge/internal/netutil"
	"go.ocbridge.dev/ocbridge/pkg/protocol"
)

// controlConn is the single authenticated connection from the hidden process.
// Writes from the read loop, the public accept loop and every session
// teardown are serialized by wmu so that messages never interleave.
type controlConn struct {
	server *Server
	conn   net.Conn
	log    *slog.Logger

	wmu sync.Mutex
	enc protocol.Encoder

	lmu      sync.Mutex
	listener *publicListener
	closed   bool

	closeOnce sync.Once
}

func newControlConn(s *Server, conn net.Conn, log *slog.Logger) *controlConn {
	return &controlConn{
		server: s,
		conn:   conn,
		log:    log,
		enc:    s.codec.NewEncoder(conn),
	}
}

// send writes cmd as a single message.
func (c *controlConn) send(cmd protocol.Command) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.enc.Encode(cmd); err != nil {
		return fmt.Errorf("sending %s: %w", cmd.Kind, err)
	}

	return nil
}

// serve reads commands until the hidden process exits, the connection fails
// or the connection is superseded. The connection is closed on return.
func (c *controlConn) serve(ctx context.Context) {
	defer c.close()

	dec := c.server.codec.NewDecoder(c.conn, protocol.ToRelay)
	defer dec.Close()

	for {
		cmd, err := dec.Decode()
		if err != nil {
			if errors.Is(err, protocol.ErrUnrecognizedCommand) {
				c.server.metrics.command("unrecognized")
				c.log.Warn("Dropping command", "error", err)
				continue
			}

			if netutil.IsExpectedCloseError(err) || ctx.Err() != nil {
				c.log.Info("Control connection closed")
				c.log.Debug("Reading command", "error", err)
				return
			}

			c.log.Error("Reading command", "error", err)
			return
		}

		c.server.metrics.command(cmd.Kind.String())

		switch cmd.Kind {
		case protocol.KindListen:
			if err := c.listen(); err != nil {
				c.log.Error("Opening public listener", "error", err)
			}
		case protocol.KindPing:
			c.log.Debug("Received ping")
		case protocol.KindExit:
			c.log.Info("Hidden process exited")
			return
		}
	}
}

// listen replaces the public listener with a freshly bound one, acknowledges
// it and starts accepting external connections.
func (c *controlConn) listen() error {
	c.lmu.Lock()
	defer c.lmu.Unlock()

	if c.closed {
		return net.ErrClosed
	}

	if c.listener != nil {
		c.listener.close()
		c.listener = nil
	}

	ln, err := net.Listen("tcp", c.server.conf.PublicAddress)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrListenerBind, err)
	}

	pl := newPublicListener(c, ln)

	if err := c.send(protocol.Command{Kind: protocol.KindListen}); err != nil {
		ln.Close()
		return err
	}

	c.listener = pl

	c.log.Info("Public listener starting...", "addr", ln.Addr().String())

	go pl.serve()

	return nil
}

func (c *controlConn) publicAddr() net.Addr {
	c.lmu.Lock()
	defer c.lmu.Unlock()

	if c.listener == nil {
		return nil
	}

	return c.listener.addr()
}

// close tears down the public listener, every unclaimed external connection
// and the connection itself, then releases this connection as the server's
// current control connection.
func (c *controlConn) close() {
	c.closeOnce.Do(func() {
		c.lmu.Lock()
		c.closed = true
		if c.listener != nil {
			c.listener.close()
			c.listener = nil
		}
		c.lmu.Unlock()

		c.conn.Close()

		// nobody is left to claim the connections announced so far
		c.server.registry.CloseAll()

		c.server.release(c)
	})
}
