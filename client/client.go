package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.ocbridge.dev/ocbridge/internal/netutil"
	"go.ocbridge.dev/ocbridge/internal/synctyped"
	"go.ocbridge.dev/ocbridge/pkg/protocol"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
)

var (
	// ErrUnauthorized is returned when the relay rejects the control secret.
	ErrUnauthorized = errors.New("unauthorized")

	// DefaultBackoff is the default backoff used when dialing and serving
	// a connection.
	DefaultBackoff = wait.Backoff{
		Steps:    5,
		Duration: 100 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.1,
	}

	// DefaultKeepAlivePeriod is the interval between keepalive probes sent on
	// the control connection when Client.KeepAlivePeriod is zero.
	DefaultKeepAlivePeriod = 15 * time.Second
)

// Client exposes a local TCP service through a relay.
type Client struct {
	// TargetAddress is the local address every external client is bridged to.
	TargetAddress string

	// Authenticator supplies the control secret.
	// If not defined then the relay's default secret is presented.
	Authenticator Authenticator

	// Codec frames control commands. It must match the relay's framing.
	// Defaults to protocol.Legacy.
	Codec protocol.Codec

	// Logger allows the caller to configure a custome *slog.Logger instance.
	// If not defined then Client uses the default instance returned by slog.Default.
	Logger *slog.Logger

	// Dialer is used for relay and target connections.
	Dialer *net.Dialer

	// KeepAlivePeriod is the interval between keepalive probes.
	// Zero uses DefaultKeepAlivePeriod and a negative value disables probes.
	KeepAlivePeriod time.Duration

	// OnListening is called each time the relay acknowledges its public listener.
	OnListening func()
}

func coallesce[T any](v, d *T) *T {
	if v == nil {
		return d
	}

	return v
}

// errSessionEnded stops the current backoff once an acknowledged session ends
// so that the next reconnect starts from a fresh backoff.
var errSessionEnded = errors.New("session ended")

// DialAndServe dials the relay at addr, registers as its control connection
// and serves external clients until ctx is done. Failed attempts are retried
// according to DefaultBackoff, which starts over each time a session the
// relay acknowledged ends. A rejected secret is returned immediately.
func (c *Client) DialAndServe(ctx context.Context, addr string) (err error) {
	attrs := []slog.Attr{slog.String("addr", addr)}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		attrs = []slog.Attr{slog.String("host", host), slog.String("port", port)}
	}

	log := slog.New(coallesce(c.Logger, slog.Default()).Handler().WithAttrs(attrs))
	log.Debug("Dialing address")

	for {
		var lastErr error
		err = wait.ExponentialBackoffWithContext(ctx, DefaultBackoff, func(context.Context) (done bool, err error) {
			listened, err := c.dialAndServe(ctx, log, addr)
			if err != nil {
				if errors.Is(err, ErrUnauthorized) {
					return false, err
				}

				lastErr = err
				if errors.Is(err, context.Canceled) {
					return false, nil
				}

				if listened {
					log.Info("Session ended, reconnecting", "error", err)
					return false, errSessionEnded
				}

				// logged under debug as the attempt will be repeated
				// the last observed error is returned once the backoff is exhausted
				log.Debug("Error while attempting to dial and register", "error", err)

				return false, nil
			}

			return true, nil
		})

		if errors.Is(err, errSessionEnded) {
			if ctx.Err() == nil {
				continue
			}

			err = lastErr
		}

		// the backoff was exhausted or exceeded a deadline
		if wait.Interrupted(err) {
			err = lastErr
		}

		return err
	}
}

// dialAndServe registers one control connection and serves it. It reports
// whether the relay acknowledged a public listener during the session.
func (c *Client) dialAndServe(ctx context.Context, log *slog.Logger, addr string) (bool, error) {
	dialer := coallesce(c.Dialer, &net.Dialer{})

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, err
	}

	ctl := &control{
		client: c,
		addr:   addr,
		conn:   conn,
		log:    log,
		codec:  c.Codec,
	}

	if ctl.codec == nil {
		ctl.codec = protocol.Legacy
	}

	ctl.enc = ctl.codec.NewEncoder(conn)

	authenticator := c.Authenticator
	if authenticator == nil {
		authenticator = defaultAuthenticator
	}

	secret, err := authenticator.Secret(ctx)
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("registering new connection: %w", err)
	}

	log.Debug("Attempting to register")

	// a relay which never replies must not hold the handshake past ctx
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err = protocol.Handshake(conn, secret)
	if !stop() {
		return false, fmt.Errorf("registering new connection: %w", ctx.Err())
	}

	if err != nil {
		conn.Close()
		if errors.Is(err, protocol.ErrRejected) {
			return false, fmt.Errorf("registering new connection: %w", ErrUnauthorized)
		}

		return false, fmt.Errorf("registering new connection: %w", err)
	}

	err = ctl.serve(ctx)

	return ctl.listened.Load(), err
}

// control is one registered control connection.
type control struct {
	client *Client
	addr   string
	conn   net.Conn
	log    *slog.Logger
	codec  protocol.Codec

	wmu sync.Mutex
	enc protocol.Encoder

	sessions synctyped.Map[protocol.Token, net.Conn]

	listened atomic.Bool
}

func (c *control) send(cmd protocol.Command) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	return c.enc.Encode(cmd)
}

func (c *control) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		// best effort notice so the relay closes its listener immediately
		_ = c.send(protocol.Command{Kind: protocol.KindExit})
		c.conn.Close()
	})
	defer stop()

	if err := c.send(protocol.Command{Kind: protocol.KindListen}); err != nil {
		c.conn.Close()
		return fmt.Errorf("requesting listener: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)

	if period := c.keepAlivePeriod(); period > 0 {
		group.Go(func() error {
			c.keepAlive(gctx, period)
			return nil
		})
	}

	err := c.read(ctx, group)
	cancel()

	c.sessions.Range(func(_ protocol.Token, conn net.Conn) bool {
		conn.Close()
		return true
	})

	_ = group.Wait()

	return err
}

func (c *control) read(ctx context.Context, group *errgroup.Group) error {
	dec := c.codec.NewDecoder(c.conn, protocol.ToProcess)
	defer dec.Close()

	for {
		cmd, err := dec.Decode()
		if err != nil {
			if errors.Is(err, protocol.ErrUnrecognizedCommand) {
				c.log.Debug("Dropping command", "error", err)
				continue
			}

			if ctx.Err() != nil {
				c.log.Info("Control connection closed")
				return nil
			}

			if netutil.IsExpectedCloseError(err) {
				return fmt.Errorf("control connection closed by relay: %w", err)
			}

			return fmt.Errorf("reading command: %w", err)
		}

		switch cmd.Kind {
		case protocol.KindListen:
			c.log.Info("Relay listening")
			c.listened.Store(true)

			if c.client.OnListening != nil {
				c.client.OnListening()
			}
		case protocol.KindConnect:
			group.Go(func() error {
				c.forward(ctx, cmd.Token)
				return nil
			})
		case protocol.KindDisconnect:
			if conn, ok := c.sessions.LoadAndDelete(cmd.Token); ok {
				c.log.Debug("Session disconnected", "token", cmd.Token.String())
				conn.Close()
			}
		}
	}
}

// forward claims tok on the relay and bridges the data connection to the target.
func (c *control) forward(ctx context.Context, tok protocol.Token) {
	log := c.log.With("token", tok.String())
	dialer := coallesce(c.client.Dialer, &net.Dialer{})

	data, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		log.Error("Dialing relay", "error", err)
		return
	}

	if err := protocol.Handshake(data, tok.String()); err != nil {
		log.Warn("Claiming session", "error", err)
		data.Close()
		return
	}

	// closing the data connection makes the relay drop the external client
	local, err := dialer.DialContext(ctx, "tcp", c.client.TargetAddress)
	if err != nil {
		log.Error("Dialing target", "error", err)
		data.Close()
		return
	}

	c.sessions.Store(tok, data)
	defer c.sessions.CompareAndDelete(tok, data)

	// the control connection may have finished while dialing
	if ctx.Err() != nil {
		data.Close()
		local.Close()
		return
	}

	log.Debug("Session started")

	if err := netutil.Bridge(data, local); err != nil {
		log.Error("Relaying", "error", err)
		return
	}

	log.Debug("Session finished")
}

func (c *control) keepAlivePeriod() time.Duration {
	if c.client.KeepAlivePeriod == 0 {
		return DefaultKeepAlivePeriod
	}

	return c.client.KeepAlivePeriod
}

func (c *control) keepAlive(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// the payload is discarded by the relay
			if err := c.send(protocol.Command{
				Kind:  protocol.KindPing,
				Token: protocol.RandomToken(rand.IntN),
			}); err != nil {
				c.log.Debug("Sending keepalive", "error", err)
				return
			}
		}
	}
}
