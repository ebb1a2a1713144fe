package server

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"go.ocbridge.dev/ocbridge/pkg/protocol"
)

// publicListener accepts external clients on behalf of a control connection
// and announces each one with a connect command.
type publicListener struct {
	ctl      *controlConn
	listener net.Listener
	log      *slog.Logger
}

func newPublicListener(ctl *controlConn, ln net.Listener) *publicListener {
	return &publicListener{
		ctl:      ctl,
		listener: ln,
		log:      ctl.log.With("component", "public_listener", "addr", ln.Addr().String()),
	}
}

func (l *publicListener) serve() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				l.log.Info("Stopping public listener")
				return
			}

			l.log.Error("Error accepting connection", "error", err)
			continue
		}

		l.announce(conn)
	}
}

func (l *publicListener) announce(conn net.Conn) {
	registry := l.ctl.server.registry

	tok := registry.Issue(conn)
	log := l.log.With("remote_addr", conn.RemoteAddr().String(), "token", tok.String())

	l.ctl.server.metrics.acceptsTotal.Add(context.Background(), 1)

	if err := l.ctl.send(protocol.Command{Kind: protocol.KindConnect, Token: tok}); err != nil {
		log.Debug("Announcing connection", "error", err)

		// the hidden process never learned the token
		if pending, err := registry.Claim(tok); err == nil {
			pending.Close()
		}

		return
	}

	log.Debug("Accepted external connection")
}

func (l *publicListener) addr() net.Addr {
	return l.listener.Addr()
}

func (l *publicListener) close() {
	l.listener.Close()
}
