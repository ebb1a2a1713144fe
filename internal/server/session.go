package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"

	"go.ocbridge.dev/ocbridge/internal/netutil"
	"go.ocbridge.dev/ocbridge/pkg/protocol"
)

// session pairs a claimed external connection with the data connection which
// claimed it.
type session struct {
	server   *Server
	token    protocol.Token
	external net.Conn
	data     net.Conn
	log      *slog.Logger

	cancel   context.CancelFunc
	downOnce sync.Once
}

// relay acknowledges the data connection and copies bytes between it and the
// external connection until either side closes. It returns once both
// directions have stopped.
func (s *Server) relay(ctx context.Context, log *slog.Logger, tok protocol.Token, external, data net.Conn) {
	ctx, cancel := context.WithCancel(ctx)

	sess := &session{
		server:   s,
		token:    tok,
		external: external,
		data:     data,
		log:      log.With("component", "session"),
		cancel:   cancel,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		external.Close()
		data.Close()
		return
	}

	s.metrics.activeSessions.Add(ctx, 1)
	s.sessions.Register(ctx, sess)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		sess.teardown()
	}()

	if err := writeReply(data, protocol.ReplyOK); err != nil {
		sess.log.Debug("Writing handshake reply", "error", err)
		sess.teardown()
		return
	}

	sess.log.Debug("Session started")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sess.pump(external, data, directionInbound)
	}()

	sess.pump(data, external, directionOutbound)

	wg.Wait()

	sess.log.Debug("Session finished")
}

// pump copies src into dst. Whichever pump returns first tears the session
// down, which unblocks the other.
func (sess *session) pump(dst, src net.Conn, direction string) {
	defer sess.teardown()

	bufp := sess.server.buffers.Get().(*[]byte)
	defer sess.server.buffers.Put(bufp)

	n, err := io.CopyBuffer(dst, src, *bufp)
	sess.server.metrics.relayed(direction, n)

	if err != nil && !netutil.IsExpectedCloseError(err) {
		sess.log.Error("Relaying", "direction", direction, "error", err)
		return
	}

	sess.log.Debug("Pump stopped", "direction", direction, "bytes", n)
}

// teardown closes both connections and notifies the hidden process with a
// single disconnect command. It is safe to call more than once.
func (sess *session) teardown() {
	sess.downOnce.Do(func() {
		sess.external.Close()
		sess.data.Close()
		sess.cancel()

		ctl := sess.server.currentControl()
		if ctl == nil {
			return
		}

		if err := ctl.send(protocol.Command{Kind: protocol.KindDisconnect, Token: sess.token}); err != nil {
			sess.log.Debug("Announcing disconnect", "error", err)
		}
	})
}
