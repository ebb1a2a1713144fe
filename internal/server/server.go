package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	prom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.ocbridge.dev/ocbridge/internal/auth"
	"go.ocbridge.dev/ocbridge/internal/config"
	"go.ocbridge.dev/ocbridge/internal/set"
	"go.ocbridge.dev/ocbridge/internal/token"
	"go.ocbridge.dev/ocbridge/pkg/protocol"
)

var (
	// ErrAuthTimeout is returned when a peer does not complete its handshake
	// within the configured bound or closes the connection mid handshake.
	ErrAuthTimeout = errors.New("handshake timed out")
	// ErrAuthRejected is returned when a handshake presents neither an accepted
	// secret nor a pending token.
	ErrAuthRejected = errors.New("handshake rejected")
	// ErrListenerBind is returned when the public listener cannot be opened.
	ErrListenerBind = errors.New("binding public listener")
)

// Server is the relay. It accepts the control connection and every data
// connection on a single tunnel address and exposes a public listener on
// behalf of the control connection.
type Server struct {
	conf  config.Config
	codec protocol.Codec

	base    auth.Authenticator
	handler atomic.Pointer[authenticator]

	registry *token.Registry
	sessions *set.Set[*session]
	buffers  sync.Pool

	metrics  *metrics
	gatherer prometheus.Gatherer

	listener net.Listener

	mu      sync.Mutex
	control *controlConn
	closed  bool
}

type authenticator struct {
	protocol.AuthenticationHandler
}

// New constructs and configures a new relay Server.
func New(conf config.Config) (*Server, error) {
	codec, err := protocol.CodecFor(conf.Framing)
	if err != nil {
		return nil, fmt.Errorf("initializing server: %w", err)
	}

	s := &Server{
		conf:     conf,
		codec:    codec,
		registry: token.NewRegistry(),
	}

	if conf.Secret != "" {
		s.base = auth.Authenticator{auth.HandleSecret(conf.Secret)}
	}

	s.setAuthenticator(s.base)

	size := conf.BufferSize
	s.buffers.New = func() any {
		buf := make([]byte, size)
		return &buf
	}

	meter := noop.NewMeterProvider().Meter(meterName)
	if conf.ManagementAddress != "" {
		registry := prometheus.NewRegistry()
		exporter, err := prom.New(prom.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("initializing metrics exporter: %w", err)
		}

		s.gatherer = registry
		meter = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)).Meter(meterName)
	}

	if s.metrics, err = newMetrics(meter, s.registry.Len); err != nil {
		return nil, err
	}

	s.sessions = set.NewSet(set.WithOnEvict(func(*session) {
		s.metrics.activeSessions.Add(context.Background(), -1)
	}))

	return s, nil
}

// ListenAndServe binds the tunnel address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}

	return s.Serve(ctx)
}

// Listen loads secrets, binds the tunnel address and starts the management
// server when one is configured. Failing to bind the tunnel address is the
// only fatal error of the relay.
func (s *Server) Listen(ctx context.Context) error {
	if s.conf.SecretsPath != "" {
		if err := s.loadSecrets(ctx); err != nil {
			return fmt.Errorf("initializing server: %w", err)
		}
	}

	listener, err := net.Listen("tcp", s.conf.TunnelAddress)
	if err != nil {
		return fmt.Errorf("listening on tunnel address: %w", err)
	}

	s.listener = listener

	slog.Info("Tunnel listener starting...", "addr", listener.Addr().String())

	if s.conf.ManagementAddress != "" {
		s.serveManagement(ctx)
	}

	return nil
}

// Serve accepts connections on the bound tunnel address until ctx is done,
// then tears down the control connection, every session and every pending
// external connection.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("serve called before listen")
	}

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	var conns sync.WaitGroup
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				slog.Info("Stopping tunnel listener")
				break
			}

			slog.Error("Error accepting connection", "error", err)
			continue
		}

		conns.Add(1)
		go func() {
			defer conns.Done()
			s.handle(ctx, conn)
		}()
	}

	s.shutdown()

	ch := make(chan struct{})
	go func() {
		defer close(ch)
		conns.Wait()
	}()

	select {
	case <-ch:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("deadline exceeded waiting for tunnel server shutdown")
	}
}

// Addr returns the bound tunnel address or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// PublicAddr returns the address of the active public listener, if any.
func (s *Server) PublicAddr() net.Addr {
	if ctl := s.currentControl(); ctl != nil {
		return ctl.publicAddr()
	}

	return nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	log := slog.With("remote_addr", conn.RemoteAddr().String())
	log.Debug("Accepted connection")

	credential, err := s.readHandshake(conn)
	switch {
	case errors.Is(err, protocol.ErrHandshakeTooLong):
		s.reject(log, conn, err)
		return
	case err != nil:
		s.metrics.handshake(outcomeTimeout)
		log.Debug("Handshake failed", "error", err)
		conn.Close()
		return
	}

	if err := s.authenticate(credential); err == nil {
		s.metrics.handshake(outcomeControl)
		if err := writeReply(conn, protocol.ReplyOK); err != nil {
			log.Debug("Writing handshake reply", "error", err)
			conn.Close()
			return
		}

		s.promote(ctx, log, conn)
		return
	}

	if tok, err := protocol.ParseToken(credential); err == nil {
		if external, err := s.registry.Claim(tok); err == nil {
			s.metrics.handshake(outcomeSession)
			s.relay(ctx, log.With("token", tok.String()), tok, external, conn)
			return
		}
	}

	s.reject(log, conn, ErrAuthRejected)
}

func (s *Server) reject(log *slog.Logger, conn net.Conn, err error) {
	s.metrics.handshake(outcomeRejected)
	log.Debug("Rejecting connection", "error", err)

	_ = writeReply(conn, protocol.ReplyRejected)
	conn.Close()
}

// readHandshake reads the NUL terminated handshake string within the auth timeout.
func (s *Server) readHandshake(conn net.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.conf.AuthTimeout)); err != nil {
		return "", err
	}

	credential, err := protocol.ReadHandshake(conn)
	if err != nil {
		if errors.Is(err, protocol.ErrHandshakeTooLong) {
			return "", err
		}

		return "", fmt.Errorf("%w: %w", ErrAuthTimeout, err)
	}

	// sessions and control connections may idle indefinitely
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", err
	}

	return credential, nil
}

func writeReply(conn net.Conn, reply byte) error {
	_, err := conn.Write([]byte{reply})
	return err
}

func (s *Server) authenticate(secret string) error {
	return s.handler.Load().Authenticate(secret)
}

func (s *Server) setAuthenticator(handlers auth.Authenticator) {
	s.handler.Store(&authenticator{handlers})
}

// promote makes conn the control connection, superseding any previous one,
// and serves its commands until it closes.
func (s *Server) promote(ctx context.Context, log *slog.Logger, conn net.Conn) {
	ctl := newControlConn(s, conn, log.With("component", "control"))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}

	prev := s.control
	s.control = ctl
	s.mu.Unlock()

	if prev != nil {
		log.Info("Superseding control connection", "previous_addr", prev.conn.RemoteAddr().String())
		prev.close()
	}

	log.Info("Control connection established")

	ctl.serve(ctx)
}

// release clears the current control connection if it is still ctl.
func (s *Server) release(ctl *controlConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.control == ctl {
		s.control = nil
	}
}

func (s *Server) currentControl() *controlConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.control
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	ctl := s.control
	s.mu.Unlock()

	if ctl != nil {
		ctl.close()
	}

	s.sessions.Each(func(sess *session) {
		sess.teardown()
	})

	s.registry.CloseAll()
}

func (s *Server) loadSecrets(ctx context.Context) error {
	secrets, updates, err := config.WatchSecrets(ctx, s.conf.SecretsPath, s.conf.WatchSecrets)
	if err != nil {
		return err
	}

	handlers, err := secrets.AuthenticationHandler(ctx)
	if err != nil {
		return err
	}

	s.setAuthenticator(append(slices.Clip(s.base), handlers...))

	go func() {
		for secrets := range updates {
			handlers, err := secrets.AuthenticationHandler(ctx)
			if err != nil {
				slog.Error("Building secrets", "error", err)
				continue
			}

			s.setAuthenticator(append(slices.Clip(s.base), handlers...))

			slog.Info("Secrets reloaded", "count", len(secrets.Secrets))
		}
	}()

	return nil
}

func (s *Server) serveManagement(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	httpServer := &http.Server{
		Addr:    s.conf.ManagementAddress,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		httpServer.Shutdown(ctx)
	}()

	go func() {
		slog.Info("Management listener starting...", "addr", httpServer.Addr)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Serving management", "error", err)
		}
	}()
}
