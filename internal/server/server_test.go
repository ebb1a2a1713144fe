package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.ocbridge.dev/ocbridge/internal/config"
	"go.ocbridge.dev/ocbridge/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

const testSecret = "MCServerOnOC"

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	os.Exit(m.Run())
}

func testConfig() config.Config {
	return config.Config{
		TunnelAddress: "127.0.0.1:0",
		PublicAddress: "127.0.0.1:0",
		Secret:        testSecret,
		Framing:       "legacy",
		AuthTimeout:   2 * time.Second,
		BufferSize:    8192,
	}
}

func startServer(t *testing.T, conf config.Config) (*Server, context.CancelFunc) {
	t.Helper()

	s, err := New(conf)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, s.Listen(ctx))

	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	return s, cancel
}

type testControl struct {
	t    *testing.T
	conn net.Conn
	enc  protocol.Encoder
	dec  protocol.Decoder
}

func dialControl(t *testing.T, s *Server, codec protocol.Codec) *testControl {
	t.Helper()

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, protocol.Handshake(conn, testSecret))

	dec := codec.NewDecoder(conn, protocol.ToProcess)
	t.Cleanup(dec.Close)

	return &testControl{
		t:    t,
		conn: conn,
		enc:  codec.NewEncoder(conn),
		dec:  dec,
	}
}

func (c *testControl) send(kind protocol.Kind) {
	c.t.Helper()

	require.NoError(c.t, c.enc.Encode(protocol.Command{Kind: kind}))
}

func (c *testControl) next() protocol.Command {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	cmd, err := c.dec.Decode()
	require.NoError(c.t, err)

	return cmd
}

func (c *testControl) expect(kind protocol.Kind) protocol.Token {
	c.t.Helper()

	cmd := c.next()
	require.Equal(c.t, kind, cmd.Kind, "unexpected command %s", cmd.Kind)

	return cmd.Token
}

// listen requests the public listener and returns its address once acknowledged.
func (c *testControl) listen(s *Server) string {
	c.t.Helper()

	c.send(protocol.KindListen)
	c.expect(protocol.KindListen)

	addr := s.PublicAddr()
	require.NotNil(c.t, addr)

	return addr.String()
}

func dialData(t *testing.T, s *Server, tok protocol.Token) (net.Conn, error) {
	t.Helper()

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn, protocol.Handshake(conn, tok.String())
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readN(t *testing.T, conn net.Conn, n int) string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)

	return string(buf)
}

func requireClosed(t *testing.T, conn net.Conn) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)

	var netErr net.Error
	require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection still open")
}

func Test_Server_Relay(t *testing.T) {
	s, _ := startServer(t, testConfig())

	ctl := dialControl(t, s, protocol.Legacy)
	public := ctl.listen(s)

	external := dial(t, public)
	// bytes sent before the session exists must not be lost
	_, err := external.Write([]byte("hello"))
	require.NoError(t, err)

	tok := ctl.expect(protocol.KindConnect)
	require.True(t, tok.Valid())

	data, err := dialData(t, s, tok)
	require.NoError(t, err)

	assert.Equal(t, "hello", readN(t, data, 5))

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	go data.Write(payload)
	assert.Equal(t, string(payload), readN(t, external, len(payload)))

	require.NoError(t, external.Close())

	assert.Equal(t, tok, ctl.expect(protocol.KindDisconnect))
	requireClosed(t, data)
}

func Test_Server_ListenTwice(t *testing.T) {
	s, _ := startServer(t, testConfig())

	ctl := dialControl(t, s, protocol.Legacy)
	first := ctl.listen(s)
	second := ctl.listen(s)

	_, err := net.DialTimeout("tcp", first, time.Second)
	if first != second {
		require.Error(t, err, "previous listener still accepting")
	}

	dial(t, second)
	ctl.expect(protocol.KindConnect)
}

func Test_Server_TokenClaimedOnce(t *testing.T) {
	s, _ := startServer(t, testConfig())

	ctl := dialControl(t, s, protocol.Legacy)
	dial(t, ctl.listen(s))

	tok := ctl.expect(protocol.KindConnect)

	_, err := dialData(t, s, tok)
	require.NoError(t, err)

	_, err = dialData(t, s, tok)
	require.ErrorIs(t, err, protocol.ErrRejected)

	unknown, err := protocol.ParseToken("zzzzz")
	require.NoError(t, err)

	if unknown != tok {
		_, err = dialData(t, s, unknown)
		require.ErrorIs(t, err, protocol.ErrRejected)
	}
}

func Test_Server_DataCloseDisconnectsOnce(t *testing.T) {
	s, _ := startServer(t, testConfig())

	ctl := dialControl(t, s, protocol.Legacy)
	external := dial(t, ctl.listen(s))

	tok := ctl.expect(protocol.KindConnect)

	data, err := dialData(t, s, tok)
	require.NoError(t, err)
	require.NoError(t, data.Close())

	assert.Equal(t, tok, ctl.expect(protocol.KindDisconnect))
	requireClosed(t, external)

	// nothing follows the single disconnect
	require.NoError(t, ctl.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = ctl.dec.Decode()

	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected error %v", err)
}

func Test_Server_ConcurrentSessions(t *testing.T) {
	s, _ := startServer(t, testConfig())

	ctl := dialControl(t, s, protocol.Legacy)
	public := ctl.listen(s)

	const clients = 20

	// the hidden process answers every line with its own prefix
	go func() {
		for seen := 0; seen < clients; {
			_ = ctl.conn.SetReadDeadline(time.Now().Add(5 * time.Second))

			cmd, err := ctl.dec.Decode()
			if err != nil {
				return
			}

			// disconnects of finished sessions interleave with connects
			if cmd.Kind != protocol.KindConnect {
				continue
			}

			seen++

			go func(tok protocol.Token) {
				data, err := net.Dial("tcp", s.Addr().String())
				if err != nil {
					return
				}
				defer data.Close()

				if err := protocol.Handshake(data, tok.String()); err != nil {
					return
				}

				line, err := bufio.NewReader(data).ReadString('\n')
				if err != nil {
					return
				}

				fmt.Fprintf(data, "echo:%s", line)
			}(cmd.Token)
		}
	}()

	var group errgroup.Group
	for i := 0; i < clients; i++ {
		group.Go(func() error {
			conn, err := net.Dial("tcp", public)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return err
			}

			if _, err := fmt.Fprintf(conn, "client-%d\n", i); err != nil {
				return err
			}

			line, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				return err
			}

			if expected := fmt.Sprintf("echo:client-%d\n", i); line != expected {
				return fmt.Errorf("expected %q, got %q", expected, line)
			}

			return nil
		})
	}

	require.NoError(t, group.Wait())
}

func Test_Server_AuthTimeout(t *testing.T) {
	conf := testConfig()
	conf.AuthTimeout = 100 * time.Millisecond

	s, _ := startServer(t, conf)

	conn := dial(t, s.Addr().String())
	// a partial handshake is never completed
	_, err := conn.Write([]byte("MCServ"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// closed without any reply byte
	read, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, read)
}

func Test_Server_Rejected(t *testing.T) {
	s, _ := startServer(t, testConfig())

	for _, credential := range []string{"wrong", "", "abcd", "MCServerOnOC2"} {
		conn := dial(t, s.Addr().String())

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.ErrorIs(t, protocol.Handshake(conn, credential), protocol.ErrRejected, "%q", credential)
	}

	assert.Nil(t, s.PublicAddr())
}

func Test_Server_Supersede(t *testing.T) {
	s, _ := startServer(t, testConfig())

	first := dialControl(t, s, protocol.Legacy)
	public := first.listen(s)

	second := dialControl(t, s, protocol.Legacy)

	requireClosed(t, first.conn)

	// the superseded connection's public listener is gone with it
	conn, err := net.DialTimeout("tcp", public, time.Second)
	if err == nil {
		conn.Close()
	}
	require.Error(t, err)

	external := dial(t, second.listen(s))
	tok := second.expect(protocol.KindConnect)

	data, err := dialData(t, s, tok)
	require.NoError(t, err)

	_, err = data.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", readN(t, external, 4))
}

func Test_Server_ListenBindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	conf := testConfig()
	conf.PublicAddress = occupied.Addr().String()

	s, _ := startServer(t, conf)

	ctl := dialControl(t, s, protocol.Legacy)
	ctl.send(protocol.KindListen)

	// no acknowledgement and the control connection stays open
	require.NoError(t, ctl.conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, err = ctl.dec.Decode()
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	require.True(t, nerr.Timeout(), "unexpected error %v", err)

	assert.Nil(t, s.PublicAddr())

	// the hidden process may retry once the address is free
	require.NoError(t, occupied.Close())

	ctl.send(protocol.KindListen)
	ctl.expect(protocol.KindListen)

	addr := s.PublicAddr()
	require.NotNil(t, addr)
	assert.Equal(t, conf.PublicAddress, addr.String())
}

func Test_Server_UnrecognizedCommand(t *testing.T) {
	s, _ := startServer(t, testConfig())

	ctl := dialControl(t, s, protocol.Legacy)

	// junk and a ping are consumed before the listen request
	_, err := ctl.conn.Write([]byte("xyznABCDEl"))
	require.NoError(t, err)

	ctl.expect(protocol.KindListen)
	require.NotNil(t, s.PublicAddr())
}

func Test_Server_MsgpackMalformedFrame(t *testing.T) {
	conf := testConfig()
	conf.Framing = "msgpack"

	s, _ := startServer(t, conf)

	ctl := dialControl(t, s, protocol.Msgpack)

	// a well delimited value which is not a command is skipped
	raw, err := msgpack.Marshal([]string{"not", "a", "command"})
	require.NoError(t, err)
	_, err = ctl.conn.Write(raw)
	require.NoError(t, err)

	ctl.listen(s)
}

func Test_Server_Exit(t *testing.T) {
	s, _ := startServer(t, testConfig())

	ctl := dialControl(t, s, protocol.Legacy)
	public := ctl.listen(s)

	pending := dial(t, public)
	ctl.expect(protocol.KindConnect)

	ctl.send(protocol.KindExit)
	requireClosed(t, ctl.conn)
	requireClosed(t, pending)

	require.Eventually(t, func() bool {
		return s.PublicAddr() == nil
	}, 5*time.Second, 10*time.Millisecond)

	_, err := net.DialTimeout("tcp", public, time.Second)
	require.Error(t, err)
}

func Test_Server_Msgpack(t *testing.T) {
	conf := testConfig()
	conf.Framing = "msgpack"

	s, _ := startServer(t, conf)

	ctl := dialControl(t, s, protocol.Msgpack)
	external := dial(t, ctl.listen(s))

	tok := ctl.expect(protocol.KindConnect)

	data, err := dialData(t, s, tok)
	require.NoError(t, err)

	_, err = external.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", readN(t, data, 3))

	require.NoError(t, data.Close())
	assert.Equal(t, tok, ctl.expect(protocol.KindDisconnect))
}

func Test_Server_Shutdown(t *testing.T) {
	s, cancel := startServer(t, testConfig())

	ctl := dialControl(t, s, protocol.Legacy)
	public := ctl.listen(s)

	pending := dial(t, public)
	ctl.expect(protocol.KindConnect)

	external := dial(t, public)
	tok := ctl.expect(protocol.KindConnect)

	data, err := dialData(t, s, tok)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.sessions.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	requireClosed(t, ctl.conn)
	requireClosed(t, pending)
	requireClosed(t, external)
	requireClosed(t, data)
}

func Test_Server_Metrics(t *testing.T) {
	conf := testConfig()
	conf.ManagementAddress = "127.0.0.1:0"

	s, _ := startServer(t, conf)

	ctl := dialControl(t, s, protocol.Legacy)
	dial(t, ctl.listen(s))
	ctl.expect(protocol.KindConnect)

	families, err := s.gatherer.Gather()
	require.NoError(t, err)

	var names []string
	for _, family := range families {
		names = append(names, family.GetName())
	}

	for _, prefix := range []string{
		"ocbridge_bridge_handshakes",
		"ocbridge_control_commands",
		"ocbridge_public_listener_accepts",
		"ocbridge_session_pending",
	} {
		assert.True(t, hasPrefix(names, prefix), "missing %s in %v", prefix, names)
	}
}

func hasPrefix(names []string, prefix string) bool {
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}

	return false
}
