package token

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.ocbridge.dev/ocbridge/pkg/protocol"
)

func pipe(t *testing.T) net.Conn {
	t.Helper()

	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	return a
}

func Test_Registry_IssueClaim(t *testing.T) {
	var (
		registry = NewRegistry()
		conn     = pipe(t)
	)

	tok := registry.Issue(conn)
	require.True(t, tok.Valid())
	assert.Equal(t, 1, registry.Len())

	claimed, err := registry.Claim(tok)
	require.NoError(t, err)
	assert.Equal(t, conn, claimed)
	assert.Zero(t, registry.Len())

	// claimable at most once
	_, err = registry.Claim(tok)
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_Registry_ClaimUnknown(t *testing.T) {
	registry := NewRegistry()
	other := registry.Issue(pipe(t))

	tok, err := protocol.ParseToken("nope!")
	require.NoError(t, err)
	if tok == other {
		t.Skip("randomly collided with the registered token")
	}

	_, err = registry.Claim(tok)
	require.ErrorIs(t, err, ErrNotFound)

	// the failed claim left the registry intact
	assert.Equal(t, 1, registry.Len())
	_, err = registry.Claim(other)
	require.NoError(t, err)
}

func Test_Registry_Register(t *testing.T) {
	registry := NewRegistry()

	tok, err := protocol.ParseToken("abcde")
	require.NoError(t, err)

	first := pipe(t)
	require.NoError(t, registry.Register(tok, first))
	require.ErrorIs(t, registry.Register(tok, pipe(t)), ErrTokenInUse)

	claimed, err := registry.Claim(tok)
	require.NoError(t, err)
	assert.Equal(t, first, claimed)

	require.ErrorIs(t, registry.Register(protocol.Token{0, 1, 2, 3, 4}, first), protocol.ErrInvalidToken)
}

func Test_Registry_RetriesOnCollision(t *testing.T) {
	// the first five draws produce "     " and collide with the existing entry
	var (
		draws int
		intn  = func(n int) int {
			draws++
			if draws <= 2*protocol.TokenLength {
				return 0
			}
			return 1
		}
		registry = NewRegistry(WithRandom(intn))
	)

	first := registry.Issue(pipe(t))
	assert.Equal(t, "     ", first.String())

	second := registry.Issue(pipe(t))
	assert.Equal(t, "!!!!!", second.String())
	assert.Equal(t, 2, registry.Len())

	// Mint skips pending tokens as well
	_, err := registry.Claim(second)
	require.NoError(t, err)

	draws = 0
	assert.Equal(t, "!!!!!", registry.Mint().String())
}

func Test_Registry_Concurrent(t *testing.T) {
	var (
		registry = NewRegistry()
		wg       sync.WaitGroup
		mu       sync.Mutex
		issued   = map[protocol.Token]net.Conn{}
	)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			conn := pipe(t)
			tok := registry.Issue(conn)

			mu.Lock()
			defer mu.Unlock()
			_, dup := issued[tok]
			assert.False(t, dup, "token issued twice")
			issued[tok] = conn
		}()
	}

	wg.Wait()

	require.Equal(t, len(issued), registry.Len())

	for tok, conn := range issued {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := registry.Claim(tok)
			if assert.NoError(t, err) {
				assert.Equal(t, conn, claimed)
			}
		}()
	}

	wg.Wait()

	assert.Zero(t, registry.Len())
}

func Test_Registry_CloseAll(t *testing.T) {
	registry := NewRegistry()

	a, b := net.Pipe()
	defer b.Close()

	registry.Issue(a)
	registry.CloseAll()

	assert.Zero(t, registry.Len())

	_, err := b.Read(make([]byte, 1))
	require.Error(t, err)
}
