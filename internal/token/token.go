// Package token implements the registry of external connections waiting to
// be claimed by the hidden process.
//
// Each accepted external connection is parked under a randomly generated
// protocol.Token until a data connection presenting the same token arrives
// on the bridge port. A token can be claimed exactly once.
package token

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"

	"go.ocbridge.dev/ocbridge/internal/synctyped"
	"go.ocbridge.dev/ocbridge/pkg/protocol"
)

var (
	// ErrNotFound is returned when claiming a token which is not pending.
	ErrNotFound = errors.New("token not found")
	// ErrTokenInUse is returned when registering a token which is already pending.
	ErrTokenInUse = errors.New("token in use")
)

// Registry maps tokens onto pending external connections.
// It is safe for concurrent use.
type Registry struct {
	pending synctyped.Map[protocol.Token, net.Conn]
	intn    func(int) int
}

type Option func(*Registry)

// WithRandom overrides the source of randomness used to mint tokens.
func WithRandom(intn func(int) int) Option {
	return func(r *Registry) {
		r.intn = intn
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{intn: rand.IntN}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Mint returns a token which is not pending at the time of the call.
// The token is not reserved and another caller may register it first.
// Callers parking a connection should use Issue, which mints and registers
// atomically; Mint followed by Register must handle ErrTokenInUse.
func (r *Registry) Mint() protocol.Token {
	for {
		t := protocol.RandomToken(r.intn)
		if _, ok := r.pending.Load(t); !ok {
			return t
		}
	}
}

// Register parks conn under t.
func (r *Registry) Register(t protocol.Token, conn net.Conn) error {
	if !t.Valid() {
		return fmt.Errorf("registering %q: %w", t.String(), protocol.ErrInvalidToken)
	}

	if _, loaded := r.pending.LoadOrStore(t, conn); loaded {
		return fmt.Errorf("registering %q: %w", t.String(), ErrTokenInUse)
	}

	return nil
}

// Issue mints a fresh token and registers conn under it, retrying on collision.
func (r *Registry) Issue(conn net.Conn) protocol.Token {
	for {
		t := protocol.RandomToken(r.intn)
		if _, loaded := r.pending.LoadOrStore(t, conn); !loaded {
			return t
		}
	}
}

// Claim removes t from the registry and returns the connection it held.
func (r *Registry) Claim(t protocol.Token) (net.Conn, error) {
	conn, ok := r.pending.LoadAndDelete(t)
	if !ok {
		return nil, fmt.Errorf("claiming %q: %w", t.String(), ErrNotFound)
	}

	return conn, nil
}

// Len returns the number of pending connections.
func (r *Registry) Len() (n int) {
	r.pending.Range(func(protocol.Token, net.Conn) bool {
		n++
		return true
	})

	return
}

// CloseAll claims and closes every pending connection.
func (r *Registry) CloseAll() {
	r.pending.Range(func(t protocol.Token, _ net.Conn) bool {
		if conn, err := r.Claim(t); err == nil {
			_ = conn.Close()
		}

		return true
	})
}
