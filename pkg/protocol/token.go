package protocol

import (
	"errors"
	"fmt"
)

const (
	// TokenLength is the fixed size of a session token on the wire.
	TokenLength = 5

	tokenMin byte = 32
	tokenMax byte = 126
)

// ErrInvalidToken is returned when a string cannot be used as a Token.
var ErrInvalidToken = errors.New("invalid token")

// Token is the capability identifying one pending or active external session.
// Every byte is printable ASCII in the range [32,126].
type Token [TokenLength]byte

// ParseToken converts s into a Token, validating its length and alphabet.
func ParseToken(s string) (t Token, _ error) {
	if len(s) != TokenLength {
		return t, fmt.Errorf("%w: length %d", ErrInvalidToken, len(s))
	}

	copy(t[:], s)

	if !t.Valid() {
		return t, fmt.Errorf("%w: %q", ErrInvalidToken, s)
	}

	return t, nil
}

// Valid reports whether every byte of t lies in the printable ASCII range.
func (t Token) Valid() bool {
	for _, b := range t {
		if b < tokenMin || b > tokenMax {
			return false
		}
	}

	return true
}

func (t Token) String() string {
	return string(t[:])
}

// RandomToken builds a Token from intn, which must return a value in [0, n).
func RandomToken(intn func(n int) int) (t Token) {
	span := int(tokenMax-tokenMin) + 1
	for i := range t {
		t[i] = tokenMin + byte(intn(span))
	}

	return t
}
