package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
)

// ErrUnauthorized is returned when a presented secret is not accepted
var ErrUnauthorized = errors.New("unauthorized")

const unauthorizedMsg = "control handshake unauthorized"

// Authenticator accepts a secret when any one of its handlers does.
// An empty Authenticator accepts nothing.
type Authenticator []Handler

func (a Authenticator) Authenticate(secret string) error {
	if len(a) == 0 {
		slog.Debug(unauthorizedMsg, "reason", "no secrets configured")
		return ErrUnauthorized
	}

	// every handler is consulted so the time taken does not reveal which matched
	var accepted bool
	for _, handler := range a {
		if err := handler.Authenticate(secret); err == nil {
			accepted = true
		}
	}

	if !accepted {
		return ErrUnauthorized
	}

	return nil
}

type Handler interface {
	Authenticate(secret string) error
}

type AuthenticationHandlerFunc func(secret string) error

func (r AuthenticationHandlerFunc) Authenticate(secret string) error {
	return r(secret)
}

// HandleSecret compares the presented secret with the expected value
func HandleSecret(expected string) Handler {
	expectedSecret := safeComparator(expected)

	return AuthenticationHandlerFunc(func(secret string) error {
		if !expectedSecret(secret) {
			return errors.New("secret: unexpected value")
		}

		return nil
	})
}

// HandleSecretHashed compares the presented secret with a secret which has been
// pre-hashed using sha256 and encoded as a hexidecimal string
func HandleSecretHashed(hashedSecret string) (Handler, error) {
	expected, err := hex.DecodeString(hashedSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding hashed secret: %w", err)
	}

	if len(expected) != sha256.Size {
		return nil, fmt.Errorf("hashed secret: expected %d bytes, found %d", sha256.Size, len(expected))
	}

	return AuthenticationHandlerFunc(func(secret string) error {
		sum := sha256.Sum256([]byte(secret))
		if subtle.ConstantTimeCompare(expected, sum[:]) != 1 {
			return errors.New("hashed secret: unexpected value")
		}

		return nil
	}), nil
}

// CredentialSource supplies the sha256 digest of an expected secret.
// It is consulted on every handshake so rotated values take effect immediately.
type CredentialSource interface {
	GetCredential() ([]byte, error)
}

// HandleCredentialSource compares the presented secret with the digest
// currently held by source
func HandleCredentialSource(source CredentialSource) Handler {
	return AuthenticationHandlerFunc(func(secret string) error {
		expected, err := source.GetCredential()
		if err != nil {
			slog.Error("Retrieving credential", "error", err)
			return fmt.Errorf("source: %w", err)
		}

		sum := sha256.Sum256([]byte(secret))
		if subtle.ConstantTimeCompare(expected, sum[:]) != 1 {
			return errors.New("source: unexpected value")
		}

		return nil
	})
}

func safeComparator(expected string) func(string) bool {
	expectedSum := sha256.Sum256([]byte(expected))
	return func(presented string) bool {
		presentedSum := sha256.Sum256([]byte(presented))
		return subtle.ConstantTimeCompare(expectedSum[:], presentedSum[:]) == 1
	}
}
