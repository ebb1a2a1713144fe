package client

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// DefaultSecret is the control secret a relay accepts when started without
// explicit secret configuration.
const DefaultSecret = "MCServerOnOC"

// Authenticator supplies the control secret presented to the relay.
// It is called once per dial so that rotated secrets are picked up on reconnect.
type Authenticator interface {
	Secret(context.Context) (string, error)
}

// AuthenticatorFunc is a function which implements the Authenticator interface
type AuthenticatorFunc func(context.Context) (string, error)

// Secret delegates to the underlying AuthenticatorFunc
func (a AuthenticatorFunc) Secret(ctx context.Context) (string, error) {
	return a(ctx)
}

var defaultAuthenticator Authenticator = AuthenticatorFunc(func(context.Context) (string, error) {
	slog.Warn("No authenticator provided, attempting to register with the default secret")
	return DefaultSecret, nil
})

// SecretAuthenticator returns an Authenticator which always presents secret.
func SecretAuthenticator(secret string) Authenticator {
	return AuthenticatorFunc(func(context.Context) (string, error) {
		return secret, nil
	})
}

// FileAuthenticator returns an Authenticator which reads the secret from the
// file at path on every dial. Surrounding whitespace is ignored.
func FileAuthenticator(path string) Authenticator {
	return AuthenticatorFunc(func(context.Context) (string, error) {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}

		secret := strings.TrimSpace(string(contents))
		if secret == "" {
			return "", fmt.Errorf("reading secret: %q is empty", path)
		}

		return secret, nil
	})
}
