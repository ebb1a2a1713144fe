package protocol

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// ReplyOK is written by the relay once a handshake has been accepted.
	ReplyOK byte = 'o'
	// ReplyRejected is written by the relay before it closes a connection
	// whose handshake string was neither the control secret nor a pending token.
	ReplyRejected byte = 'n'

	// MaxHandshakeLength bounds the handshake string (excluding the terminator).
	MaxHandshakeLength = 256
)

var (
	// ErrRejected is returned to a dialer whose handshake was refused by the relay.
	ErrRejected = errors.New("handshake rejected")
	// ErrHandshakeTooLong is returned when no terminator is found within MaxHandshakeLength bytes.
	ErrHandshakeTooLong = errors.New("handshake too long")
	// ErrUnexpectedReply is returned when the relay replies with neither ReplyOK nor ReplyRejected.
	ErrUnexpectedReply = errors.New("unexpected handshake reply")
)

// AuthenticationHandler decides whether a handshake string is an accepted
// control secret.
type AuthenticationHandler interface {
	Authenticate(secret string) error
}

type AuthenticationHandlerFunc func(string) error

func (f AuthenticationHandlerFunc) Authenticate(secret string) error {
	return f(secret)
}

// WriteHandshake writes credential followed by the NUL terminator in a single write.
func WriteHandshake(w io.Writer, credential string) error {
	if strings.IndexByte(credential, 0) >= 0 {
		return errors.New("handshake: credential contains NUL")
	}

	if _, err := w.Write(append([]byte(credential), 0)); err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}

	return nil
}

// ReadHandshake reads a NUL terminated handshake string.
// It reads a single byte at a time so that no bytes following the
// terminator are consumed from r.
func ReadHandshake(r io.Reader) (string, error) {
	var (
		buf [1]byte
		str = make([]byte, 0, 16)
	)

	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if errors.Is(err, io.EOF) && len(str) > 0 {
				err = io.ErrUnexpectedEOF
			}

			return "", err
		}

		if buf[0] == 0 {
			return string(str), nil
		}

		if len(str) >= MaxHandshakeLength {
			return "", ErrHandshakeTooLong
		}

		str = append(str, buf[0])
	}
}

// ReadReply reads the relay's single byte handshake reply.
func ReadReply(r io.Reader) error {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("reading handshake reply: %w", err)
	}

	switch buf[0] {
	case ReplyOK:
		return nil
	case ReplyRejected:
		return ErrRejected
	default:
		return fmt.Errorf("%w: %q", ErrUnexpectedReply, buf[0])
	}
}

// Handshake presents credential on rw and waits for the relay's reply.
func Handshake(rw io.ReadWriter, credential string) error {
	if err := WriteHandshake(rw, credential); err != nil {
		return err
	}

	return ReadReply(rw)
}
