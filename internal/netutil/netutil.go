// Package netutil classifies connection errors and bridges connections.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection termination:
// EOF, closed connection, broken pipe or connection reset. Both sides of a
// relayed connection are fully closed on teardown so the surviving side
// observes one of these rather than a clean EOF.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}

	return false
}

type copyResult struct {
	written int64
	err     error
}

// Bridge copies bytes bidirectionally between a and b until either direction
// ends, then closes both connections and waits for the other direction.
// It returns the error of the direction which ended first unless that error
// is an expected close.
func Bridge(a, b net.Conn) error {
	done := make(chan copyResult, 2)

	go func() {
		n, err := io.Copy(b, a)
		done <- copyResult{n, err}
	}()

	go func() {
		n, err := io.Copy(a, b)
		done <- copyResult{n, err}
	}()

	first := <-done
	a.Close()
	b.Close()
	<-done

	if first.err != nil && !IsExpectedCloseError(first.err) {
		return first.err
	}

	return nil
}
