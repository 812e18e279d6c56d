// Package transport delivers rendered documents to floor hardware: raw
// ESC/POS bytes over TCP to thermal printers, FPMate XML over HTTP to RT
// fiscal devices. Both paths share the same two-attempt retry policy.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"
)

// DefaultTCPTimeout bounds the whole connect/write/close cycle.
const DefaultTCPTimeout = 25 * time.Second

// ErrPrinterTimeout is the operator-facing error for any socket timeout.
var ErrPrinterTimeout = errors.New("Timeout stampante")

// SendRaw writes the full buffer to host:port with the default timeout.
func SendRaw(ctx context.Context, host string, port int, data []byte) error {
	return SendRawTimeout(ctx, host, port, data, DefaultTCPTimeout)
}

// SendRawTimeout opens a TCP connection with NoDelay, writes the entire
// buffer, half-closes, and waits for the printer to close its side.
func SendRawTimeout(ctx context.Context, host string, port int, data []byte, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return mapTimeout(err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	if _, err := conn.Write(data); err != nil {
		return mapTimeout(err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}

	// Drain until the printer acknowledges with an orderly close.
	if _, err := io.Copy(io.Discard, conn); err != nil {
		return mapTimeout(err)
	}
	return nil
}

// mapTimeout collapses every flavor of socket timeout into the single
// operator-facing message; other errors surface verbatim.
func mapTimeout(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrPrinterTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrPrinterTimeout
	}
	return err
}
