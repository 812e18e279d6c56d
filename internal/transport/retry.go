package transport

import (
	"context"
	"strings"
	"time"
)

const retryPause = 500 * time.Millisecond

// retriableTokens are the transient network failures worth a second attempt.
// The syscall mnemonics cover payloads that quote errno names; the phrases
// cover the Go runtime's own wording for the same conditions.
var retriableTokens = []string{
	"timeout",
	"econnreset",
	"ehostunreach",
	"econnrefused",
	"epipe",
	"connection reset",
	"connection refused",
	"no route to host",
	"broken pipe",
}

// IsRetriable reports whether an error looks like a transient network
// failure. Matching is case-insensitive on the error text.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, tok := range retriableTokens {
		if strings.Contains(msg, tok) {
			return true
		}
	}
	return false
}

// WithRetry runs op up to two times. The second attempt happens only for
// retriable errors, after a 500 ms pause. Non-retriable errors return
// immediately after the first attempt.
func WithRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !IsRetriable(err) {
		return err
	}

	select {
	case <-time.After(retryPause):
	case <-ctx.Done():
		return err
	}
	return op()
}

// Excerpt truncates a diagnostic string to at most n bytes before it is
// shipped upstream in ack metadata.
func Excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
