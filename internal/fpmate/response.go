package fpmate

import (
	"fmt"
	"regexp"
	"time"
)

// errorBody matches device responses that report failure regardless of the
// HTTP status code. Standalone words only: "errorless" must not match.
var errorBody = regexp.MustCompile(`(?i)\b(error|fault|ko)\b`)

// IsErrorBody reports whether a device response body signals a failure.
func IsErrorBody(body string) bool {
	return errorBody.MatchString(body)
}

// receiptIDKeys are tried in order when extracting a receipt identifier.
var receiptIDKeys = []string{"receipt_id", "document_number", "progressive_number"}

var receiptIDPatterns = func() []*regexp.Regexp {
	ps := make([]*regexp.Regexp, 0, len(receiptIDKeys))
	for _, key := range receiptIDKeys {
		// Loose name=value matching: attribute, JSON, or element form.
		ps = append(ps, regexp.MustCompile(`(?i)`+key+`["']?\s*[=:>]\s*["']?([A-Za-z0-9._/-]+)`))
	}
	return ps
}()

// ExtractReceiptID pulls a receipt identifier out of a device response body.
// Returns "" when no known field is present.
func ExtractReceiptID(body string) string {
	for _, p := range receiptIDPatterns {
		if m := p.FindStringSubmatch(body); m != nil {
			return m[1]
		}
	}
	return ""
}

// FallbackReceiptID synthesizes an identifier when the device response
// carries none, so the ack can still reference something stable.
func FallbackReceiptID(jobID string, now time.Time) string {
	var short []rune
	for _, r := range jobID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			short = append(short, r)
			if len(short) == 8 {
				break
			}
		}
	}
	if len(short) == 0 {
		short = []rune("x")
	}
	return fmt.Sprintf("RT-%s-%d", string(short), now.UnixMilli())
}
