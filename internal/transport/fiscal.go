package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sushiamo/desktop-bridge/internal/fpmate"
)

// Timeouts for fiscal POSTs: production receipts get more headroom than
// operator-initiated connectivity tests.
const (
	FiscalTimeout     = 20 * time.Second
	FiscalTestTimeout = 15 * time.Second
)

// Device addresses one RT fiscal printer on the LAN.
type Device struct {
	Host    string
	Port    int
	APIPath string
}

// URL builds the device endpoint, defaulting the path to "/".
func (d Device) URL() string {
	path := d.APIPath
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://" + net.JoinHostPort(d.Host, strconv.Itoa(d.Port)) + path
}

// PostFiscal sends an FPMate XML document to an RT device. A response is
// successful iff the HTTP status is 2xx and the body carries no error
// keyword; on success the extracted receipt id is returned ("" when the
// device reported none). Failures carry a bounded body excerpt.
func PostFiscal(ctx context.Context, dev Device, doc string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dev.URL(), strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("create fiscal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", mapTimeout(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", mapTimeout(err)
	}

	text := string(body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("RT device returned %d: %s", resp.StatusCode, Excerpt(text, 500))
	}
	if fpmate.IsErrorBody(text) {
		return "", fmt.Errorf("RT device rejected document: %s", Excerpt(text, 500))
	}
	return fpmate.ExtractReceiptID(text), nil
}
