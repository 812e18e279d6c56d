// Package fpmate builds Epson FPMate XML documents for RT fiscal printers
// and parses device responses.
//
// The documents are assembled by hand: the FPMate endpoint is picky about
// element and attribute layout, so the exact shape is kept under our control
// instead of going through a marshaller.
package fpmate

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultAPIPath is the FPMate CGI endpoint on Epson RT devices.
const DefaultAPIPath = "/cgi-bin/fpmate.cgi"

// DefaultPort is the HTTP port Epson RT devices listen on.
const DefaultPort = 8008

// ReceiptRequest describes one fiscal receipt to print.
type ReceiptRequest struct {
	TableNumber   string
	TotalAmount   float64
	PaymentMethod string // "card" pays ELETTRONICO, anything else CONTANTI
}

// escape replaces the five XML special characters in attribute values.
func escape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}

// cents converts a euro amount to integer cents, never below 1.
func cents(amount float64) int {
	c := int(math.Round(math.Abs(amount) * 100))
	if c < 1 {
		c = 1
	}
	return c
}

// paymentDescription maps a payment method to the fiscal total description.
func paymentDescription(method string) string {
	if strings.EqualFold(strings.TrimSpace(method), "card") {
		return "ELETTRONICO"
	}
	return "CONTANTI"
}

// BuildReceipt produces the FPMessage document for a fiscal receipt:
// a single item line for the table's total, one total with the matching
// payment, framed by begin/end.
func BuildReceipt(req ReceiptRequest) string {
	amount := cents(req.TotalAmount)
	desc := escape(fmt.Sprintf("Sushiamo Tavolo %s", strings.TrimSpace(req.TableNumber)))
	pay := paymentDescription(req.PaymentMethod)

	var b strings.Builder
	b.WriteString("<FPMessage>")
	b.WriteString("<printerFiscalReceipt>")
	b.WriteString(`<beginFiscalReceipt operator="1" />`)
	b.WriteString(fmt.Sprintf(
		`<printRecItem description="%s" price="%d" quantity="1" department="1" vatCode="1" />`,
		desc, amount))
	b.WriteString(fmt.Sprintf(
		`<printRecTotal description="%s" payment="%d" />`,
		pay, amount))
	b.WriteString("<endFiscalReceipt />")
	b.WriteString("</printerFiscalReceipt>")
	b.WriteString("</FPMessage>")
	return b.String()
}

// BuildConnectivityTest produces a non-fiscal document used to verify that
// an RT device is reachable and answering, without touching the fiscal memory.
func BuildConnectivityTest(now time.Time) string {
	stamp := escape(now.Format("2006-01-02 15:04:05"))

	var b strings.Builder
	b.WriteString("<FPMessage>")
	b.WriteString("<printerNonFiscal>")
	b.WriteString(`<beginNonFiscal operator="1" />`)
	b.WriteString(`<printNormal font="1" data="Sushiamo - test collegamento" />`)
	b.WriteString(fmt.Sprintf(`<printNormal font="1" data="%s" />`, stamp))
	b.WriteString("<endNonFiscal />")
	b.WriteString("</printerNonFiscal>")
	b.WriteString("</FPMessage>")
	return b.String()
}
