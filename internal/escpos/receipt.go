package escpos

import "strings"

// Receipt is the payload of a non-fiscal courtesy receipt job.
type Receipt struct {
	RestaurantName string
	Ayce           float64
	Cover          float64
	Extra          float64
	Total          float64
	PaymentMethod  string // "card" prints Carta, anything else Contanti
}

// PaymentLabel maps a payment method to the label printed on receipts.
func PaymentLabel(method string) string {
	if strings.EqualFold(strings.TrimSpace(method), "card") {
		return "Carta"
	}
	return "Contanti"
}

// RenderReceipt turns a courtesy receipt into an ESC/POS byte stream.
// The document is explicitly marked NON FISCALE.
func RenderReceipt(r Receipt) []byte {
	frame := strings.Repeat("=", lineWidth)

	b := &builder{}
	b.addPlain(frame)
	b.addPlain(center(strings.ToUpper(r.RestaurantName)))
	b.addPlain(frame)
	b.addPlain(amountRow("AYCE", r.Ayce))
	b.addPlain(amountRow("Coperto", r.Cover))
	if r.Extra > 0 {
		b.addPlain(amountRow("Extra", r.Extra))
	}
	b.addPlain(strings.Repeat("-", lineWidth))
	b.addPlain(amountRow("TOTALE", r.Total))
	b.addPlain(PaymentLabel(r.PaymentMethod))
	b.addPlain(frame)
	b.addPlain(center("Grazie per la visita!"))
	b.addPlain(center("*** NON FISCALE ***"))
	return b.bytes()
}
