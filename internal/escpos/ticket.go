package escpos

import (
	"fmt"
	"strings"
	"time"
)

// Item is one dish on a kitchen ticket.
type Item struct {
	Name     string
	Quantity int
	Notes    string
}

// Ticket is the payload of a kitchen print job, already coerced to
// concrete types by the caller.
type Ticket struct {
	RestaurantName string
	Department     string
	TableNumber    string
	OrderNumber    int
	CreatedAt      time.Time // zero value omits the DATA line
	Items          []Item
}

// RenderTicket turns a kitchen ticket into an ESC/POS byte stream.
// Output is deterministic for a fixed CreatedAt.
func RenderTicket(t Ticket) []byte {
	dept := strings.ToUpper(strings.TrimSpace(t.Department))
	if dept == "" {
		dept = "CUCINA"
	}

	b := &builder{}
	b.addPlain(fmt.Sprintf("COMANDA %s #%d", dept, t.OrderNumber))
	b.add("TAVOLO: "+strings.ToUpper(t.TableNumber), true, sizeDouble)
	if !t.CreatedAt.IsZero() {
		at := t.CreatedAt
		b.addPlain(fmt.Sprintf("DATA: %d/%d/%d %02d:%02d",
			at.Year(), int(at.Month()), at.Day(), at.Hour(), at.Minute()))
	}
	b.addPlain(strings.Repeat("-", lineWidth))

	for _, item := range t.Items {
		qty := item.Quantity
		if qty < 1 {
			qty = 1
		}
		for _, ln := range wrap(fmt.Sprintf("%dx %s", qty, prettifyName(item.Name)), lineWidth) {
			b.add(ln, true, sizeDouble)
		}
		if notes := strings.TrimSpace(item.Notes); notes != "" {
			for _, ln := range wrap("Nota: "+notes, lineWidth-2) {
				b.addPlain(" " + ln)
			}
		}
	}

	b.addPlain(fmt.Sprintf("-- %s --", t.RestaurantName))
	return b.bytes()
}
