package escpos

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func sampleTicket() Ticket {
	return Ticket{
		RestaurantName: "Aoyama",
		Department:     "cucina",
		TableNumber:    "7",
		OrderNumber:    42,
		CreatedAt:      time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC),
		Items: []Item{
			{Name: "TUNA ROLL", Quantity: 2},
			{Name: "salmon nigiri", Quantity: 1, Notes: "no wasabi"},
		},
	}
}

func TestRenderTicketFraming(t *testing.T) {
	data := RenderTicket(sampleTicket())

	prologue := []byte{0x1b, 0x40, 0x1b, 0x4d, 0x01, 0x1b, 0x20, 0x02}
	if !bytes.HasPrefix(data, prologue) {
		t.Fatalf("expected init/FontB/spacing prologue, got % x", data[:8])
	}
	epilogue := []byte{0x1b, 0x64, 0x07, 0x1d, 0x56, 0x00}
	if !bytes.HasSuffix(data, epilogue) {
		t.Fatalf("expected feed+partial-cut epilogue, got % x", data[len(data)-6:])
	}
}

func TestRenderTicketContent(t *testing.T) {
	text := string(RenderTicket(sampleTicket()))

	for _, want := range []string{
		"COMANDA CUCINA #42",
		"TAVOLO: 7",
		"DATA: 2024/1/15 12:30",
		"2x Tuna Roll",
		"1x Salmon Nigiri",
		" Nota: no wasabi",
		"-- Aoyama --",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("ticket missing %q", want)
		}
	}
}

func TestRenderTicketLineClasses(t *testing.T) {
	data := RenderTicket(sampleTicket())

	// TAVOLO line is bold double-size.
	if !bytes.Contains(data, append([]byte{0x1b, 0x45, 0x01, 0x1d, 0x21, 0x11}, []byte("TAVOLO: 7")...)) {
		t.Error("TAVOLO line not bold/double")
	}
	// Header line is normal.
	if !bytes.Contains(data, append([]byte{0x1b, 0x45, 0x00, 0x1d, 0x21, 0x00}, []byte("COMANDA CUCINA #42")...)) {
		t.Error("COMANDA line not normal")
	}
	// Item line is bold double-size.
	if !bytes.Contains(data, append([]byte{0x1b, 0x45, 0x01, 0x1d, 0x21, 0x11}, []byte("2x Tuna Roll")...)) {
		t.Error("item line not bold/double")
	}
	// Notes line is normal.
	if !bytes.Contains(data, append([]byte{0x1b, 0x45, 0x00, 0x1d, 0x21, 0x00}, []byte(" Nota: no wasabi")...)) {
		t.Error("notes line not normal")
	}
}

func TestRenderTicketDeterministic(t *testing.T) {
	a := RenderTicket(sampleTicket())
	b := RenderTicket(sampleTicket())
	if !bytes.Equal(a, b) {
		t.Fatal("rendering is not deterministic")
	}
}

func TestRenderTicketNoDate(t *testing.T) {
	tk := sampleTicket()
	tk.CreatedAt = time.Time{}
	if strings.Contains(string(RenderTicket(tk)), "DATA:") {
		t.Fatal("zero CreatedAt should omit the DATA line")
	}
}

func TestRenderTicketDefaultDepartment(t *testing.T) {
	tk := sampleTicket()
	tk.Department = ""
	if !strings.Contains(string(RenderTicket(tk)), "COMANDA CUCINA #42") {
		t.Fatal("empty department should fall back to CUCINA")
	}
}

func TestPrettifyName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"TUNA ROLL", "Tuna Roll"},
		{"salmon nigiri", "salmon nigiri"},
		{"Dragon Roll", "Dragon Roll"},
		{"EBI  TEMPURA", "Ebi Tempura"},
		{"", ""},
	}
	for _, c := range cases {
		if got := prettifyName(c.in); got != c.want {
			t.Errorf("prettifyName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestWrap(t *testing.T) {
	lines := wrap("uno due tre quattro", 8)
	want := []string{"uno due", "tre", "quattro"}
	if len(lines) != len(want) {
		t.Fatalf("got %v", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("got %v, want %v", lines, want)
		}
	}

	// Oversized words hard-split.
	long := wrap("abcdefghij", 4)
	if len(long) != 3 || long[0] != "abcd" || long[1] != "efgh" || long[2] != "ij" {
		t.Fatalf("hard split got %v", long)
	}

	if got := wrap("", 10); len(got) != 1 || got[0] != "" {
		t.Fatalf("empty input got %v", got)
	}
}

func TestFormatEuro(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{12.34, "€ 12,34"},
		{-3.5, "€ 3,50"},
		{0, "€ 0,00"},
		{30, "€ 30,00"},
	}
	for _, c := range cases {
		if got := formatEuro(c.in); got != c.want {
			t.Errorf("formatEuro(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRenderReceipt(t *testing.T) {
	text := string(RenderReceipt(Receipt{
		RestaurantName: "Aoyama",
		Ayce:           25,
		Cover:          2,
		Extra:          3.5,
		Total:          30.5,
		PaymentMethod:  "cash",
	}))

	for _, want := range []string{
		"AOYAMA",
		"€ 25,00",
		"Coperto",
		"Extra",
		"€ 3,50",
		"TOTALE",
		"€ 30,50",
		"Contanti",
		"Grazie per la visita!",
		"*** NON FISCALE ***",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("receipt missing %q", want)
		}
	}
}

func TestRenderReceiptSkipsZeroExtra(t *testing.T) {
	text := string(RenderReceipt(Receipt{RestaurantName: "A", Total: 10}))
	if strings.Contains(text, "Extra") {
		t.Fatal("Extra row should be omitted when zero")
	}
}

func TestRenderReceiptCardPayment(t *testing.T) {
	text := string(RenderReceipt(Receipt{RestaurantName: "A", Total: 10, PaymentMethod: "card"}))
	if !strings.Contains(text, "Carta") {
		t.Fatal("card payment should print Carta")
	}
}

func TestAmountRowRightAligned(t *testing.T) {
	row := amountRow("TOTALE", 30.5)
	if !strings.HasPrefix(row, "TOTALE") || !strings.HasSuffix(row, "€ 30,50") {
		t.Fatalf("unexpected row %q", row)
	}
	// Rune width, not byte width: the euro sign is multi-byte.
	if n := len([]rune(row)); n != 42 {
		t.Fatalf("row width = %d, want 42", n)
	}
}
