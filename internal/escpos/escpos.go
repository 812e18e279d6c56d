// Package escpos renders kitchen tickets and non-fiscal courtesy receipts
// as ESC/POS byte streams for 42-column thermal printers.
package escpos

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// lineWidth is the printable width of the target printers in Font B.
const lineWidth = 42

// Character size bytes for GS ! n.
const (
	sizeNormal byte = 0x00
	sizeDouble byte = 0x11 // 2x width, 2x height
)

// line is a single text line with its formatting class.
type line struct {
	text string
	bold bool
	size byte
}

// builder accumulates formatted lines and emits the final byte stream.
type builder struct {
	lines []line
}

func (b *builder) add(text string, bold bool, size byte) {
	b.lines = append(b.lines, line{text: text, bold: bold, size: size})
}

func (b *builder) addPlain(text string) {
	b.add(text, false, sizeNormal)
}

// bytes assembles the ESC/POS stream: initialize, select Font B, set
// character spacing, then each line with its bold/size toggles, then
// feed 7 lines and partial-cut.
func (b *builder) bytes() []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x1b, 0x40})       // ESC @  initialize
	buf.Write([]byte{0x1b, 0x4d, 0x01}) // ESC M 1  Font B
	buf.Write([]byte{0x1b, 0x20, 0x02}) // ESC SP 2  character spacing

	for _, ln := range b.lines {
		boldByte := byte(0x00)
		if ln.bold {
			boldByte = 0x01
		}
		buf.Write([]byte{0x1b, 0x45, boldByte}) // ESC E  bold
		buf.Write([]byte{0x1d, 0x21, ln.size})  // GS !  character size
		buf.WriteString(ln.text)
		buf.WriteByte('\n')
	}

	buf.Write([]byte{0x1b, 0x64, 0x07}) // ESC d 7  feed
	buf.Write([]byte{0x1d, 0x56, 0x00}) // GS V 0  partial cut
	return buf.Bytes()
}

// wrap word-wraps text to the given width. Words longer than the width
// are hard-split.
func wrap(text string, width int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	current := ""
	for _, word := range words {
		for utf8.RuneCountInString(word) > width {
			if current != "" {
				lines = append(lines, current)
				current = ""
			}
			runes := []rune(word)
			lines = append(lines, string(runes[:width]))
			word = string(runes[width:])
		}
		if current == "" {
			current = word
		} else if utf8.RuneCountInString(current)+1+utf8.RuneCountInString(word) <= width {
			current += " " + word
		} else {
			lines = append(lines, current)
			current = word
		}
	}
	if current != "" {
		lines = append(lines, current)
	}
	return lines
}

// prettifyName title-cases shouty all-caps dish names. Names that already
// contain lowercase letters are left alone.
func prettifyName(name string) string {
	if strings.IndexFunc(name, unicode.IsLower) >= 0 {
		return name
	}
	words := strings.Fields(name)
	for i, w := range words {
		runes := []rune(strings.ToLower(w))
		if len(runes) > 0 {
			runes[0] = unicode.ToUpper(runes[0])
		}
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

// formatEuro renders an absolute amount as "€ X,YY" with comma decimals.
func formatEuro(amount float64) string {
	s := strconv.FormatFloat(math.Abs(amount), 'f', 2, 64)
	return "€ " + strings.Replace(s, ".", ",", 1)
}

// amountRow lays out a label with a right-aligned amount on one 42-col line.
func amountRow(label string, amount float64) string {
	amt := formatEuro(amount)
	pad := lineWidth - utf8.RuneCountInString(label) - utf8.RuneCountInString(amt)
	if pad < 1 {
		pad = 1
	}
	return label + strings.Repeat(" ", pad) + amt
}

// center pads a line so it prints centered on the 42-col width.
func center(text string) string {
	n := utf8.RuneCountInString(text)
	if n >= lineWidth {
		return text
	}
	return strings.Repeat(" ", (lineWidth-n)/2) + text
}
