package scale

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

// The scale streams frames such as "  12.34lb\r\n" in continuous mode. Some
// firmware revisions set the high bit on digits and spaces.
var (
	frame   = regexp.MustCompile(`\d{1,3}\.\d{2}(?:lb|l)`)
	unit    = strings.NewReplacer("l", "", "b", "")
	newline = strings.NewReplacer("\r", "", "\n", "")

	highBit = map[byte]byte{
		0xa0: ' ',
		0xb0: '0', 0xb1: '1', 0xb2: '2', 0xb3: '3', 0xb4: '4',
		0xb5: '5', 0xb6: '6', 0xb7: '7', 0xb8: '8', 0xb9: '9',
	}
)

// maxBuffer bounds the text kept while waiting for a complete frame.
const maxBuffer = 256

// Normalize maps a raw serial chunk to printable ASCII. Chunks whose decimal
// point sits in the first three bytes (or that have none) are too short to
// carry a weight and are dropped.
func Normalize(data []byte) string {
	if bytes.IndexByte(data, '.') < 3 {
		return ""
	}
	var b strings.Builder
	for _, c := range data {
		if m, ok := highBit[c]; ok {
			c = m
		}
		if printable(c) {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func printable(c byte) bool {
	return (c >= 0x20 && c <= 0x7e) || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

// Decoder accumulates chunks until a weight frame is found.
type Decoder struct {
	buf string
}

// Feed adds a chunk and returns the first weight found in the buffer.
func (d *Decoder) Feed(data []byte) (float64, bool) {
	s := Normalize(data)
	if strings.TrimSpace(s) == "" {
		return 0, false
	}
	d.buf = newline.Replace(d.buf + s)
	m := frame.FindString(d.buf)
	if m == "" {
		if len(d.buf) > maxBuffer {
			d.buf = d.buf[len(d.buf)-maxBuffer:]
		}
		return 0, false
	}
	d.buf = ""
	w, err := strconv.ParseFloat(unit.Replace(m), 64)
	if err != nil {
		return 0, false
	}
	return w, true
}

func (d *Decoder) Reset() {
	d.buf = ""
}
