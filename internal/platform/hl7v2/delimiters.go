package hl7v2

import "strings"

// Delimiters are the separator characters a message declares in MSH-1 and
// MSH-2. Truncation is zero when MSH-2 only carries four characters.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	EscapeChar   byte
	SubComponent byte
	Truncation   byte
}

// DefaultDelimiters is the conventional |^~\& set.
var DefaultDelimiters = Delimiters{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	EscapeChar:   '\\',
	SubComponent: '&',
}

// EncodingCharacters returns the MSH-2 value for d.
func (d Delimiters) EncodingCharacters() string {
	chars := []byte{d.Component, d.Repetition, d.EscapeChar, d.SubComponent}
	if d.Truncation != 0 {
		chars = append(chars, d.Truncation)
	}
	return string(chars)
}

// parseDelimiters reads MSH-1 and MSH-2 from the first segment line.
func parseDelimiters(msh string) (Delimiters, error) {
	if len(msh) < 4 {
		return Delimiters{}, unsupported("MSH-1 field separator is missing")
	}
	d := Delimiters{Field: msh[3]}
	if !validDelimiter(d.Field) {
		return Delimiters{}, unsupported("invalid field separator %q", d.Field)
	}

	enc := msh[4:]
	if i := strings.IndexByte(enc, d.Field); i >= 0 {
		enc = enc[:i]
	}
	if len(enc) < 4 || len(enc) > 5 {
		return Delimiters{}, unsupported("MSH-2 must declare 4 or 5 encoding characters, got %q", enc)
	}

	seen := map[byte]bool{d.Field: true}
	for i := 0; i < len(enc); i++ {
		c := enc[i]
		if !validDelimiter(c) {
			return Delimiters{}, unsupported("invalid encoding character %q in MSH-2", c)
		}
		if seen[c] {
			return Delimiters{}, unsupported("duplicate delimiter %q in MSH-2", c)
		}
		seen[c] = true
	}

	d.Component = enc[0]
	d.Repetition = enc[1]
	d.EscapeChar = enc[2]
	d.SubComponent = enc[3]
	if len(enc) == 5 {
		d.Truncation = enc[4]
	}
	return d, nil
}

func validDelimiter(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return false
	case c == ' ', c == '\t', c == '\r', c == '\n':
		return false
	case c < 0x20 || c > 0x7e:
		return false
	}
	return true
}

// Unescape replaces the \F\ \S\ \T\ \R\ \E\ escape sequences in s with the
// delimiters they stand for. Other sequences are left untouched.
func (d Delimiters) Unescape(s string) string {
	esc := d.EscapeChar
	if esc == 0 || strings.IndexByte(s, esc) < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == esc && i+2 < len(s) && s[i+2] == esc {
			var r byte
			switch s[i+1] {
			case 'F':
				r = d.Field
			case 'S':
				r = d.Component
			case 'T':
				r = d.SubComponent
			case 'R':
				r = d.Repetition
			case 'E':
				r = d.EscapeChar
			}
			if r != 0 {
				b.WriteByte(r)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Escape is the inverse of Unescape.
func (d Delimiters) Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		var code byte
		switch c {
		case d.Field:
			code = 'F'
		case d.Component:
			code = 'S'
		case d.SubComponent:
			code = 'T'
		case d.Repetition:
			code = 'R'
		case d.EscapeChar:
			code = 'E'
		}
		if code == 0 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte(d.EscapeChar)
		b.WriteByte(code)
		b.WriteByte(d.EscapeChar)
	}
	return b.String()
}
