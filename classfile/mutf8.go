package classfile

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf16"
)

// ---------------------------------------------------------------------------
// Modified UTF-8: the class-file string encoding
// ---------------------------------------------------------------------------

// The class-file format stores strings in a modified UTF-8 dialect: the NUL
// code point is encoded as the two-byte pair 0xC0 0x80, four-byte sequences
// never occur, and supplementary code points are stored as UTF-16 surrogate
// pairs with each half in the three-byte form. Malformed input is rejected
// rather than replaced.

// decodeMUTF8 decodes modified UTF-8 bytes into a Go string.
func decodeMUTF8(data []byte) (string, error) {
	var sb strings.Builder
	sb.Grow(len(data))

	var pending rune // high surrogate waiting for its pair, 0 if none

	flush := func() {
		if pending != 0 {
			sb.WriteRune(unicode.ReplacementChar) // unpaired high surrogate
			pending = 0
		}
	}

	i := 0
	for i < len(data) {
		b := data[i]
		switch {
		case b == 0x00 || b >= 0xF0:
			return "", fmt.Errorf("invalid modified UTF-8 byte 0x%02x at %d", b, i)

		case b < 0x80:
			flush()
			sb.WriteByte(b)
			i++

		case b&0xE0 == 0xC0:
			if i+1 >= len(data) || data[i+1]&0xC0 != 0x80 {
				return "", fmt.Errorf("truncated two-byte sequence at %d", i)
			}
			flush()
			r := rune(b&0x1F)<<6 | rune(data[i+1]&0x3F)
			sb.WriteRune(r)
			i += 2

		case b&0xF0 == 0xE0:
			if i+2 >= len(data) || data[i+1]&0xC0 != 0x80 || data[i+2]&0xC0 != 0x80 {
				return "", fmt.Errorf("truncated three-byte sequence at %d", i)
			}
			r := rune(b&0x0F)<<12 | rune(data[i+1]&0x3F)<<6 | rune(data[i+2]&0x3F)
			i += 3
			switch {
			case utf16.IsSurrogate(r) && r < 0xDC00:
				flush()
				pending = r
			case utf16.IsSurrogate(r):
				if pending == 0 {
					sb.WriteRune(unicode.ReplacementChar) // unpaired low surrogate
				} else {
					sb.WriteRune(utf16.DecodeRune(pending, r))
					pending = 0
				}
			default:
				flush()
				sb.WriteRune(r)
			}

		default:
			return "", fmt.Errorf("invalid modified UTF-8 byte 0x%02x at %d", b, i)
		}
	}
	flush()

	return sb.String(), nil
}

// encodeMUTF8 encodes a Go string into modified UTF-8 bytes.
func encodeMUTF8(s string) []byte {
	out := make([]byte, 0, len(s))

	write3 := func(r rune) {
		out = append(out,
			0xE0|byte(r>>12),
			0x80|byte(r>>6)&0x3F,
			0x80|byte(r)&0x3F)
	}

	for _, r := range s {
		switch {
		case r == 0:
			out = append(out, 0xC0, 0x80)
		case r < 0x80:
			out = append(out, byte(r))
		case r < 0x800:
			out = append(out, 0xC0|byte(r>>6), 0x80|byte(r)&0x3F)
		case r <= 0xFFFF:
			write3(r)
		default:
			hi, lo := utf16.EncodeRune(r)
			write3(hi)
			write3(lo)
		}
	}
	return out
}
