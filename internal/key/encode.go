package key

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/text/encoding/unicode"
)

// Type tag bytes. Gaps between tags leave room for future key types without
// re-encoding stored data; 0x00 stays reserved as the array terminator so
// that a prefix array always sorts before its extensions.
const (
	tagNumber = 0x10
	tagDate   = 0x20
	tagString = 0x30
	tagBinary = 0x40
	tagArray  = 0x50

	arrayTerm = 0x00
)

var (
	utf16BE = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
)

// Encode serialises a key to bytes such that bytes.Compare on two encodings
// matches Compare on the keys.
func Encode(k Key) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, k)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, k Key) {
	switch k.typ {
	case TypeNumber:
		buf.WriteByte(tagNumber)
		encodeDouble(buf, k.num)
	case TypeDate:
		buf.WriteByte(tagDate)
		encodeDouble(buf, k.num)
	case TypeString:
		buf.WriteByte(tagString)
		encodeStuffed(buf, utf16Bytes(k.str))
	case TypeBinary:
		buf.WriteByte(tagBinary)
		encodeStuffed(buf, k.bin)
	case TypeArray:
		buf.WriteByte(tagArray)
		for _, e := range k.arr {
			encodeInto(buf, e)
		}
		buf.WriteByte(arrayTerm)
	default:
		panic(fmt.Sprintf("key: encode of zero key (type %d)", k.typ))
	}
}

// encodeDouble writes the big-endian IEEE-754 bits, post-processed so lexical
// byte order equals numeric order: non-negatives get the sign bit toggled,
// negatives get every bit toggled.
func encodeDouble(buf *bytes.Buffer, f float64) {
	bits := math.Float64bits(f)
	if bits&(1<<63) == 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	buf.Write(b[:])
}

// encodeStuffed writes raw bytes with every 0x00 stuffed to the pair 00 01,
// then a 00 00 terminator. The stuffing keeps the terminator unambiguous and
// preserves lexical order (00 01 sorts below every surviving byte pair that
// starts with a non-zero byte, and a prefix still sorts first).
//
// Stuffing is applied per byte, not per UTF-16 code unit: escaping only the
// U+0000 code unit would make an encoded U+0001 (bytes 00 01)
// indistinguishable from an escaped NUL.
func encodeStuffed(buf *bytes.Buffer, raw []byte) {
	for _, b := range raw {
		buf.WriteByte(b)
		if b == 0x00 {
			buf.WriteByte(0x01)
		}
	}
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)
}

// utf16Bytes transcodes a Go (UTF-8) string to big-endian UTF-16 bytes.
func utf16Bytes(s string) []byte {
	out, err := utf16BE.NewEncoder().Bytes([]byte(s))
	if err != nil {
		// The encoder substitutes rather than fails for well-formed UTF-8;
		// a Go string is always well-formed by the time it gets here.
		panic(fmt.Sprintf("key: utf16 encode: %v", err))
	}
	return out
}

// Decode is the exact inverse of Encode. It fails on trailing bytes, unknown
// tags, and truncated payloads. For backwards compatibility with encodings
// that predate strict termination, a string or binary payload ending at the
// buffer end without its 00 00 terminator is accepted, and so is an array
// whose final 00 terminator is missing at the buffer end.
func Decode(b []byte) (Key, error) {
	r := &reader{buf: b}
	k, err := decodeKey(r)
	if err != nil {
		return Key{}, err
	}
	if r.pos != len(b) {
		return Key{}, fmt.Errorf("key: %d trailing bytes after decoded key", len(b)-r.pos)
	}
	return k, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) next() (byte, bool) {
	if r.pos >= len(r.buf) {
		return 0, false
	}
	b := r.buf[r.pos]
	r.pos++
	return b, true
}

func (r *reader) peek() (byte, bool) {
	if r.pos >= len(r.buf) {
		return 0, false
	}
	return r.buf[r.pos], true
}

func decodeKey(r *reader) (Key, error) {
	tag, ok := r.next()
	if !ok {
		return Key{}, fmt.Errorf("key: empty encoding")
	}
	switch tag {
	case tagNumber:
		f, err := decodeDouble(r)
		if err != nil {
			return Key{}, err
		}
		return Key{typ: TypeNumber, num: f}, nil
	case tagDate:
		f, err := decodeDouble(r)
		if err != nil {
			return Key{}, err
		}
		return Key{typ: TypeDate, num: f}, nil
	case tagString:
		raw, err := decodeStuffed(r)
		if err != nil {
			return Key{}, err
		}
		s, err := utf16String(raw)
		if err != nil {
			return Key{}, err
		}
		return Key{typ: TypeString, str: s}, nil
	case tagBinary:
		raw, err := decodeStuffed(r)
		if err != nil {
			return Key{}, err
		}
		return Key{typ: TypeBinary, bin: raw}, nil
	case tagArray:
		var elems []Key
		for {
			b, ok := r.peek()
			if !ok {
				// Truncated array end; tolerated like unterminated strings.
				break
			}
			if b == arrayTerm {
				r.pos++
				break
			}
			e, err := decodeKey(r)
			if err != nil {
				return Key{}, err
			}
			elems = append(elems, e)
		}
		if elems == nil {
			elems = []Key{}
		}
		return Key{typ: TypeArray, arr: elems}, nil
	default:
		return Key{}, fmt.Errorf("key: unknown type tag 0x%02x", tag)
	}
}

func decodeDouble(r *reader) (float64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("key: truncated double (%d of 8 bytes)", len(r.buf)-r.pos)
	}
	bits := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	if bits&(1<<63) != 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits), nil
}

// decodeStuffed reads bytes up to the 00 00 terminator, undoing the 00 01
// stuffing. Running off the end of the buffer ends the payload (legacy
// unterminated form).
func decodeStuffed(r *reader) ([]byte, error) {
	out := []byte{}
	for {
		b, ok := r.next()
		if !ok {
			return out, nil
		}
		if b != 0x00 {
			out = append(out, b)
			continue
		}
		esc, ok := r.next()
		if !ok {
			return out, nil
		}
		switch esc {
		case 0x00:
			return out, nil
		case 0x01:
			out = append(out, 0x00)
		default:
			return nil, fmt.Errorf("key: invalid escape 00 %02x", esc)
		}
	}
}

// utf16String transcodes big-endian UTF-16 bytes back to a Go string.
func utf16String(raw []byte) (string, error) {
	if len(raw)%2 != 0 {
		return "", fmt.Errorf("key: odd-length utf16 payload (%d bytes)", len(raw))
	}
	out, err := utf16BE.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("key: utf16 decode: %w", err)
	}
	return string(out), nil
}
