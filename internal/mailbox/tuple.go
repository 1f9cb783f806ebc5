package mailbox

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Type codes of packed tuple elements. Their numeric order defines the
// relative order of elements of different types.
const (
	codeBytes  byte = 0x01
	codeString byte = 0x02
	codeFloat  byte = 0x21

	// prefixEnd sorts after every element code.
	prefixEnd byte = 0xFF
)

// Key is an ordered tuple of []byte, string and float64 elements.
type Key []any

// Pack encodes k so that bytes.Compare on two packed keys agrees with
// element-wise tuple order, and a packed key is a byte prefix of every
// packed key that extends it.
func Pack(k Key) ([]byte, error) {
	out := make([]byte, 0, 32)
	for i, el := range k {
		var err error
		out, err = appendElement(out, el)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return out, nil
}

// MustPack is Pack for keys built from known element types.
func MustPack(k Key) []byte {
	b, err := Pack(k)
	if err != nil {
		panic(err)
	}
	return b
}

// Unpack decodes a key produced by Pack.
func Unpack(b []byte) (Key, error) {
	var k Key
	for len(b) > 0 {
		el, rest, err := readElement(b)
		if err != nil {
			return nil, err
		}
		k = append(k, el)
		b = rest
	}
	return k, nil
}

// PackValue encodes a single value with the same type tagging as keys, so
// a value read back keeps its Go type.
func PackValue(v any) ([]byte, error) {
	return Pack(Key{v})
}

// UnpackValue decodes a value produced by PackValue.
func UnpackValue(b []byte) (any, error) {
	k, err := Unpack(b)
	if err != nil {
		return nil, err
	}
	if len(k) != 1 {
		return nil, fmt.Errorf("%w: value holds %d elements", ErrMalformed, len(k))
	}
	return k[0], nil
}

// RangeEnd returns the exclusive upper bound of all keys under prefix.
func RangeEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = prefixEnd
	return end
}

func appendElement(out []byte, el any) ([]byte, error) {
	switch v := el.(type) {
	case []byte:
		return appendEscaped(append(out, codeBytes), v), nil
	case string:
		return appendEscaped(append(out, codeString), []byte(v)), nil
	case float64:
		bits := math.Float64bits(v)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		out = append(out, codeFloat)
		return binary.BigEndian.AppendUint64(out, bits), nil
	default:
		return nil, fmt.Errorf("%w: unsupported element type %T", ErrMalformed, el)
	}
}

// appendEscaped writes p terminated by 0x00, with embedded zero bytes
// written as 0x00 0xFF.
func appendEscaped(out, p []byte) []byte {
	for _, c := range p {
		out = append(out, c)
		if c == 0x00 {
			out = append(out, 0xFF)
		}
	}
	return append(out, 0x00)
}

func readElement(b []byte) (any, []byte, error) {
	switch b[0] {
	case codeBytes, codeString:
		raw, rest, err := readEscaped(b[1:])
		if err != nil {
			return nil, nil, err
		}
		if b[0] == codeString {
			return string(raw), rest, nil
		}
		return raw, rest, nil
	case codeFloat:
		if len(b) < 9 {
			return nil, nil, fmt.Errorf("%w: truncated float", ErrMalformed)
		}
		bits := binary.BigEndian.Uint64(b[1:9])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), b[9:], nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown type code 0x%02x", ErrMalformed, b[0])
	}
}

func readEscaped(b []byte) ([]byte, []byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			out = append(out, b[i])
			continue
		}
		if i+1 < len(b) && b[i+1] == 0xFF {
			out = append(out, 0x00)
			i++
			continue
		}
		return out, b[i+1:], nil
	}
	return nil, nil, fmt.Errorf("%w: unterminated element", ErrMalformed)
}
