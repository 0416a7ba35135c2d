package giga

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Go maps do not preserve key order, but sensor-trigger resolution applies
// "final value wins" over the payload's declared order. MapKeyOrder walks the
// raw CBOR of a top-level map and returns its text keys in declared order.
// Only definite-length encodings are handled; the firmware emits nothing else.

var errIndefinite = errors.New("giga: indefinite-length cbor item")

// MapKeyOrder returns the text keys of a definite-length CBOR map in the
// order they appear in raw.
func MapKeyOrder(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	major := raw[0] >> 5
	if major != 5 {
		return nil, fmt.Errorf("giga: payload is not a cbor map (major type %d)", major)
	}
	count, i, err := cborArg(raw, 0)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, count)
	for n := uint64(0); n < count; n++ {
		key, next, err := cborTextItem(raw, i)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		i, err = cborSkip(raw, next)
		if err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// cborArg decodes the argument of the item at i and returns its value and the
// offset of the item's content.
func cborArg(b []byte, i int) (uint64, int, error) {
	if i >= len(b) {
		return 0, 0, fmt.Errorf("giga: truncated cbor at %d", i)
	}
	ai := b[i] & 0x1F
	switch {
	case ai < 24:
		return uint64(ai), i + 1, nil
	case ai == 24:
		if i+2 > len(b) {
			return 0, 0, fmt.Errorf("giga: truncated cbor at %d", i)
		}
		return uint64(b[i+1]), i + 2, nil
	case ai == 25:
		if i+3 > len(b) {
			return 0, 0, fmt.Errorf("giga: truncated cbor at %d", i)
		}
		return uint64(binary.BigEndian.Uint16(b[i+1 : i+3])), i + 3, nil
	case ai == 26:
		if i+5 > len(b) {
			return 0, 0, fmt.Errorf("giga: truncated cbor at %d", i)
		}
		return uint64(binary.BigEndian.Uint32(b[i+1 : i+5])), i + 5, nil
	case ai == 27:
		if i+9 > len(b) {
			return 0, 0, fmt.Errorf("giga: truncated cbor at %d", i)
		}
		return binary.BigEndian.Uint64(b[i+1 : i+9]), i + 9, nil
	case ai == 31:
		return 0, 0, errIndefinite
	default:
		return 0, 0, fmt.Errorf("giga: reserved cbor additional info %d", ai)
	}
}

// cborTextItem decodes a text string item at i.
func cborTextItem(b []byte, i int) (string, int, error) {
	if i >= len(b) {
		return "", 0, fmt.Errorf("giga: truncated cbor at %d", i)
	}
	if b[i]>>5 != 3 {
		return "", 0, fmt.Errorf("giga: map key is not text (major type %d)", b[i]>>5)
	}
	n, next, err := cborArg(b, i)
	if err != nil {
		return "", 0, err
	}
	end := next + int(n)
	if end > len(b) {
		return "", 0, fmt.Errorf("giga: truncated cbor text at %d", next)
	}
	return string(b[next:end]), end, nil
}

// cborSkip advances past the item at i.
func cborSkip(b []byte, i int) (int, error) {
	if i >= len(b) {
		return 0, fmt.Errorf("giga: truncated cbor at %d", i)
	}
	major := b[i] >> 5
	n, next, err := cborArg(b, i)
	if err != nil {
		return 0, err
	}
	switch major {
	case 0, 1: // unsigned / negative int
		return next, nil
	case 2, 3: // byte / text string
		end := next + int(n)
		if end > len(b) {
			return 0, fmt.Errorf("giga: truncated cbor string at %d", next)
		}
		return end, nil
	case 4: // array
		for j := uint64(0); j < n; j++ {
			next, err = cborSkip(b, next)
			if err != nil {
				return 0, err
			}
		}
		return next, nil
	case 5: // map
		for j := uint64(0); j < 2*n; j++ {
			next, err = cborSkip(b, next)
			if err != nil {
				return 0, err
			}
		}
		return next, nil
	case 6: // tag
		return cborSkip(b, next)
	default: // simple / float; the argument bytes are the whole content
		return next, nil
	}
}
