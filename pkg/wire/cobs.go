package wire

import "errors"

// COBS (Consistent Overhead Byte Stuffing) removes every 0x00 from a byte
// sequence so that 0x00 can delimit frames on the serial link. The encoded
// form is the inner record of the canonical frame; the session brackets it
// with 0x00 delimiters before writing.

var (
	// ErrCOBSEmpty is returned when an empty buffer is handed to the decoder.
	ErrCOBSEmpty = errors.New("cobs: empty input")
	// ErrCOBSZero is returned when a 0x00 appears inside an encoded frame.
	ErrCOBSZero = errors.New("cobs: zero byte inside encoded frame")
	// ErrCOBSTruncated is returned when an overhead byte points past the end
	// of the buffer.
	ErrCOBSTruncated = errors.New("cobs: overhead byte exceeds frame length")
)

// EncodeCOBS encodes src so the result contains no 0x00 bytes.
func EncodeCOBS(src []byte) []byte {
	dst := make([]byte, 1, len(src)+1+len(src)/254)
	codeIdx := 0
	code := byte(1)
	for _, b := range src {
		if b == 0 {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
			continue
		}
		dst = append(dst, b)
		code++
		if code == 0xFF {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
		}
	}
	dst[codeIdx] = code
	return dst
}

// DecodeCOBS reverses EncodeCOBS. Malformed overhead bytes and embedded
// zeros are rejected with distinct errors so the receiver can count them.
func DecodeCOBS(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, ErrCOBSEmpty
	}
	dst := make([]byte, 0, len(src)-1)
	for i := 0; i < len(src); {
		code := src[i]
		if code == 0 {
			return nil, ErrCOBSZero
		}
		i++
		n := int(code) - 1
		if i+n > len(src) {
			return nil, ErrCOBSTruncated
		}
		for _, b := range src[i : i+n] {
			if b == 0 {
				return nil, ErrCOBSZero
			}
			dst = append(dst, b)
		}
		i += n
		if code != 0xFF && i < len(src) {
			dst = append(dst, 0)
		}
	}
	return dst, nil
}
