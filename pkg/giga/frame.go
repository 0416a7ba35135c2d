package giga

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/li195111/giga-bridge/pkg/wire"
)

const (
	// StartByte opens a legacy raw (form A) frame.
	StartByte = 0x7E
	// MaxFrameLen bounds the reassembly buffer and any declared payload.
	MaxFrameLen = 1024
	// MaxRawPayloadLen is the largest payload a form A frame can carry.
	MaxRawPayloadLen = MaxFrameLen - 7

	// minInnerLen is action + command + length + CRC with an empty payload.
	minInnerLen = 6
)

var (
	// ErrShortFrame is returned when a frame cannot hold the fixed fields.
	ErrShortFrame = errors.New("giga: frame too short")
	// ErrLengthMismatch is returned when the declared payload length does not
	// match the frame size.
	ErrLengthMismatch = errors.New("giga: declared length does not match frame")
	// ErrCRCMismatch is returned when the frame checksum fails.
	ErrCRCMismatch = errors.New("giga: crc mismatch")
	// ErrBadStart is returned by DecodeRaw when the 0x7E sentinel is missing.
	ErrBadStart = errors.New("giga: missing start byte")
	// ErrPayloadTooLarge is returned by the builders when the payload exceeds
	// what a frame can carry.
	ErrPayloadTooLarge = errors.New("giga: payload too large")
)

// BuildRaw assembles a legacy form A frame:
// START | Action | Command | Length LE | Payload | CRC LE.
// payload is the pre-encoded CBOR bytes.
func BuildRaw(action Action, command Command, payload []byte) ([]byte, uint16, error) {
	if len(payload) > MaxRawPayloadLen {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	frame := make([]byte, 0, len(payload)+7)
	frame = append(frame, StartByte)
	frame = append(frame, byte(action), byte(command))
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	// CRC covers action through payload, excluding the start byte.
	crc := wire.Checksum(frame[1:])
	frame = binary.LittleEndian.AppendUint16(frame, crc)
	return frame, crc, nil
}

// BuildCOBS assembles the inner encoding of a form B frame: the COBS-stuffed
// Action | Command | Length LE | Payload | CRC LE record. Callers bracket the
// result with 0x00 delimiters before writing.
func BuildCOBS(action Action, command Command, payload []byte) ([]byte, int, uint16, error) {
	if len(payload) > MaxFrameLen-minInnerLen {
		return nil, 0, 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	inner := make([]byte, 0, len(payload)+minInnerLen)
	inner = append(inner, byte(action), byte(command))
	inner = binary.LittleEndian.AppendUint16(inner, uint16(len(payload)))
	inner = append(inner, payload...)
	crc := wire.Checksum(inner)
	inner = binary.LittleEndian.AppendUint16(inner, crc)
	return wire.EncodeCOBS(inner), len(inner), crc, nil
}

// DecodeInner parses an already-unstuffed inner record. The declared length is
// bounds-checked against the buffer before anything else; the CRC verdict then
// decides whether the frame is trusted at all, and only afterwards is the
// payload handed to the CBOR decoder.
func DecodeInner(frame []byte) (*Record, error) {
	if len(frame) < minInnerLen {
		return nil, fmt.Errorf("%w: expected at least %d bytes, got %d", ErrShortFrame, minInnerLen, len(frame))
	}
	action := ActionFromByte(frame[0])
	command := CommandFromByte(frame[1])
	payloadLen := binary.LittleEndian.Uint16(frame[2:4])
	if int(payloadLen) != len(frame)-minInnerLen {
		return nil, fmt.Errorf("%w: declared %d, frame holds %d", ErrLengthMismatch, payloadLen, len(frame)-minInnerLen)
	}
	payloadBytes := frame[4 : 4+int(payloadLen)]
	crcBytes := frame[len(frame)-2:]
	crc := binary.LittleEndian.Uint16(crcBytes)
	calc := wire.Checksum(frame[:len(frame)-2])
	if crc != calc {
		return nil, fmt.Errorf("%w: expected %04X, got %04X", ErrCRCMismatch, calc, crc)
	}
	payload := map[string]interface{}{}
	if payloadLen > 0 {
		if err := cbor.Unmarshal(payloadBytes, &payload); err != nil {
			return nil, fmt.Errorf("cbor decode: %w", err)
		}
	}
	rec := &Record{
		Action:       action,
		Command:      command,
		PayloadLen:   payloadLen,
		PayloadBytes: append([]byte(nil), payloadBytes...),
		Payload:      payload,
		CRCBytes:     append([]byte(nil), crcBytes...),
		CRC:          crc,
	}
	return rec, nil
}

// DecodeRaw parses a legacy form A frame by stripping the 0x7E sentinel and
// delegating to DecodeInner.
func DecodeRaw(frame []byte) (*Record, error) {
	if len(frame) < 1+minInnerLen {
		return nil, fmt.Errorf("%w: expected at least %d bytes, got %d", ErrShortFrame, 1+minInnerLen, len(frame))
	}
	if frame[0] != StartByte {
		return nil, fmt.Errorf("%w: got %02X", ErrBadStart, frame[0])
	}
	return DecodeInner(frame[1:])
}
