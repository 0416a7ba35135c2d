package giga

import (
	"encoding/binary"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/li195111/giga-bridge/pkg/wire"
)

func mustCBOR(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestBuildCOBSRoundTrip(t *testing.T) {
	payloads := []map[string]interface{}{
		{},
		{"name": "trigger_1", "triggered": true},
		{"speed": uint64(100), "mode": uint64(0)},
		{"motors": []interface{}{"PMt", "PMb"}},
	}
	actions := []Action{ActionSend, ActionRead, ActionGiga}
	commands := []Command{
		CommandNone, CommandAck, CommandNack, CommandMotor,
		CommandSetID, CommandFile, CommandSensor, CommandSensorLow,
	}
	for _, action := range actions {
		for _, command := range commands {
			for _, payload := range payloads {
				body := mustCBOR(t, payload)
				cobsFrame, innerLen, crc, err := BuildCOBS(action, command, body)
				require.NoError(t, err)
				assert.Equal(t, len(body)+6, innerLen)
				assert.NotContains(t, cobsFrame, byte(0x00))

				inner, err := wire.DecodeCOBS(cobsFrame)
				require.NoError(t, err)
				rec, err := DecodeInner(inner)
				require.NoError(t, err)
				assert.Equal(t, action, rec.Action)
				assert.Equal(t, command, rec.Command)
				assert.Equal(t, uint16(len(body)), rec.PayloadLen)
				assert.Equal(t, body, rec.PayloadBytes)
				assert.Equal(t, crc, rec.CRC)
			}
		}
	}
}

func TestBuildRawDecodeRaw(t *testing.T) {
	body := mustCBOR(t, map[string]interface{}{})
	require.Equal(t, []byte{0xA0}, body)

	frame, crc, err := BuildRaw(ActionSend, CommandMotor, body)
	require.NoError(t, err)
	// START | Action | Command | Length LE | Payload | CRC LE
	assert.Equal(t, byte(0x7E), frame[0])
	assert.Equal(t, byte(0xAA), frame[1])
	assert.Equal(t, byte(0x03), frame[2])
	assert.Equal(t, []byte{0x01, 0x00}, frame[3:5])
	assert.Equal(t, byte(0xA0), frame[5])
	assert.Equal(t, crc, binary.LittleEndian.Uint16(frame[6:8]))
	assert.Len(t, frame, 8)

	rec, err := DecodeRaw(frame)
	require.NoError(t, err)
	assert.Equal(t, ActionSend, rec.Action)
	assert.Equal(t, CommandMotor, rec.Command)
	assert.Empty(t, rec.Payload)

	_, err = DecodeRaw(append([]byte{0x55}, frame[1:]...))
	assert.ErrorIs(t, err, ErrBadStart)
}

func TestDecodeInnerEmptyPayload(t *testing.T) {
	inner := []byte{0xAA, 0x01, 0x00, 0x00}
	crc := wire.Checksum(inner)
	inner = binary.LittleEndian.AppendUint16(inner, crc)

	rec, err := DecodeInner(inner)
	require.NoError(t, err)
	assert.Equal(t, ActionSend, rec.Action)
	assert.Equal(t, CommandAck, rec.Command)
	assert.Equal(t, uint16(0), rec.PayloadLen)
	assert.Empty(t, rec.PayloadBytes)
	assert.Empty(t, rec.Payload)
}

func TestDecodeInnerUnknownBytesMapToNone(t *testing.T) {
	// Unknown action/command bytes are not themselves errors; the CRC is the
	// integrity arbiter.
	inner := []byte{0x55, 0x7F, 0x01, 0x00, 0xA0}
	crc := wire.Checksum(inner)
	inner = binary.LittleEndian.AppendUint16(inner, crc)

	rec, err := DecodeInner(inner)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, rec.Action)
	assert.Equal(t, CommandNone, rec.Command)
}

func TestDecodeInnerShortFrame(t *testing.T) {
	for n := 0; n < 6; n++ {
		_, err := DecodeInner(make([]byte, n))
		assert.ErrorIs(t, err, ErrShortFrame, "len %d", n)
	}
}

func TestDecodeInnerLengthMismatch(t *testing.T) {
	inner := []byte{0xAA, 0x03, 0x05, 0x00, 0xA0} // declares 5, holds 1
	crc := wire.Checksum(inner)
	inner = binary.LittleEndian.AppendUint16(inner, crc)

	_, err := DecodeInner(inner)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestDecodeInnerCBORError(t *testing.T) {
	// Valid CRC around a payload that is not CBOR map bytes.
	inner := []byte{0xAA, 0x03, 0x02, 0x00, 0xFF, 0xFF}
	crc := wire.Checksum(inner)
	inner = binary.LittleEndian.AppendUint16(inner, crc)

	_, err := DecodeInner(inner)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCRCMismatch)
}

func TestSingleBitFlipIsRejected(t *testing.T) {
	body := mustCBOR(t, map[string]interface{}{"name": "trigger_1", "triggered": true})
	cobsFrame, _, _, err := BuildCOBS(ActionSend, CommandSensor, body)
	require.NoError(t, err)
	inner, err := wire.DecodeCOBS(cobsFrame)
	require.NoError(t, err)

	for i := 0; i < len(inner); i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte{}, inner...)
			corrupted[i] ^= 1 << bit
			_, err := DecodeInner(corrupted)
			require.Error(t, err, "flip byte %d bit %d", i, bit)
			if i != 2 && i != 3 {
				// Outside the length field every flip is caught by the CRC;
				// a corrupted length is caught by the bounds check first.
				assert.ErrorIs(t, err, ErrCRCMismatch, "flip byte %d bit %d", i, bit)
			}
		}
	}
}

func TestBuildPayloadTooLarge(t *testing.T) {
	big := make([]byte, MaxFrameLen)
	_, _, err := BuildRaw(ActionSend, CommandFile, big)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	_, _, _, err = BuildCOBS(ActionSend, CommandFile, big)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
