package wire

import "github.com/sigurn/crc16"

// The Giga firmware validates frames with CRC-16/USB (poly 0x8005, init
// 0xFFFF, reflected, xorout 0xFFFF), emitted little-endian on the wire.
var crcTable = crc16.MakeTable(crc16.CRC16_USB)

// Checksum computes the CRC-16/USB checksum over data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}
