// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package checksum

import "github.com/sigurn/crc16"

var (
	ccittTable  = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)
	modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)
	xmodemTable = crc16.MakeTable(crc16.CRC16_XMODEM)
)

// CCITT computes CRC-16-CCITT (poly 0x1021, init 0xFFFF, no reflection).
func CCITT(data []byte) uint16 {
	return crc16.Checksum(data, ccittTable)
}

// XMODEM computes CRC-16 with poly 0x1021 and a zero initial value. Running
// it over a message followed by its big-endian CRC yields zero.
func XMODEM(data []byte) uint16 {
	return crc16.Checksum(data, xmodemTable)
}

// Modbus computes CRC-16/MODBUS (poly 0x8005 reflected, init 0xFFFF). On the
// wire the low byte is sent first.
func Modbus(data []byte) uint16 {
	return crc16.Checksum(data, modbusTable)
}

// AppendModbus appends the Modbus CRC of data to data, low byte first.
func AppendModbus(data []byte) []byte {
	crc := Modbus(data)
	return append(data, byte(crc), byte(crc>>8))
}

// CheckModbus reports whether the trailing two bytes of frame hold the
// Modbus CRC of the bytes before them.
func CheckModbus(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	n := len(frame) - 2
	got := uint16(frame[n]) | uint16(frame[n+1])<<8
	return Modbus(frame[:n]) == got
}
