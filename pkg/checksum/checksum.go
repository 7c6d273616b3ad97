// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

// Package checksum provides the frame integrity primitives shared by the
// meter and fixture wire protocols.
//
// The parameters here are fixed by deployed firmware on the other end of
// the line and must not be changed: a mismatch is silent until a real
// frame is rejected.
package checksum

// CRC16CCITT computes CRC-16-CCITT over data.
// Polynomial 0x1021, initial value 0x0000 (XModem variant).
func CRC16CCITT(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// CRC16Modbus computes CRC-16/Modbus over data.
// Polynomial 0x8005 reflected (0xA001), initial value 0xFFFF.
func CRC16Modbus(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// CRC32 computes the reflected CRC-32 (polynomial 0xEDB88320) with
// initial and final XOR 0xFFFFFFFF. Matches the upgrade parameter and
// statistics record checksums.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xEDB88320
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

// Sum8 returns the additive checksum of data, truncated to 8 bits.
func Sum8(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum
}

// Sum16 returns the additive checksum of data, truncated to 16 bits.
func Sum16(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return sum
}
