// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package checksum

import "testing"

var check = []byte("123456789")

func TestCRC16CCITT_KnownValues(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{name: "empty", data: nil, expected: 0x0000},
		{name: "check string", data: check, expected: 0x31C3},
		{name: "single zero byte", data: []byte{0x00}, expected: 0x0000},
		{name: "single 0xFF", data: []byte{0xFF}, expected: 0x1EF0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CRC16CCITT(tt.data); got != tt.expected {
				t.Errorf("CRC16CCITT(%v) = 0x%04X, want 0x%04X", tt.data, got, tt.expected)
			}
		})
	}
}

func TestCRC16Modbus_KnownValues(t *testing.T) {
	if got := CRC16Modbus(check); got != 0x4B37 {
		t.Errorf("CRC16Modbus check value = 0x%04X, want 0x4B37", got)
	}
	if got := CRC16Modbus(nil); got != 0xFFFF {
		t.Errorf("CRC16Modbus(empty) = 0x%04X, want initial 0xFFFF", got)
	}
}

func TestCRC32_KnownValues(t *testing.T) {
	if got := CRC32(check); got != 0xCBF43926 {
		t.Errorf("CRC32 check value = 0x%08X, want 0xCBF43926", got)
	}
	if got := CRC32(nil); got != 0x00000000 {
		t.Errorf("CRC32(empty) = 0x%08X, want 0", got)
	}
}

func TestSum8(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint8
	}{
		{name: "empty", data: nil, expected: 0},
		{name: "simple", data: []byte{0x01, 0x02, 0x03}, expected: 0x06},
		{name: "wraps", data: []byte{0xFF, 0xFF, 0x03}, expected: 0x01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sum8(tt.data); got != tt.expected {
				t.Errorf("Sum8(%v) = 0x%02X, want 0x%02X", tt.data, got, tt.expected)
			}
		})
	}
}

func TestSum16_Wraps(t *testing.T) {
	data := make([]byte, 300)
	for i := range data {
		data[i] = 0xFF
	}
	// 300 * 255 = 76500 = 0x12AD4; truncated to 16 bits.
	if got := Sum16(data); got != 0x2AD4 {
		t.Errorf("Sum16 = 0x%04X, want 0x2AD4", got)
	}
}

func TestChecksums_Deterministic(t *testing.T) {
	data := []byte{0x68, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x68, 0x04}
	if CRC16CCITT(data) != CRC16CCITT(data) {
		t.Error("CRC16CCITT not deterministic")
	}
	if CRC32(data) != CRC32(data) {
		t.Error("CRC32 not deterministic")
	}
}
