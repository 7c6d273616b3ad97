// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

// Package upgrade implements the firmware-upgrade command on the PC
// link. An upgrade command carries a four-byte chip magic,
//
//	F7 vendor chip:u16le
//
// so one line controller can drive boards built on different MCUs; the
// board only accepts a command whose magic names its own chip. Accepted
// parameters persist to the upgrade partition where the bootloader
// reads them after the reset.
package upgrade

import "encoding/binary"

// MagicPrefix opens every upgrade magic.
const MagicPrefix = 0xF7

// Chip vendor codes, byte 1 of the magic.
const (
	VendorFMSH    = 0x01
	VendorGD      = 0x02
	VendorST      = 0x03
	VendorNuvoton = 0x04
	VendorWCH     = 0x05
)

// Chip model codes, bytes 2-3 of the magic, little endian.
const (
	ChipFM33LG04X = 0x3304
	ChipFM33LG08X = 0x3308
	ChipFM33LC04X = 0x3204

	ChipGD32F103C8 = 0x0108
	ChipGD32F303RC = 0x03A6

	ChipSTM32F103C8 = 0x0108
	ChipSTM32F103RC = 0x01A6
	ChipSTM32F407VE = 0x04D9

	ChipCH32V103C8 = 0x0108
	ChipCH32V203C8 = 0x0208
)

// Magic identifies the chip an upgrade command targets.
type Magic struct {
	Vendor uint8
	Chip   uint16
}

// DecodeMagic reads a magic from the first four bytes of b. The second
// return is false when the prefix byte is wrong.
func DecodeMagic(b []byte) (Magic, bool) {
	if len(b) < 4 || b[0] != MagicPrefix {
		return Magic{}, false
	}
	return Magic{Vendor: b[1], Chip: binary.LittleEndian.Uint16(b[2:])}, true
}

// Append writes the four-byte wire form of m.
func (m Magic) Append(buf []byte) []byte {
	buf = append(buf, MagicPrefix, m.Vendor)
	return binary.LittleEndian.AppendUint16(buf, m.Chip)
}

// ChipInfo carries the flash geometry the bootloader needs for one
// supported chip.
type ChipInfo struct {
	Vendor     uint8
	Chip       uint16
	FlashSize  uint32
	FlashStart uint32
	PageSize   uint32 // 0 when the chip erases by sector only
	SectorSize uint32 // 0 when the chip has no sector concept
	BootSize   uint32
	AppStart   uint32
	Name       string
}

// CurrentChip is the MCU of this board generation.
var CurrentChip = ChipInfo{
	Vendor:     VendorFMSH,
	Chip:       ChipFM33LG04X,
	FlashSize:  256 * 1024,
	FlashStart: 0x00000000,
	PageSize:   512,
	SectorSize: 2048,
	BootSize:   16 * 1024,
	AppStart:   0x00004000,
	Name:       "FM33LG04x",
}

var chipTable = []ChipInfo{
	CurrentChip,
	{VendorFMSH, ChipFM33LG08X, 512 * 1024, 0x00000000, 512, 2048, 16 * 1024, 0x00004000, "FM33LG08x"},
	{VendorFMSH, ChipFM33LC04X, 256 * 1024, 0x00000000, 512, 2048, 16 * 1024, 0x00004000, "FM33LC04x"},
	{VendorGD, ChipGD32F103C8, 64 * 1024, 0x08000000, 1024, 0, 16 * 1024, 0x08004000, "GD32F103C8"},
	{VendorGD, ChipGD32F303RC, 256 * 1024, 0x08000000, 2048, 0, 16 * 1024, 0x08004000, "GD32F303RC"},
	{VendorST, ChipSTM32F103C8, 64 * 1024, 0x08000000, 1024, 0, 16 * 1024, 0x08004000, "STM32F103C8"},
	{VendorST, ChipSTM32F103RC, 256 * 1024, 0x08000000, 2048, 0, 16 * 1024, 0x08004000, "STM32F103RC"},
	{VendorST, ChipSTM32F407VE, 512 * 1024, 0x08000000, 0, 16 * 1024, 16 * 1024, 0x08004000, "STM32F407VE"},
	{VendorWCH, ChipCH32V103C8, 64 * 1024, 0x08000000, 256, 0, 8 * 1024, 0x08002000, "CH32V103C8"},
	{VendorWCH, ChipCH32V203C8, 64 * 1024, 0x08000000, 256, 0, 8 * 1024, 0x08002000, "CH32V203C8"},
}

// FindChip looks a magic up in the supported-chip table.
func FindChip(m Magic) (ChipInfo, bool) {
	for _, info := range chipTable {
		if info.Vendor == m.Vendor && info.Chip == m.Chip {
			return info, true
		}
	}
	return ChipInfo{}, false
}

// MatchesCurrent reports whether m names the chip this board carries.
func (m Magic) MatchesCurrent() bool {
	return m.Vendor == CurrentChip.Vendor && m.Chip == CurrentChip.Chip
}

// VendorName returns a printable vendor name for diagnostics.
func VendorName(vendor uint8) string {
	switch vendor {
	case VendorFMSH:
		return "FMSH"
	case VendorGD:
		return "GigaDevice"
	case VendorST:
		return "ST"
	case VendorNuvoton:
		return "Nuvoton"
	case VendorWCH:
		return "WCH"
	default:
		return "unknown"
	}
}
