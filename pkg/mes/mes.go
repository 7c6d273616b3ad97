// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

// Package mes implements the PC-side protocols the fixture speaks to
// the factory MES line. Two dialects exist: the water meter line uses
// a compact single-byte-length frame,
//
//	68 cmd len:u8 station payload sum8 16
//
// while the gas meter line reuses the meter's own double-68 frame
// with MES-specific data marks. Both are claim-based protocols meant
// to share the PC link with the fixture's config and upgrade frames.
//
// Station addressing is cooperative: several fixtures hang off one
// RS-485 drop, and a frame for another station is silently ignored
// after it has been claimed.
package mes

// Commands of the water meter MES dialect. The gas dialect reaches
// the same operations through data marks instead.
const (
	CmdStartTest      = 0xAA
	CmdStartTestAck   = 0xAB
	CmdQueryResult    = 0xAC
	CmdResultResponse = 0xAD
	CmdSetConfig      = 0xAE
	CmdSetConfigAck   = 0xAF
)

// DefaultStationID answers when no station callback is installed.
const DefaultStationID = 1

// station resolves the local station id through an optional callback.
func station(fn func() uint8) uint8 {
	if fn != nil {
		return fn()
	}
	return DefaultStationID
}

// debugging resolves the debug-mode flag. In debug mode responses are
// logged but not transmitted, so a bench operator can poke at the
// fixture without confusing the line controller.
func debugging(fn func() bool) bool {
	return fn != nil && fn()
}
