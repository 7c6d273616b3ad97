// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package upgrade

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"go.uber.org/zap"

	"github.com/veriflux/meterbench/pkg/partition"
)

// Storage record constants. The bootloader reads the same layout, so
// the format is frozen.
const (
	storeMagic   = 0x55AA55AA
	storeVersion = 0x02
	recordSize   = 22
)

// Boot flags.
const (
	FlagNormal  = 0x00
	FlagUpgrade = 0x01
)

// Params is the persisted upgrade configuration.
type Params struct {
	StationID  uint8
	Mode       uint8 // 0 manual, 1 automatic
	BaudConfig uint8 // 0 9600, 1 115200
	Protocol   uint8 // 0 Xmodem
	TimeoutSec uint8
	LogEnable  uint8
	FwSizeKB   uint16
	Vendor     uint8
	Chip       uint16
	Flag       uint8
}

// Store persists upgrade parameters in the upgrade partition using the
// bootloader's record format: magic, version, the parameters, and a
// CRC32 over everything before the checksum field.
type Store struct {
	p   partition.Partition
	log *zap.Logger
}

// NewStore wraps the upgrade partition.
func NewStore(p partition.Partition, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{p: p, log: logger.Named("upgrade-store")}
}

func encodeRecord(params Params) []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(buf[0:], storeMagic)
	buf[4] = storeVersion
	buf[5] = params.StationID
	buf[6] = params.Mode
	buf[7] = params.BaudConfig
	buf[8] = params.Protocol
	buf[9] = params.TimeoutSec
	buf[10] = params.LogEnable
	buf[11] = 0 // reserved
	binary.LittleEndian.PutUint16(buf[12:], params.FwSizeKB)
	binary.LittleEndian.PutUint16(buf[14:], params.Chip)
	buf[16] = params.Vendor
	buf[17] = params.Flag
	crc := crc32.ChecksumIEEE(buf[:recordSize-4])
	binary.LittleEndian.PutUint32(buf[recordSize-4:], crc)
	return buf
}

// Save erases the partition and writes params with the upgrade flag
// set, then reads the record back to verify.
func (s *Store) Save(params Params) error {
	params.Flag = FlagUpgrade
	rec := encodeRecord(params)

	if err := s.p.Erase(0, s.p.Len()); err != nil {
		return fmt.Errorf("upgrade: erase params: %w", err)
	}
	if err := s.p.Write(0, rec); err != nil {
		return fmt.Errorf("upgrade: write params: %w", err)
	}

	verify := make([]byte, recordSize)
	if err := s.p.Read(0, verify); err != nil {
		return fmt.Errorf("upgrade: verify read: %w", err)
	}
	for i := range rec {
		if verify[i] != rec[i] {
			return fmt.Errorf("upgrade: verify mismatch at byte %d", i)
		}
	}

	s.log.Info("upgrade params saved",
		zap.Uint8("station", params.StationID),
		zap.Uint8("mode", params.Mode),
		zap.Uint8("baud_config", params.BaudConfig),
		zap.Uint16("fw_size_kb", params.FwSizeKB),
		zap.String("chip", fmt.Sprintf("0x%04X", params.Chip)))
	return nil
}

// Read returns the stored parameters. The second return is false when
// the partition holds no valid record.
func (s *Store) Read() (Params, bool) {
	buf := make([]byte, recordSize)
	if err := s.p.Read(0, buf); err != nil {
		return Params{}, false
	}
	if binary.LittleEndian.Uint32(buf[0:]) != storeMagic {
		return Params{}, false
	}
	if buf[4] != storeVersion {
		s.log.Warn("record version mismatch", zap.Uint8("got", buf[4]))
	}
	crc := binary.LittleEndian.Uint32(buf[recordSize-4:])
	if crc32.ChecksumIEEE(buf[:recordSize-4]) != crc {
		s.log.Error("record CRC mismatch")
		return Params{}, false
	}
	return Params{
		StationID:  buf[5],
		Mode:       buf[6],
		BaudConfig: buf[7],
		Protocol:   buf[8],
		TimeoutSec: buf[9],
		LogEnable:  buf[10],
		FwSizeKB:   binary.LittleEndian.Uint16(buf[12:]),
		Chip:       binary.LittleEndian.Uint16(buf[14:]),
		Vendor:     buf[16],
		Flag:       buf[17],
	}, true
}

// SetFlag rewrites the boot flag, keeping other parameters when a
// valid record exists.
func (s *Store) SetFlag(flag uint8) error {
	params, ok := s.Read()
	if !ok {
		params = Params{}
	}
	params.Flag = flag
	rec := encodeRecord(params)
	if err := s.p.Erase(0, s.p.Len()); err != nil {
		return fmt.Errorf("upgrade: erase params: %w", err)
	}
	if err := s.p.Write(0, rec); err != nil {
		return fmt.Errorf("upgrade: write flag: %w", err)
	}
	s.log.Info("boot flag set", zap.Uint8("flag", flag))
	return nil
}

// Flag returns the stored boot flag, FlagNormal when no valid record.
func (s *Store) Flag() uint8 {
	params, ok := s.Read()
	if !ok {
		return FlagNormal
	}
	return params.Flag
}

// Pending reports whether a stored record requests an upgrade.
func (s *Store) Pending() bool {
	return s.Flag() == FlagUpgrade
}

// Clear erases the whole partition.
func (s *Store) Clear() error {
	if err := s.p.Erase(0, s.p.Len()); err != nil {
		return fmt.Errorf("upgrade: clear params: %w", err)
	}
	return nil
}
