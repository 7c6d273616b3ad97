// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

// Package stats keeps production-test statistics in a flash-style
// partition: a CRC32-guarded summary block (totals, per-step failure
// counters, the most recent record) plus a 32-entry ring of recent test
// records. Corrupt or blank storage starts fresh and never errors the
// caller; the fixture must keep testing even when the stats area was
// power-cut mid-write.
package stats

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"go.uber.org/zap"

	"github.com/veriflux/meterbench/pkg/partition"
)

// Result of one complete test run.
type Result uint8

const (
	ResultPass Result = 1
	ResultFail Result = 2
)

func (r Result) String() string {
	switch r {
	case ResultPass:
		return "pass"
	case ResultFail:
		return "fail"
	default:
		return "unknown"
	}
}

// StepCount is the number of tracked test steps.
const StepCount = 16

// RingSize is the number of records kept in history.
const RingSize = 32

const (
	summaryMagic = 0x54455354 // "TEST"
	ringMagic    = 0x54534948 // "HIST"
	layoutVer    = 1

	recordSize  = 20
	summaryOff  = 0
	summarySize = 4 + 2 + 1 + 1 + 4 + 4 + 4 + StepCount*4 + recordSize + 4
	ringOff     = 512
	ringSize    = 4 + 4 + 4 + RingSize*recordSize + 4
)

// Record is one completed test run.
type Record struct {
	Seq        uint32
	Result     Result
	FailedStep uint8
	ErrCode    uint8
	StationID  uint8
	DurationMs uint32
	Timestamp  int64
}

// Summary is the aggregate view over all recorded runs.
type Summary struct {
	StationID  uint8
	TotalTests uint32
	TotalPass  uint32
	TotalFail  uint32
	StepFail   [StepCount]uint32
	Last       Record
}

// Store persists statistics through one partition.
type Store struct {
	p   partition.Partition
	log *zap.Logger

	sum  Summary
	ring [RingSize]Record
	head uint32
	cnt  uint32

	now func() int64
}

// Open loads statistics from p. Blank or corrupt contents reset to an
// empty summary.
func Open(p partition.Partition, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		p:   p,
		log: logger.Named("stats"),
		now: func() int64 { return time.Now().Unix() },
	}
	if !s.loadSummary() {
		s.log.Info("summary invalid, starting fresh")
		s.sum = Summary{}
	}
	if !s.loadRing() {
		s.log.Info("history invalid, starting fresh")
		s.ring = [RingSize]Record{}
		s.head, s.cnt = 0, 0
	}
	return s
}

// SetStationID stamps subsequent records with id and persists it.
func (s *Store) SetStationID(id uint8) error {
	s.sum.StationID = id
	return s.saveSummary()
}

// Record appends one completed test run and persists both blocks.
// failedStep and errCode matter only for a fail result.
func (s *Store) Record(result Result, failedStep, errCode uint8, durationMs uint32) error {
	s.sum.TotalTests++
	switch result {
	case ResultPass:
		s.sum.TotalPass++
	case ResultFail:
		s.sum.TotalFail++
		if int(failedStep) < StepCount {
			s.sum.StepFail[failedStep]++
		}
	}

	rec := Record{
		Seq:        s.sum.TotalTests,
		Result:     result,
		FailedStep: failedStep,
		ErrCode:    errCode,
		StationID:  s.sum.StationID,
		DurationMs: durationMs,
		Timestamp:  s.now(),
	}
	s.sum.Last = rec
	s.ring[s.head] = rec
	s.head = (s.head + 1) % RingSize
	if s.cnt < RingSize {
		s.cnt++
	}

	s.log.Info("test recorded",
		zap.Uint32("seq", rec.Seq),
		zap.String("result", result.String()),
		zap.Uint8("failed_step", failedStep),
		zap.Uint32("duration_ms", durationMs))

	if err := s.saveSummary(); err != nil {
		return err
	}
	return s.saveRing()
}

// Summary returns a copy of the aggregate counters.
func (s *Store) Summary() Summary {
	return s.sum
}

// History returns up to n most recent records, newest first.
func (s *Store) History(n int) []Record {
	if n <= 0 || s.cnt == 0 {
		return nil
	}
	if uint32(n) > s.cnt {
		n = int(s.cnt)
	}
	out := make([]Record, 0, n)
	idx := s.head
	for i := 0; i < n; i++ {
		idx = (idx + RingSize - 1) % RingSize
		out = append(out, s.ring[idx])
	}
	return out
}

// PassRate returns the pass ratio in basis points (10000 = 100%).
func (s *Store) PassRate() uint16 {
	if s.sum.TotalTests == 0 {
		return 0
	}
	return uint16(uint64(s.sum.TotalPass) * 10000 / uint64(s.sum.TotalTests))
}

// StepFailCount returns how many runs failed at the given step.
func (s *Store) StepFailCount(step int) uint32 {
	if step < 0 || step >= StepCount {
		return 0
	}
	return s.sum.StepFail[step]
}

// Clear erases both blocks and resets the in-memory state. The station
// id survives the clear.
func (s *Store) Clear() error {
	station := s.sum.StationID
	s.sum = Summary{StationID: station}
	s.ring = [RingSize]Record{}
	s.head, s.cnt = 0, 0
	if err := s.p.Erase(0, s.p.Len()); err != nil {
		return err
	}
	return s.saveSummary()
}

func packRecord(buf []byte, r Record) {
	binary.LittleEndian.PutUint32(buf[0:], r.Seq)
	buf[4] = byte(r.Result)
	buf[5] = r.FailedStep
	buf[6] = r.ErrCode
	buf[7] = r.StationID
	binary.LittleEndian.PutUint32(buf[8:], r.DurationMs)
	binary.LittleEndian.PutUint64(buf[12:], uint64(r.Timestamp))
}

func unpackRecord(buf []byte) Record {
	return Record{
		Seq:        binary.LittleEndian.Uint32(buf[0:]),
		Result:     Result(buf[4]),
		FailedStep: buf[5],
		ErrCode:    buf[6],
		StationID:  buf[7],
		DurationMs: binary.LittleEndian.Uint32(buf[8:]),
		Timestamp:  int64(binary.LittleEndian.Uint64(buf[12:])),
	}
}

func (s *Store) saveSummary() error {
	buf := make([]byte, summarySize)
	binary.LittleEndian.PutUint32(buf[0:], summaryMagic)
	binary.LittleEndian.PutUint16(buf[4:], layoutVer)
	buf[6] = s.sum.StationID
	binary.LittleEndian.PutUint32(buf[8:], s.sum.TotalTests)
	binary.LittleEndian.PutUint32(buf[12:], s.sum.TotalPass)
	binary.LittleEndian.PutUint32(buf[16:], s.sum.TotalFail)
	for i, c := range s.sum.StepFail {
		binary.LittleEndian.PutUint32(buf[20+i*4:], c)
	}
	packRecord(buf[20+StepCount*4:], s.sum.Last)
	crc := crc32.ChecksumIEEE(buf[:summarySize-4])
	binary.LittleEndian.PutUint32(buf[summarySize-4:], crc)
	return s.p.Write(summaryOff, buf)
}

func (s *Store) loadSummary() bool {
	buf := make([]byte, summarySize)
	if err := s.p.Read(summaryOff, buf); err != nil {
		return false
	}
	if binary.LittleEndian.Uint32(buf[0:]) != summaryMagic {
		return false
	}
	if binary.LittleEndian.Uint16(buf[4:]) != layoutVer {
		return false
	}
	crc := binary.LittleEndian.Uint32(buf[summarySize-4:])
	if crc32.ChecksumIEEE(buf[:summarySize-4]) != crc {
		return false
	}
	s.sum.StationID = buf[6]
	s.sum.TotalTests = binary.LittleEndian.Uint32(buf[8:])
	s.sum.TotalPass = binary.LittleEndian.Uint32(buf[12:])
	s.sum.TotalFail = binary.LittleEndian.Uint32(buf[16:])
	for i := range s.sum.StepFail {
		s.sum.StepFail[i] = binary.LittleEndian.Uint32(buf[20+i*4:])
	}
	s.sum.Last = unpackRecord(buf[20+StepCount*4:])
	return true
}

func (s *Store) saveRing() error {
	buf := make([]byte, ringSize)
	binary.LittleEndian.PutUint32(buf[0:], ringMagic)
	binary.LittleEndian.PutUint32(buf[4:], s.head)
	binary.LittleEndian.PutUint32(buf[8:], s.cnt)
	for i, r := range s.ring {
		packRecord(buf[12+i*recordSize:], r)
	}
	crc := crc32.ChecksumIEEE(buf[:ringSize-4])
	binary.LittleEndian.PutUint32(buf[ringSize-4:], crc)
	return s.p.Write(ringOff, buf)
}

func (s *Store) loadRing() bool {
	buf := make([]byte, ringSize)
	if err := s.p.Read(ringOff, buf); err != nil {
		return false
	}
	if binary.LittleEndian.Uint32(buf[0:]) != ringMagic {
		return false
	}
	crc := binary.LittleEndian.Uint32(buf[ringSize-4:])
	if crc32.ChecksumIEEE(buf[:ringSize-4]) != crc {
		return false
	}
	head := binary.LittleEndian.Uint32(buf[4:])
	cnt := binary.LittleEndian.Uint32(buf[8:])
	if head >= RingSize || cnt > RingSize {
		return false
	}
	s.head, s.cnt = head, cnt
	for i := range s.ring {
		s.ring[i] = unpackRecord(buf[12+i*recordSize:])
	}
	return true
}
