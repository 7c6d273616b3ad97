// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

// Package partition emulates the fixed flash layout of the meter main
// board as named regions over a single backing file. Erase fills with
// 0xFF the way NOR flash erases do, so data layered on top (statistics,
// upgrade parameters) can use the same blank-detection logic the
// firmware uses, and survives process restarts the way flash survives
// power cycles.
package partition

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Flash geometry of the reference board (FM33LG04x, 256 KB).
const (
	FlashSize  = 256 * 1024
	PageSize   = 512
	SectorSize = 2048

	ErasedByte = 0xFF
)

// Well-known partition names.
const (
	NameBootloader = "bootloader"
	NameApp        = "app"
	NameTestStats  = "test_stats"
	NameUpgrade    = "upgrade_params"
	NameKVDB       = "kvdb"
)

var (
	// ErrOutOfRange is returned when an access crosses a partition
	// boundary.
	ErrOutOfRange = errors.New("partition: access out of range")
	// ErrNotFound is returned for an unknown partition name.
	ErrNotFound = errors.New("partition: no such partition")
)

// Partition is one named region of the backing store.
type Partition interface {
	// Read fills p starting at off within the partition.
	Read(off int64, p []byte) error
	// Write stores p starting at off within the partition.
	Write(off int64, p []byte) error
	// Erase fills [off, off+length) with 0xFF.
	Erase(off, length int64) error
	// Len returns the partition size in bytes.
	Len() int64
}

// Region describes one entry of a partition layout.
type Region struct {
	Name string
	Addr int64
	Size int64
}

// DefaultLayout returns the partition map of the reference board.
func DefaultLayout() []Region {
	return []Region{
		{Name: NameBootloader, Addr: 0x00000, Size: 16 * 1024},
		{Name: NameApp, Addr: 0x04000, Size: 224 * 1024},
		{Name: NameTestStats, Addr: 0x3C000, Size: 8 * 1024},
		{Name: NameUpgrade, Addr: 0x3E000, Size: 4 * 1024},
		{Name: NameKVDB, Addr: 0x3F000, Size: 4 * 1024},
	}
}

// Info is one row of a Diagnose report.
type Info struct {
	Name  string
	Addr  int64
	Size  int64
	Valid bool
}

// Table is a set of partitions sharing one backing file.
type Table struct {
	f       *os.File
	regions []Region
	size    int64
	log     *zap.Logger
}

// Open maps regions onto the file at path, creating and 0xFF-filling it
// if absent. Regions must not overlap and must fit the addressed space.
func Open(path string, regions []Region, logger *zap.Logger) (*Table, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(regions) == 0 {
		regions = DefaultLayout()
	}
	var size int64
	for i, r := range regions {
		if r.Size <= 0 || r.Addr < 0 {
			return nil, fmt.Errorf("partition: bad region %q", r.Name)
		}
		if end := r.Addr + r.Size; end > size {
			size = end
		}
		for _, prev := range regions[:i] {
			if r.Addr < prev.Addr+prev.Size && prev.Addr < r.Addr+r.Size {
				return nil, fmt.Errorf("partition: %q overlaps %q", r.Name, prev.Name)
			}
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("partition: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("partition: stat %s: %w", path, err)
	}
	if st.Size() < size {
		// Grow with erased bytes so fresh regions read as blank flash.
		blank := bytes.Repeat([]byte{ErasedByte}, int(size-st.Size()))
		if _, err := f.WriteAt(blank, st.Size()); err != nil {
			f.Close()
			return nil, fmt.Errorf("partition: init %s: %w", path, err)
		}
	}

	log := logger.Named("partition")
	log.Debug("table opened",
		zap.String("path", path),
		zap.Int("regions", len(regions)),
		zap.Int64("size", size))
	return &Table{f: f, regions: regions, size: size, log: log}, nil
}

// Close releases the backing file.
func (t *Table) Close() error {
	return t.f.Close()
}

// Get returns the named partition.
func (t *Table) Get(name string) (Partition, error) {
	for _, r := range t.regions {
		if r.Name == name {
			return &region{t: t, r: r}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Diagnose reports every region with a validity flag: a region is valid
// when its first bytes are not all erased, meaning something has been
// written there.
func (t *Table) Diagnose() []Info {
	infos := make([]Info, 0, len(t.regions))
	probe := make([]byte, 16)
	for _, r := range t.regions {
		n := int64(len(probe))
		if r.Size < n {
			n = r.Size
		}
		valid := false
		if _, err := t.f.ReadAt(probe[:n], r.Addr); err == nil {
			for _, b := range probe[:n] {
				if b != ErasedByte {
					valid = true
					break
				}
			}
		}
		infos = append(infos, Info{Name: r.Name, Addr: r.Addr, Size: r.Size, Valid: valid})
	}
	return infos
}

type region struct {
	t *Table
	r Region
}

func (p *region) check(off, length int64) error {
	if off < 0 || length < 0 || off+length > p.r.Size {
		return fmt.Errorf("%w: %s off=%d len=%d size=%d",
			ErrOutOfRange, p.r.Name, off, length, p.r.Size)
	}
	return nil
}

func (p *region) Read(off int64, buf []byte) error {
	if err := p.check(off, int64(len(buf))); err != nil {
		return err
	}
	if _, err := p.t.f.ReadAt(buf, p.r.Addr+off); err != nil {
		return fmt.Errorf("partition: read %s: %w", p.r.Name, err)
	}
	return nil
}

func (p *region) Write(off int64, buf []byte) error {
	if err := p.check(off, int64(len(buf))); err != nil {
		return err
	}
	if _, err := p.t.f.WriteAt(buf, p.r.Addr+off); err != nil {
		return fmt.Errorf("partition: write %s: %w", p.r.Name, err)
	}
	return nil
}

func (p *region) Erase(off, length int64) error {
	if err := p.check(off, length); err != nil {
		return err
	}
	blank := bytes.Repeat([]byte{ErasedByte}, int(length))
	if _, err := p.t.f.WriteAt(blank, p.r.Addr+off); err != nil {
		return fmt.Errorf("partition: erase %s: %w", p.r.Name, err)
	}
	return nil
}

func (p *region) Len() int64 {
	return p.r.Size
}
