// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package diskio gives the buffer cache and swap manager a narrow,
// sector-addressed view of a backing disk, standing in for the raw
// disk driver that Pintos accesses through disk_read/disk_write.
package diskio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SectorSize is the fixed block size of both simulated disks.
const SectorSize = 512

// Sector is a 32-bit sector number. SectorNone is the sentinel meaning
// "unallocated", matching SECTOR_ERROR / SECTOR_NONE in the source.
type Sector uint32

// SectorNone is the all-ones sentinel for "no sector".
const SectorNone Sector = 0xFFFFFFFF

// Disk is the minimal surface the buffer cache and swap manager need.
// Implementations must be safe for concurrent ReadSector/WriteSector
// calls on distinct sectors; callers serialize access to the same
// sector themselves (the buffer cache's per-slot lock does this).
type Disk interface {
	// ReadSector reads exactly SectorSize bytes from sector s into dst.
	ReadSector(s Sector, dst []byte) error

	// WriteSector writes exactly SectorSize bytes from src to sector s.
	WriteSector(s Sector, src []byte) error

	// SectorCount reports the disk's total capacity in sectors.
	SectorCount() Sector

	// Close releases any underlying resources (open file handles).
	Close() error
}

// FileDisk implements Disk over a regular file, one whose length is a
// multiple of SectorSize. It is the production backend: the "filesys"
// and "swap" disks are each a FileDisk over a distinct image file.
type FileDisk struct {
	f       *os.File
	sectors Sector
}

// OpenFileDisk opens (creating if necessary) the image file at path and
// grows it to hold sectorCount sectors if it is smaller. An existing,
// larger file is left untouched: grow-only semantics match a disk image
// that was already formatted by a previous run.
//
// The file is flocked exclusively and non-blockingly so a second kernel
// instance pointed at the same image fails fast at open instead of
// corrupting it. The lock is released when the returned FileDisk's
// underlying fd is closed.
func OpenFileDisk(path string, sectorCount Sector) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diskio: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("diskio: %s is already mounted by another kernel instance: %w", path, err)
	}

	wantSize := int64(sectorCount) * SectorSize
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("diskio: stat %s: %w", path, err)
	}
	if info.Size() < wantSize {
		if err := f.Truncate(wantSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("diskio: truncate %s: %w", path, err)
		}
	} else {
		sectorCount = Sector(info.Size() / SectorSize)
	}

	return &FileDisk{f: f, sectors: sectorCount}, nil
}

func (d *FileDisk) ReadSector(s Sector, dst []byte) error {
	if err := d.checkBounds(s, len(dst)); err != nil {
		return err
	}
	_, err := d.f.ReadAt(dst[:SectorSize], int64(s)*SectorSize)
	return err
}

func (d *FileDisk) WriteSector(s Sector, src []byte) error {
	if err := d.checkBounds(s, len(src)); err != nil {
		return err
	}
	_, err := d.f.WriteAt(src[:SectorSize], int64(s)*SectorSize)
	return err
}

func (d *FileDisk) SectorCount() Sector { return d.sectors }

func (d *FileDisk) Close() error { return d.f.Close() }

func (d *FileDisk) checkBounds(s Sector, bufLen int) error {
	if bufLen < SectorSize {
		return fmt.Errorf("diskio: buffer shorter than a sector (%d < %d)", bufLen, SectorSize)
	}
	if s >= d.sectors {
		return fmt.Errorf("diskio: sector %d out of range (disk has %d sectors)", s, d.sectors)
	}
	return nil
}
