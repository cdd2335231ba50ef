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

// Package diskiotest provides a fake, in-memory diskio.Disk for unit
// tests that exercise the buffer cache, inode layer and swap manager
// without touching the filesystem.
package diskiotest

import (
	"fmt"
	"sync"

	"github.com/mskim5383/pintos-go/internal/diskio"
)

// MemDisk is a diskio.Disk backed by a byte slice held entirely in
// memory. Safe for concurrent use.
type MemDisk struct {
	mu      sync.Mutex
	data    []byte
	sectors diskio.Sector
}

// New returns a MemDisk with the given capacity in sectors.
func New(sectorCount diskio.Sector) *MemDisk {
	return &MemDisk{
		data:    make([]byte, int(sectorCount)*diskio.SectorSize),
		sectors: sectorCount,
	}
}

func (d *MemDisk) ReadSector(s diskio.Sector, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkBounds(s, len(dst)); err != nil {
		return err
	}
	off := int(s) * diskio.SectorSize
	copy(dst[:diskio.SectorSize], d.data[off:off+diskio.SectorSize])
	return nil
}

func (d *MemDisk) WriteSector(s diskio.Sector, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkBounds(s, len(src)); err != nil {
		return err
	}
	off := int(s) * diskio.SectorSize
	copy(d.data[off:off+diskio.SectorSize], src[:diskio.SectorSize])
	return nil
}

func (d *MemDisk) SectorCount() diskio.Sector { return d.sectors }

func (d *MemDisk) Close() error { return nil }

func (d *MemDisk) checkBounds(s diskio.Sector, bufLen int) error {
	if bufLen < diskio.SectorSize {
		return fmt.Errorf("diskiotest: buffer shorter than a sector (%d < %d)", bufLen, diskio.SectorSize)
	}
	if s >= d.sectors {
		return fmt.Errorf("diskiotest: sector %d out of range (disk has %d sectors)", s, d.sectors)
	}
	return nil
}
