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

// Package inode implements the on-disk inode layer (C3): fixed-size
// disk inodes with a direct/indirect/doubly-indirect block map, an
// open-inode table that folds repeat opens of the same sector into one
// reference-counted handle, and demand allocation of data sectors
// through the free map.
//
// It is grounded directly on original_source/src/filesys/inode.c: the
// tier thresholds in resolveSector mirror byte_to_sector2, the teardown
// walk in releaseAll mirrors free_inode_disk, and the open-inode table
// mirrors inode_open/inode_close's open_cnt/deny_write_cnt/removed
// bookkeeping. The refcount-to-destroy shape (count hits zero -> run a
// destroy callback) mirrors a lookup-count pattern common to reference-
// counted inode caches.
package inode

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/mskim5383/pintos-go/internal/cache"
	"github.com/mskim5383/pintos-go/internal/diskio"
	"github.com/mskim5383/pintos-go/internal/freemap"
)

const (
	// Magic identifies a valid on-disk inode sector.
	Magic uint32 = 0x494e4f44
	// IndirectMagic identifies a valid indirect index block.
	IndirectMagic uint32 = 0x68995383
	// DoublyMagic identifies a valid doubly-indirect index block.
	DoublyMagic uint32 = 0x66312117

	// DirectSectors is D: direct block pointers stored in the inode itself.
	DirectSectors = 9
	// IndirectPointers is I: indirect-block pointers stored in the inode.
	IndirectPointers = 5
	// EntriesPerIndex is K: sector pointers packed into one index block
	// ((512 - 8) / 4).
	EntriesPerIndex = 126

	indirectThreshold = DirectSectors + IndirectPointers*EntriesPerIndex
	doublyThreshold    = indirectThreshold + EntriesPerIndex*EntriesPerIndex

	// MaxFileSectors is the largest file offset, in sectors, this block
	// map can address: 9 + 5*126 + 126*126 = 16,515 sectors, ~8.06MiB.
	MaxFileSectors = doublyThreshold
	// MaxFileSize is MaxFileSectors in bytes.
	MaxFileSize = int64(MaxFileSectors) * diskio.SectorSize
)

// DiskInode is the in-memory form of the fixed-size inode record stored
// at inode.sector on disk.
type DiskInode struct {
	Length   int64
	IsDir    bool
	Start    diskio.Sector
	Direct   [DirectSectors]diskio.Sector
	Indirect [IndirectPointers]diskio.Sector
	Doubly   diskio.Sector
}

func newDiskInode(sector diskio.Sector, length int64, isDir bool) *DiskInode {
	di := &DiskInode{Length: length, IsDir: isDir, Start: sector}
	for i := range di.Direct {
		di.Direct[i] = diskio.SectorNone
	}
	for i := range di.Indirect {
		di.Indirect[i] = diskio.SectorNone
	}
	di.Doubly = diskio.SectorNone
	return di
}

func (di *DiskInode) encode() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint64(di.Length))
	var isDir uint8
	if di.IsDir {
		isDir = 1
	}
	buf.WriteByte(isDir)
	binary.Write(buf, binary.LittleEndian, uint32(di.Start))
	for _, s := range di.Direct {
		binary.Write(buf, binary.LittleEndian, uint32(s))
	}
	for _, s := range di.Indirect {
		binary.Write(buf, binary.LittleEndian, uint32(s))
	}
	binary.Write(buf, binary.LittleEndian, uint32(di.Doubly))
	binary.Write(buf, binary.LittleEndian, Magic)
	out := make([]byte, diskio.SectorSize)
	copy(out, buf.Bytes())
	return out
}

func decodeDiskInode(data []byte) (*DiskInode, error) {
	r := bytes.NewReader(data)
	di := &DiskInode{}
	var length uint64
	binary.Read(r, binary.LittleEndian, &length)
	di.Length = int64(length)
	isDir, _ := r.ReadByte()
	di.IsDir = isDir != 0
	var start uint32
	binary.Read(r, binary.LittleEndian, &start)
	di.Start = diskio.Sector(start)
	for i := range di.Direct {
		var s uint32
		binary.Read(r, binary.LittleEndian, &s)
		di.Direct[i] = diskio.Sector(s)
	}
	for i := range di.Indirect {
		var s uint32
		binary.Read(r, binary.LittleEndian, &s)
		di.Indirect[i] = diskio.Sector(s)
	}
	var doubly uint32
	binary.Read(r, binary.LittleEndian, &doubly)
	di.Doubly = diskio.Sector(doubly)
	var magic uint32
	binary.Read(r, binary.LittleEndian, &magic)
	if magic != Magic {
		return nil, fmt.Errorf("inode: bad magic %#x at sector", magic)
	}
	return di, nil
}

type indexBlock struct {
	start   diskio.Sector
	magic   uint32
	entries [EntriesPerIndex]diskio.Sector
}

func newIndexBlock(start diskio.Sector, magic uint32) *indexBlock {
	ib := &indexBlock{start: start, magic: magic}
	for i := range ib.entries {
		ib.entries[i] = diskio.SectorNone
	}
	return ib
}

func (ib *indexBlock) encode() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(ib.start))
	binary.Write(buf, binary.LittleEndian, ib.magic)
	for _, s := range ib.entries {
		binary.Write(buf, binary.LittleEndian, uint32(s))
	}
	out := make([]byte, diskio.SectorSize)
	copy(out, buf.Bytes())
	return out
}

func decodeIndexBlock(data []byte, wantMagic uint32) (*indexBlock, error) {
	r := bytes.NewReader(data)
	ib := &indexBlock{}
	var start uint32
	binary.Read(r, binary.LittleEndian, &start)
	ib.start = diskio.Sector(start)
	binary.Read(r, binary.LittleEndian, &ib.magic)
	if ib.magic != wantMagic {
		return nil, fmt.Errorf("inode: bad index block magic %#x, want %#x", ib.magic, wantMagic)
	}
	for i := range ib.entries {
		var s uint32
		binary.Read(r, binary.LittleEndian, &s)
		ib.entries[i] = diskio.Sector(s)
	}
	return ib, nil
}

func bytesToSectors(length int64) int {
	return int((length + diskio.SectorSize - 1) / diskio.SectorSize)
}

// Manager owns the open-inode table for one file system and resolves
// block maps through a shared buffer cache and free map, the Go
// counterpart of the static open_inodes list plus free_map_allocate
// calls scattered through inode.c.
type Manager struct {
	bc   *cache.Cache
	free *freemap.FreeMap

	mu   sync.Mutex
	open map[diskio.Sector]*Inode
}

// NewManager builds an inode manager over the given buffer cache and
// free map. Both must already cover the same disk.
func NewManager(bc *cache.Cache, free *freemap.FreeMap) *Manager {
	return &Manager{bc: bc, free: free, open: make(map[diskio.Sector]*Inode)}
}

// AllocateSector reserves one free sector for a new inode, for callers
// (the directory layer) that need a sector number before Create can be
// called.
func (m *Manager) AllocateSector(ctx context.Context) (diskio.Sector, bool) {
	return m.free.Allocate(ctx, 1)
}

// ReleaseSector returns a sector reserved by AllocateSector but never
// committed to a created inode.
func (m *Manager) ReleaseSector(s diskio.Sector) {
	m.free.Release(s, 1)
}

// Create initializes an inode with length bytes of zeroed data at
// sector, eagerly allocating every data sector it will need (mirroring
// inode_create's preallocation loop).
func (m *Manager) Create(ctx context.Context, sector diskio.Sector, length int64, isDir bool) error {
	di := newDiskInode(sector, length, isDir)
	if err := m.bc.Write(ctx, sector, di.encode(), 0, diskio.SectorSize); err != nil {
		return err
	}
	n := bytesToSectors(length)
	for i := 0; i < n; i++ {
		if _, err := m.resolveSector(ctx, di, int64(i)*diskio.SectorSize); err != nil {
			m.releaseAll(ctx, di)
			return err
		}
	}
	return m.bc.Write(ctx, sector, di.encode(), 0, diskio.SectorSize)
}

// Open returns the Inode for sector, loading it from disk on first
// open and incrementing its reference count on repeat opens, exactly
// as inode_open folds a second open of the same sector into the
// existing struct inode.
func (m *Manager) Open(ctx context.Context, sector diskio.Sector) (*Inode, error) {
	m.mu.Lock()
	if in, ok := m.open[sector]; ok {
		in.openCount++
		m.mu.Unlock()
		return in, nil
	}
	m.mu.Unlock()

	raw := make([]byte, diskio.SectorSize)
	if err := m.bc.Read(ctx, sector, raw, 0, diskio.SectorSize); err != nil {
		return nil, err
	}
	di, err := decodeDiskInode(raw)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if in, ok := m.open[sector]; ok {
		in.openCount++
		return in, nil
	}
	in := &Inode{mgr: m, sector: sector, data: *di, openCount: 1}
	m.open[sector] = in
	return in, nil
}

// Inode is an open handle on one on-disk inode, the counterpart of
// struct inode.
type Inode struct {
	mgr    *Manager
	sector diskio.Sector

	mu        sync.Mutex
	data      DiskInode
	openCount int
	denyWrite int
	removed   bool
}

// Sector returns the inode's sector number, its stable inumber.
func (in *Inode) Sector() diskio.Sector { return in.sector }

// OpenCount reports the current reference count, used by the directory
// layer's "can't remove a directory someone else has open" check.
func (in *Inode) OpenCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.openCount
}

// IsDir reports whether this inode represents a directory.
func (in *Inode) IsDir() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.data.IsDir
}

// Length returns the current logical length of the inode's data.
func (in *Inode) Length() int64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.data.Length
}

// Reopen increments the reference count, matching inode_reopen.
func (in *Inode) Reopen() *Inode {
	in.mu.Lock()
	in.openCount++
	in.mu.Unlock()
	return in
}

// Remove marks the inode to be deleted once its last opener closes it.
func (in *Inode) Remove() {
	in.mu.Lock()
	in.removed = true
	in.mu.Unlock()
}

// DenyWrite disables writes to this inode through every opener, for
// the "deny write to a running executable" rule. Calls are counted;
// writes stay denied until each one is undone.
func (in *Inode) DenyWrite() {
	in.mu.Lock()
	in.denyWrite++
	in.mu.Unlock()
}

// AllowWrite re-enables writes previously denied by this opener.
func (in *Inode) AllowWrite() {
	in.mu.Lock()
	if in.denyWrite > 0 {
		in.denyWrite--
	}
	in.mu.Unlock()
}

// Close decrements the reference count. On the last close, the Inode
// is dropped from its manager's open table; if it was also Removed,
// every sector it owns (including indirection blocks) is released back
// to the free map. This mirrors inode_close's open_cnt-reaches-zero
// path.
func (in *Inode) Close(ctx context.Context) error {
	in.mu.Lock()
	in.openCount--
	done := in.openCount == 0
	removed := in.removed
	data := in.data
	sector := in.sector
	in.mu.Unlock()

	if !done {
		return nil
	}

	in.mgr.mu.Lock()
	delete(in.mgr.open, sector)
	in.mgr.mu.Unlock()

	if removed {
		in.mgr.free.Release(sector, 1)
		in.mgr.releaseAll(ctx, &data)
	}
	return nil
}

// ReadAt reads up to len(p) bytes starting at offset, stopping at the
// inode's current length, mirroring inode_read_at's sector-by-sector
// copy loop.
func (in *Inode) ReadAt(ctx context.Context, p []byte, offset int64) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	total := 0
	size := len(p)
	for size > 0 {
		sector, err := in.mgr.resolveSector(ctx, &in.data, offset)
		if err != nil {
			return total, err
		}
		sectorOfs := int(offset % diskio.SectorSize)
		inodeLeft := in.data.Length - offset
		sectorLeft := diskio.SectorSize - sectorOfs
		minLeft := sectorLeft
		if inodeLeft < int64(minLeft) {
			minLeft = int(inodeLeft)
		}
		chunk := size
		if chunk > minLeft {
			chunk = minLeft
		}
		if chunk <= 0 {
			break
		}
		if err := in.mgr.bc.Read(ctx, sector, p[total:total+chunk], sectorOfs, chunk); err != nil {
			return total, err
		}
		size -= chunk
		offset += int64(chunk)
		total += chunk
	}
	return total, nil
}

// WriteAt writes len(p) bytes starting at offset, growing the inode's
// length (and allocating new sectors on demand) if the write extends
// past the current end of file. Returns 0 if a deny-write opener holds
// this inode, matching inode_write_at's deny_write_cnt guard.
func (in *Inode) WriteAt(ctx context.Context, p []byte, offset int64) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.denyWrite > 0 {
		return 0, nil
	}
	if offset+int64(len(p)) > in.data.Length {
		in.data.Length = offset + int64(len(p))
	}

	total := 0
	size := len(p)
	for size > 0 {
		sector, err := in.mgr.resolveSector(ctx, &in.data, offset)
		if err != nil {
			return total, err
		}
		sectorOfs := int(offset % diskio.SectorSize)
		inodeLeft := in.data.Length - offset
		sectorLeft := diskio.SectorSize - sectorOfs
		minLeft := sectorLeft
		if inodeLeft < int64(minLeft) {
			minLeft = int(inodeLeft)
		}
		chunk := size
		if chunk > minLeft {
			chunk = minLeft
		}
		if chunk <= 0 {
			break
		}
		if err := in.mgr.bc.Write(ctx, sector, p[total:total+chunk], sectorOfs, chunk); err != nil {
			return total, err
		}
		size -= chunk
		offset += int64(chunk)
		total += chunk
	}
	if err := in.mgr.bc.Write(ctx, in.sector, in.data.encode(), 0, diskio.SectorSize); err != nil {
		return total, err
	}
	return total, nil
}

// resolveSector returns the data sector backing byte offset pos in di,
// allocating and zero-filling it (and any indirection blocks above it)
// on first touch. This is byte_to_sector2 generalized over D/I/K.
//
// Each tier zero-fills the newly allocated leaf sector before
// persisting the pointer to it in its parent block, so a crash (or, in
// this simulation, an observer) never sees a parent pointer referencing
// sector contents other than all-zero.
func (m *Manager) resolveSector(ctx context.Context, di *DiskInode, pos int64) (diskio.Sector, error) {
	idx := int(pos / diskio.SectorSize)

	switch {
	case idx < DirectSectors:
		if di.Direct[idx] == diskio.SectorNone {
			s, ok := m.free.Allocate(ctx, 1)
			if !ok {
				return 0, fmt.Errorf("inode: free map exhausted")
			}
			if err := m.zeroSector(ctx, s); err != nil {
				return 0, err
			}
			di.Direct[idx] = s
			if err := m.bc.Write(ctx, di.Start, di.encode(), 0, diskio.SectorSize); err != nil {
				return 0, err
			}
		}
		return di.Direct[idx], nil

	case idx < indirectThreshold:
		rel := idx - DirectSectors
		slot := rel / EntriesPerIndex
		entry := rel % EntriesPerIndex

		ib, err := m.loadOrCreateIndex(ctx, &di.Indirect[slot], IndirectMagic)
		if err != nil {
			return 0, err
		}
		if ib.entries[entry] == diskio.SectorNone {
			s, ok := m.free.Allocate(ctx, 1)
			if !ok {
				return 0, fmt.Errorf("inode: free map exhausted")
			}
			if err := m.zeroSector(ctx, s); err != nil {
				return 0, err
			}
			ib.entries[entry] = s
			if err := m.bc.Write(ctx, ib.start, ib.encode(), 0, diskio.SectorSize); err != nil {
				return 0, err
			}
		}
		if err := m.bc.Write(ctx, di.Start, di.encode(), 0, diskio.SectorSize); err != nil {
			return 0, err
		}
		return ib.entries[entry], nil

	case idx < doublyThreshold:
		rel := idx - indirectThreshold

		doubly, err := m.loadOrCreateIndex(ctx, &di.Doubly, DoublyMagic)
		if err != nil {
			return 0, err
		}
		outerIdx := rel / EntriesPerIndex
		innerIdx := rel % EntriesPerIndex

		ib, err := m.loadOrCreateIndex(ctx, &doubly.entries[outerIdx], IndirectMagic)
		if err != nil {
			return 0, err
		}
		if ib.entries[innerIdx] == diskio.SectorNone {
			s, ok := m.free.Allocate(ctx, 1)
			if !ok {
				return 0, fmt.Errorf("inode: free map exhausted")
			}
			if err := m.zeroSector(ctx, s); err != nil {
				return 0, err
			}
			ib.entries[innerIdx] = s
			if err := m.bc.Write(ctx, ib.start, ib.encode(), 0, diskio.SectorSize); err != nil {
				return 0, err
			}
		}
		if err := m.bc.Write(ctx, doubly.start, doubly.encode(), 0, diskio.SectorSize); err != nil {
			return 0, err
		}
		if err := m.bc.Write(ctx, di.Start, di.encode(), 0, diskio.SectorSize); err != nil {
			return 0, err
		}
		return ib.entries[innerIdx], nil

	default:
		return 0, fmt.Errorf("inode: offset %d exceeds max file size %d", pos, MaxFileSize)
	}
}

// loadOrCreateIndex resolves *ptr to an index block, allocating and
// initializing one if *ptr is still SectorNone.
func (m *Manager) loadOrCreateIndex(ctx context.Context, ptr *diskio.Sector, magic uint32) (*indexBlock, error) {
	if *ptr == diskio.SectorNone {
		s, ok := m.free.Allocate(ctx, 1)
		if !ok {
			return nil, fmt.Errorf("inode: free map exhausted")
		}
		ib := newIndexBlock(s, magic)
		if err := m.bc.Write(ctx, s, ib.encode(), 0, diskio.SectorSize); err != nil {
			return nil, err
		}
		*ptr = s
		return ib, nil
	}
	raw := make([]byte, diskio.SectorSize)
	if err := m.bc.Read(ctx, *ptr, raw, 0, diskio.SectorSize); err != nil {
		return nil, err
	}
	return decodeIndexBlock(raw, magic)
}

func (m *Manager) zeroSector(ctx context.Context, s diskio.Sector) error {
	zero := make([]byte, diskio.SectorSize)
	return m.bc.Write(ctx, s, zero, 0, diskio.SectorSize)
}

// releaseAll walks every tier of di's block map and returns every
// allocated sector to the free map, the counterpart of free_inode_disk.
func (m *Manager) releaseAll(ctx context.Context, di *DiskInode) {
	for _, s := range di.Direct {
		if s != diskio.SectorNone {
			m.free.Release(s, 1)
		}
	}
	for _, s := range di.Indirect {
		if s == diskio.SectorNone {
			continue
		}
		raw := make([]byte, diskio.SectorSize)
		if err := m.bc.Read(ctx, s, raw, 0, diskio.SectorSize); err == nil {
			if ib, err := decodeIndexBlock(raw, IndirectMagic); err == nil {
				for _, entry := range ib.entries {
					if entry != diskio.SectorNone {
						m.free.Release(entry, 1)
					}
				}
			}
		}
		m.free.Release(s, 1)
	}
	if di.Doubly != diskio.SectorNone {
		raw := make([]byte, diskio.SectorSize)
		if err := m.bc.Read(ctx, di.Doubly, raw, 0, diskio.SectorSize); err == nil {
			if doubly, err := decodeIndexBlock(raw, DoublyMagic); err == nil {
				for _, s := range doubly.entries {
					if s == diskio.SectorNone {
						continue
					}
					inner := make([]byte, diskio.SectorSize)
					if err := m.bc.Read(ctx, s, inner, 0, diskio.SectorSize); err == nil {
						if ib, err := decodeIndexBlock(inner, IndirectMagic); err == nil {
							for _, entry := range ib.entries {
								if entry != diskio.SectorNone {
									m.free.Release(entry, 1)
								}
							}
						}
					}
					m.free.Release(s, 1)
				}
			}
		}
		m.free.Release(di.Doubly, 1)
	}
}
