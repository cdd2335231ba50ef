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

// Package freemap implements the free-map (C2): a bitmap of allocated
// disk sectors, with sector 0 reserved for the well-known free-map
// inode. The bitmap is held in memory only: every kernel mount builds
// a fresh one, and it is neither read from nor written to the disk.
//
// The bitmap itself is hand-rolled over []uint64 and math/bits rather
// than imported: the operations needed (single-bit scan-and-flip,
// clear) are a few lines each and don't warrant a dependency.
package freemap

import (
	"context"
	"fmt"
	"math/bits"
	"sync"

	"github.com/mskim5383/pintos-go/internal/diskio"
)

// FreeMap tracks which sectors of a disk are allocated. Bit i is set
// when sector i is free, matching the source's "1 = free" convention
// (free_map created with bitmap_set_all(..., true)).
type FreeMap struct {
	mu    sync.Mutex
	words []uint64
	n     diskio.Sector
}

// New creates a FreeMap covering n sectors, all initially free.
func New(n diskio.Sector) *FreeMap {
	fm := &FreeMap{
		words: make([]uint64, (int(n)+63)/64),
		n:     n,
	}
	for i := range fm.words {
		fm.words[i] = ^uint64(0)
	}
	fm.maskTail()
	return fm
}

func (fm *FreeMap) maskTail() {
	rem := int(fm.n) % 64
	if rem != 0 && len(fm.words) > 0 {
		fm.words[len(fm.words)-1] &= (uint64(1) << rem) - 1
	}
}

// Reserve marks sectors [0, count) as allocated unconditionally. Used
// at format time to reserve the free-map and root-directory sectors
// before any allocation has happened.
func (fm *FreeMap) Reserve(count diskio.Sector) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for s := diskio.Sector(0); s < count; s++ {
		fm.clearBit(s)
	}
}

// Allocate finds n contiguous free sectors, marks them allocated, and
// returns the first one. Only n=1 is exercised by the inode layer, but
// the contiguous scan is kept general rather than special-cased.
func (fm *FreeMap) Allocate(ctx context.Context, n int) (diskio.Sector, bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	run := 0
	start := diskio.Sector(0)
	for s := diskio.Sector(0); s < fm.n; s++ {
		if fm.testBit(s) {
			if run == 0 {
				start = s
			}
			run++
			if run == n {
				for i := 0; i < n; i++ {
					fm.clearBit(start + diskio.Sector(i))
				}
				return start, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// Release clears the allocated bits for the n sectors starting at s,
// returning them to the free pool.
func (fm *FreeMap) Release(s diskio.Sector, n int) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for i := 0; i < n; i++ {
		fm.setBit(s + diskio.Sector(i))
	}
}

// IsFree reports whether sector s is currently unallocated.
func (fm *FreeMap) IsFree(s diskio.Sector) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.testBit(s)
}

func (fm *FreeMap) testBit(s diskio.Sector) bool {
	return fm.words[s/64]&(uint64(1)<<(s%64)) != 0
}
func (fm *FreeMap) setBit(s diskio.Sector)   { fm.words[s/64] |= uint64(1) << (s % 64) }
func (fm *FreeMap) clearBit(s diskio.Sector) { fm.words[s/64] &^= uint64(1) << (s % 64) }

// Stats reports free/used sector counts.
type Stats struct {
	Total, Free, Used int
}

func (fm *FreeMap) Stats() Stats {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	free := 0
	for i, w := range fm.words {
		if i == len(fm.words)-1 {
			rem := int(fm.n) % 64
			if rem != 0 {
				w &= (uint64(1) << rem) - 1
			}
		}
		free += bits.OnesCount64(w)
	}
	return Stats{Total: int(fm.n), Free: free, Used: int(fm.n) - free}
}

// Encode serializes the bitmap into the byte form stored as the
// free-map inode's data, one bit per sector, little-endian within each
// word — matching struct bitmap's on-disk representation closely
// enough for our purposes; cross-process format compatibility is not
// a goal.
func (fm *FreeMap) Encode() []byte {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	out := make([]byte, len(fm.words)*8)
	for i, w := range fm.words {
		for b := 0; b < 8; b++ {
			out[i*8+b] = byte(w >> (8 * b))
		}
	}
	return out
}

// Decode loads the bitmap from bytes previously produced by Encode.
func Decode(data []byte, n diskio.Sector) (*FreeMap, error) {
	fm := New(n)
	need := (int(n) + 63) / 64 * 8
	if len(data) < need {
		return nil, fmt.Errorf("freemap: decode buffer too short (%d < %d)", len(data), need)
	}
	for i := range fm.words {
		var w uint64
		for b := 0; b < 8; b++ {
			w |= uint64(data[i*8+b]) << (8 * b)
		}
		fm.words[i] = w
	}
	fm.maskTail()
	return fm, nil
}
