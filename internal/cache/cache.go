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

// Package cache implements the buffer cache (C1): a fixed-capacity,
// clock-evicted cache of disk sectors that every higher layer reads
// and writes through. It is the Go shape of the BClist[64] + clock
// hand in original_source/src/filesys/inode.c's _disk_read/_disk_write,
// generalized behind a narrow Read/Write/Flush interface.
package cache

import (
	"context"
	"sync"

	"github.com/mskim5383/pintos-go/internal/diskio"
	"github.com/mskim5383/pintos-go/internal/metrics"
)

// DefaultSlots is the cache capacity used by the original design (N = 64).
const DefaultSlots = 64

// slot is one buffer-cache entry. Its own lock protects buffer content
// and the allocated/accessed/dirty flags; it is held across the disk
// I/O performed while installing a new sector, so a reader of a slot
// being evicted blocks on this lock rather than observing half-loaded
// contents.
type slot struct {
	mu       sync.Mutex
	buf      [diskio.SectorSize]byte
	sector   diskio.Sector
	allocated bool
	accessed  bool
	dirty     bool
}

// Cache is the buffer cache. One Cache wraps exactly one Disk; the
// filesys disk and the swap disk are not expected to share a Cache —
// swap I/O bypasses the cache entirely.
type Cache struct {
	disk  diskio.Disk
	slots []*slot

	// evictLock serializes clock-hand advancement and victim
	// selection. It is never held during the disk I/O that installs
	// or writes back a sector — only while picking which slot to use.
	evictLock sync.Mutex
	hand      int

	// lookup lets a hit skip the clock scan; it is protected by
	// evictLock and kept in sync with slot.sector/allocated under the
	// per-slot lock by the caller holding evictLock during mutation.
	lookup map[diskio.Sector]int
}

// New builds a Cache with the given slot count over disk.
func New(disk diskio.Disk, slots int) *Cache {
	if slots <= 0 {
		slots = DefaultSlots
	}
	c := &Cache{
		disk:   disk,
		slots:  make([]*slot, slots),
		lookup: make(map[diskio.Sector]int, slots),
	}
	for i := range c.slots {
		c.slots[i] = &slot{sector: diskio.SectorNone}
	}
	return c
}

// Read copies length bytes starting at offsetInSector from sector's
// cached contents into dst.
func (c *Cache) Read(ctx context.Context, sector diskio.Sector, dst []byte, offsetInSector, length int) error {
	s, err := c.acquire(ctx, sector)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	copy(dst[:length], s.buf[offsetInSector:offsetInSector+length])
	return nil
}

// Write copies length bytes from src into sector's cached contents at
// offsetInSector and marks the slot dirty. It does not touch disk: the
// write becomes durable only at the next Flush.
func (c *Cache) Write(ctx context.Context, sector diskio.Sector, src []byte, offsetInSector, length int) error {
	s, err := c.acquire(ctx, sector)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	copy(s.buf[offsetInSector:offsetInSector+length], src[:length])
	s.dirty = true
	return nil
}

// acquire returns the locked slot holding sector's contents, loading it
// from disk on a miss. The returned slot's lock is held by the caller
// and must be released.
func (c *Cache) acquire(ctx context.Context, sector diskio.Sector) (*slot, error) {
	c.evictLock.Lock()
	if idx, ok := c.lookup[sector]; ok {
		s := c.slots[idx]
		c.evictLock.Unlock()
		s.mu.Lock()
		if s.allocated && s.sector == sector {
			s.accessed = true
			metrics.RecordCacheHit(ctx)
			return s, nil
		}
		// Raced with an eviction of this exact slot between the
		// lookup-table read and the slot lock; fall through to a
		// full miss below.
		s.mu.Unlock()
		c.evictLock.Lock()
	}

	metrics.RecordCacheMiss(ctx)
	victimIdx, victim, err := c.selectVictimLocked(sector)
	if err != nil {
		c.evictLock.Unlock()
		return nil, err
	}
	// victim is already locked by selectVictimLocked; the eviction
	// lock is released before the disk read so other lookups can
	// proceed concurrently.
	c.evictLock.Unlock()

	if victim.allocated && victim.dirty {
		if err := c.disk.WriteSector(victim.sector, victim.buf[:]); err != nil {
			victim.mu.Unlock()
			return nil, err
		}
	}
	// Clear the old mapping before installing the new one so no two
	// slots are ever allocated for the same sector concurrently.
	c.evictLock.Lock()
	if victim.allocated {
		delete(c.lookup, victim.sector)
	}
	c.lookup[sector] = victimIdx
	c.evictLock.Unlock()

	if err := c.disk.ReadSector(sector, victim.buf[:]); err != nil {
		victim.mu.Unlock()
		return nil, err
	}
	victim.sector = sector
	victim.allocated = true
	victim.accessed = true
	victim.dirty = false
	return victim, nil
}

// selectVictimLocked runs the clock hand under evictLock and returns
// the chosen slot, already locked. evictLock is held on entry and
// remains held on return; the caller releases it once the lookup table
// no longer needs protecting.
func (c *Cache) selectVictimLocked(wantSector diskio.Sector) (int, *slot, error) {
	n := len(c.slots)
	for i := 0; i < 2*n+1; i++ {
		idx := c.hand
		c.hand = (c.hand + 1) % n
		s := c.slots[idx]
		s.mu.Lock()

		if !s.allocated {
			return idx, s, nil
		}
		if s.sector == wantSector {
			// Someone installed it between our lookup miss and here.
			s.accessed = true
			return idx, s, nil
		}
		if !s.accessed {
			return idx, s, nil
		}
		s.accessed = false
		s.mu.Unlock()
	}
	// Unreachable in practice: every slot would have to be pinned,
	// which this cache never does.
	panic("cache: clock scan found no victim")
}

// Flush writes every dirty slot back to disk, in slot order. Any of
// them may race with a concurrent reader/writer; Flush acquires each
// slot's lock in turn rather than one global lock, so it never
// violates the "eviction lock not held during I/O" rule.
func (c *Cache) Flush() error {
	for _, s := range c.slots {
		s.mu.Lock()
		if s.allocated && s.dirty {
			if err := c.disk.WriteSector(s.sector, s.buf[:]); err != nil {
				s.mu.Unlock()
				return err
			}
			s.dirty = false
		}
		s.mu.Unlock()
	}
	return nil
}

// Stats reports slot occupancy, used by shutdown diagnostics and tests.
type Stats struct {
	Slots     int
	Allocated int
	Dirty     int
}

func (c *Cache) Stats() Stats {
	st := Stats{Slots: len(c.slots)}
	for _, s := range c.slots {
		s.mu.Lock()
		if s.allocated {
			st.Allocated++
		}
		if s.dirty {
			st.Dirty++
		}
		s.mu.Unlock()
	}
	return st
}
