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

// Package vm implements the demand-paged virtual memory manager (C5):
// a frame table with second-chance eviction, a supplemental page
// table tracking resident/swapped/lazy pages, and the swap device
// eviction writes to. Grounded on original_source/src/vm/frame.c,
// spage.c, spage.h and swap.c.
package vm

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/mskim5383/pintos-go/internal/metrics"
	"github.com/mskim5383/pintos-go/internal/proc"
)

// Manager owns the frame table, the supplemental page table, and the
// swap device for one kernel instance. All operations that touch
// shared state serialize through mu, the counterpart of frame.c's
// frame_alloc_lock plus spage.c's spage_lock/vm_lock: the original
// splits these into several locks, but nothing in this simulation
// benefits from finer granularity than one mutex guarding frame
// table + SPT bookkeeping (the expensive I/O below happens outside it).
type Manager struct {
	pool *proc.PagePool
	swap *SwapDevice

	mu    sync.Mutex
	spt   map[spteKey]*SPTE
	clock *list.List // of *frameEntry, in frame_table order
	elems map[*frameEntry]*list.Element
}

// NewManager builds a VM manager over a fixed-capacity physical page
// pool and a swap device.
func NewManager(pool *proc.PagePool, swap *SwapDevice) *Manager {
	return &Manager{
		pool:  pool,
		swap:  swap,
		spt:   make(map[spteKey]*SPTE),
		clock: list.New(),
		elems: make(map[*frameEntry]*list.Element),
	}
}

// CreateEager allocates a frame immediately and maps upage to it,
// matching spage_palloc: used for stack pages and other content that
// has no backing store to lazily reload from.
func (m *Manager) CreateEager(ctx context.Context, as *proc.AddressSpace, owner proc.TID, upage proc.UserPage, writable bool) error {
	key := spteKey{owner, upage}

	m.mu.Lock()
	if _, exists := m.spt[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("vm: %v already has a supplemental page table entry", key)
	}
	m.mu.Unlock()

	spte := &SPTE{owner: owner, upage: upage, as: as, writable: writable}
	kpage, err := m.allocFrame(ctx, spte)
	if err != nil {
		return err
	}
	spte.resident = true

	m.mu.Lock()
	m.spt[key] = spte
	m.mu.Unlock()

	if !as.SetPage(upage, kpage, writable) {
		return fmt.Errorf("vm: %v already mapped in address space", upage)
	}
	return nil
}

// CreateLazyFile registers upage as backed by a not-yet-loaded read of
// file at fileOffset for readBytes bytes (zero-padded beyond that),
// deferring frame allocation to the first fault. mmap marks pages that
// must be written back to file on eviction/unmap rather than swapped.
func (m *Manager) CreateLazyFile(as *proc.AddressSpace, owner proc.TID, upage proc.UserPage, file FileBacking, fileOffset int64, readBytes int, writable, mmap bool) error {
	return m.createLazy(as, owner, upage, writable, mmap, true, file, fileOffset, readBytes)
}

// CreateLazyZero registers upage as a page that reads as all-zero
// until first touched, the lazy counterpart of stack growth.
func (m *Manager) CreateLazyZero(as *proc.AddressSpace, owner proc.TID, upage proc.UserPage, writable bool) error {
	return m.createLazy(as, owner, upage, writable, false, false, nil, 0, 0)
}

func (m *Manager) createLazy(as *proc.AddressSpace, owner proc.TID, upage proc.UserPage, writable, mmap, fromFile bool, file FileBacking, fileOffset int64, readBytes int) error {
	key := spteKey{owner, upage}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.spt[key]; exists {
		return fmt.Errorf("vm: %v already has a supplemental page table entry", key)
	}
	m.spt[key] = &SPTE{
		owner: owner, upage: upage, as: as,
		writable: writable, mmap: mmap,
		lazy: true, fromFile: fromFile,
		file: file, fileOffset: fileOffset, readBytes: readBytes,
	}
	return nil
}

// Fault services a page fault on upage: brings the page into a frame
// (via lazy load or swap-in as appropriate) and installs it in the
// owning address space. Returns an error if no SPTE covers upage —
// the caller is responsible for distinguishing that from legitimate
// stack growth before calling here.
func (m *Manager) Fault(ctx context.Context, owner proc.TID, upage proc.UserPage) ([]byte, error) {
	spte := m.lookup(owner, upage)
	if spte == nil {
		return nil, fmt.Errorf("vm: no supplemental page table entry for %v/%v", owner, upage)
	}

	spte.mu.Lock()
	defer spte.mu.Unlock()

	if spte.resident {
		return spte.frame.kpage, nil
	}

	kpage, err := m.allocFrame(ctx, spte)
	if err != nil {
		return nil, err
	}

	if spte.swapped && !spte.lazy {
		if err := m.swap.Read(ctx, spte.swapSlot, kpage); err != nil {
			return nil, err
		}
		m.swap.Free(spte.swapSlot)
	} else if spte.lazy {
		if spte.fromFile {
			n, err := spte.file.ReadAt(ctx, kpage[:spte.readBytes], spte.fileOffset)
			if err != nil {
				return nil, err
			}
			if n != spte.readBytes {
				return nil, fmt.Errorf("vm: short read loading lazy page (%d of %d bytes)", n, spte.readBytes)
			}
			// kpage[spte.readBytes:] is already zero from allocFrame.
		}
		// LAZY_ZERO: kpage is already zero-filled, nothing to load.
		// lazy stays set: until the page is dirtied, evicting it needs
		// no swap slot and the next fault rebuilds it the same way.
	}
	spte.swapped = false
	spte.resident = true

	if !spte.as.SetPage(spte.upage, kpage, spte.writable) {
		spte.as.ClearPresent(spte.upage)
		if !spte.as.SetPage(spte.upage, kpage, spte.writable) {
			return nil, fmt.Errorf("vm: failed to install page for %v/%v", owner, upage)
		}
	}
	return kpage, nil
}

// Free releases upage's resources entirely (process exit), the
// counterpart of spage_free_page: a resident page's frame goes back to
// the pool with no write-back, a swapped page's slot is released.
func (m *Manager) Free(owner proc.TID, upage proc.UserPage) error {
	key := spteKey{owner, upage}
	m.mu.Lock()
	spte, ok := m.spt[key]
	if ok {
		delete(m.spt, key)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	spte.mu.Lock()
	defer spte.mu.Unlock()
	if spte.resident {
		m.freeFrame(spte.frame)
	} else if spte.swapped && !spte.lazy {
		m.swap.Free(spte.swapSlot)
	}
	return nil
}

// Lookup returns the SPTE for owner/upage, or nil if none exists.
func (m *Manager) lookup(owner proc.TID, upage proc.UserPage) *SPTE {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spt[spteKey{owner, upage}]
}

// Lookup exposes the SPTE for owner/upage to callers outside the
// package (the mmap layer needs it to drive write-back on unmap).
func (m *Manager) Lookup(owner proc.TID, upage proc.UserPage) *SPTE {
	return m.lookup(owner, upage)
}

// EnsureResident brings upage into a frame if it is currently swapped
// out and returns its current bytes, used by munmap to fetch a page
// it has already found dirty so it can write those bytes back.
func (m *Manager) EnsureResident(ctx context.Context, owner proc.TID, upage proc.UserPage) ([]byte, error) {
	return m.Fault(ctx, owner, upage)
}

// allocFrame gets a physical page from the pool, evicting a victim
// frame if the pool is exhausted, and associates it with spte.
func (m *Manager) allocFrame(ctx context.Context, spte *SPTE) ([]byte, error) {
	kpage, err := m.pool.Get()
	for err == proc.ErrPoolExhausted {
		if evictErr := m.evictOne(ctx); evictErr != nil {
			return nil, evictErr
		}
		kpage, err = m.pool.Get()
	}
	if err != nil {
		return nil, err
	}

	fe := &frameEntry{kpage: kpage, spte: spte}
	m.mu.Lock()
	elem := m.clock.PushBack(fe)
	m.elems[fe] = elem
	m.mu.Unlock()

	spte.frame = fe
	return kpage, nil
}

// freeFrame removes fe from the frame table and returns its page to
// the pool without writing anything back, the counterpart of
// frame_free_page.
func (m *Manager) freeFrame(fe *frameEntry) {
	m.mu.Lock()
	if elem, ok := m.elems[fe]; ok {
		m.clock.Remove(elem)
		delete(m.elems, fe)
	}
	m.mu.Unlock()
	m.pool.Put(fe.kpage)
}

// evictOne runs the second-chance scan over the frame table (the Go
// shape of frame_next_evict: walk from the front, clearing and
// requeuing any frame whose owning PTE has been accessed since the
// last scan, until one with a clear accessed bit is found) and evicts
// it: writes it to swap if needed, clears its owner's mapping, and
// returns its physical page to the pool.
func (m *Manager) evictOne(ctx context.Context) error {
	m.mu.Lock()
	if m.clock.Len() == 0 {
		m.mu.Unlock()
		return fmt.Errorf("vm: no frame available to evict")
	}
	var victim *frameEntry
	for {
		front := m.clock.Front()
		fe := front.Value.(*frameEntry)
		if fe.spte.as.TestAndResetAccessed(fe.spte.upage) {
			m.clock.MoveToBack(front)
			continue
		}
		victim = fe
		m.clock.Remove(front)
		delete(m.elems, fe)
		break
	}
	m.mu.Unlock()

	spte := victim.spte
	spte.mu.Lock()
	defer spte.mu.Unlock()

	// needsSwapSlot mirrors swap_out's "!spte->lazy || (*pte & PTE_D)":
	// a page whose content can't be reconstructed from its file/zero
	// origin (not lazy), or one that has been modified since it was
	// loaded (dirty), must be preserved on the swap disk. An mmap page
	// is written back to its backing file only on unmap, not here: an
	// ordinary eviction of a dirty mmap page still goes to swap, same
	// as any other page.
	dirty := spte.as.IsDirty(spte.upage)
	if needsSwapSlot := !spte.lazy || dirty; needsSwapSlot {
		slot, err := m.swap.Write(ctx, victim.kpage)
		if err != nil {
			return err
		}
		spte.swapSlot = slot
		spte.lazy = false
	}

	spte.as.ClearPresent(spte.upage)
	spte.resident = false
	spte.swapped = true
	spte.frame = nil

	for i := range victim.kpage {
		victim.kpage[i] = 0
	}
	m.pool.Put(victim.kpage)
	metrics.RecordFrameEviction(ctx)
	return nil
}
