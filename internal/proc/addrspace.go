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

// Package proc stands in for the primitives a real kernel takes as
// given: the thread scheduler, the hardware page directory, and the
// physical page allocator. None of these are real; they are the
// minimal shapes internal/vm and internal/syscall need to exercise the
// same ordering and accounting problems the original pagedir/palloc
// APIs create.
package proc

import "sync"

// PageSize is the simulated hardware page size, 8 disk sectors.
const PageSize = 4096

// UserPage is a page-aligned user virtual address.
type UserPage uintptr

// PTE is a software stand-in for a hardware page-table entry: just the
// flag bits the fault/eviction paths inspect, plus the frame payload.
type PTE struct {
	Present  bool
	Accessed bool
	Dirty    bool
	Writable bool

	// Frame is the resident physical page, nil when !Present.
	Frame []byte
}

// TID identifies a simulated thread/process, standing in for Pintos's
// struct thread*.
type TID uint64

// AddressSpace is a per-process stand-in for struct pagedir: a map from
// user page to PTE, guarded by its own lock so a fault handler on one
// thread and an evictor acting on another thread's frame never race.
type AddressSpace struct {
	Owner TID

	mu    sync.Mutex
	table map[UserPage]*PTE
}

// NewAddressSpace returns an empty address space for the given owner.
func NewAddressSpace(owner TID) *AddressSpace {
	return &AddressSpace{Owner: owner, table: make(map[UserPage]*PTE)}
}

// LookupPTE returns the PTE for upage, creating an absent (non-present)
// entry if create is true — the allocate-on-demand behavior of
// lookup_page(pagedir, upage, true).
func (as *AddressSpace) LookupPTE(upage UserPage, create bool) *PTE {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, ok := as.table[upage]
	if !ok {
		if !create {
			return nil
		}
		pte = &PTE{}
		as.table[upage] = pte
	}
	return pte
}

// GetPage returns the resident frame for upage, or nil if not present,
// mirroring pagedir_get_page.
func (as *AddressSpace) GetPage(upage UserPage) []byte {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, ok := as.table[upage]
	if !ok || !pte.Present {
		return nil
	}
	return pte.Frame
}

// SetPage installs kpage as the mapping for upage, mirroring
// pagedir_set_page. Returns false if upage is already mapped to a
// frame, matching install_page's "don't clobber" check.
func (as *AddressSpace) SetPage(upage UserPage, kpage []byte, writable bool) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, ok := as.table[upage]
	if ok && pte.Present {
		return false
	}
	if !ok {
		pte = &PTE{}
		as.table[upage] = pte
	}
	pte.Frame = kpage
	pte.Present = true
	pte.Writable = writable
	pte.Accessed = false
	pte.Dirty = false
	return true
}

// ClearPresent drops the PRESENT bit and frame pointer for upage
// without removing the PTE, mirroring eviction clearing a hardware
// mapping while keeping software bookkeeping.
func (as *AddressSpace) ClearPresent(upage UserPage) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if pte, ok := as.table[upage]; ok {
		pte.Present = false
		pte.Frame = nil
	}
}

// Remove deletes the PTE for upage entirely (process exit / munmap).
func (as *AddressSpace) Remove(upage UserPage) {
	as.mu.Lock()
	defer as.mu.Unlock()
	delete(as.table, upage)
}

// TestAndResetAccessed reads the ACCESSED bit and clears it, the
// operation the second-chance scan performs on every candidate.
func (as *AddressSpace) TestAndResetAccessed(upage UserPage) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, ok := as.table[upage]
	if !ok {
		return false
	}
	was := pte.Accessed
	pte.Accessed = false
	return was
}

// MarkAccessed sets the ACCESSED bit, simulating the MMU doing so on a
// read or write through the page.
func (as *AddressSpace) MarkAccessed(upage UserPage) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if pte, ok := as.table[upage]; ok {
		pte.Accessed = true
	}
}

// MarkDirty sets the DIRTY bit, simulating the MMU doing so on a write.
func (as *AddressSpace) MarkDirty(upage UserPage) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if pte, ok := as.table[upage]; ok {
		pte.Dirty = true
	}
}

// IsDirty reports the DIRTY bit for upage.
func (as *AddressSpace) IsDirty(upage UserPage) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	if pte, ok := as.table[upage]; ok {
		return pte.Dirty
	}
	return false
}
