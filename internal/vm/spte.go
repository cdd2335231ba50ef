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

package vm

import (
	"context"
	"sync"

	"github.com/mskim5383/pintos-go/internal/proc"
)

// FileBacking is the slice of the inode layer that a lazily-loaded
// supplemental page table entry reads through to reconstruct its
// content: exactly the method set Inode.ReadAt/WriteAt already offers,
// named narrowly here so vm never imports the inode package directly.
type FileBacking interface {
	ReadAt(ctx context.Context, p []byte, offset int64) (int, error)
	WriteAt(ctx context.Context, p []byte, offset int64) (int, error)
}

// spteKey identifies one supplemental page table entry: an owning
// thread and the user page it describes, the same "upage + tid"
// composite key spage.c hashes on.
type spteKey struct {
	owner proc.TID
	upage proc.UserPage
}

// SPTE is a supplemental page table entry: everything the VM manager
// needs to know about a user page regardless of whether it is
// currently resident, swapped out, or never yet touched. Field names
// track struct SPTE in vm/spage.h directly: lazy/fromFile mirror
// spte->lazy/spte->read, swapped mirrors spte->swap.
type SPTE struct {
	mu sync.Mutex

	owner proc.TID
	upage proc.UserPage
	as    *proc.AddressSpace

	writable bool
	mmap     bool

	// resident is true while frame holds this page's data and the
	// owning address space's PTE is present.
	resident bool
	frame    *frameEntry

	// swapped is true once this page has been evicted at least once
	// and is not currently resident — whether or not that eviction
	// actually produced a swap-disk slot (see lazy below).
	swapped  bool
	swapSlot int64

	// lazy is true while this page's content can be reconstructed
	// without reading the swap disk: either zero-fill (fromFile
	// false) or a read through file at fileOffset (fromFile true).
	// An eviction of a lazy, non-dirty page leaves lazy set and
	// never allocates a swap slot, mirroring swap_out's
	// "!spte->lazy || dirty" guard.
	lazy       bool
	fromFile   bool
	file       FileBacking
	fileOffset int64
	readBytes  int
}

// Owner and Upage identify the page this entry describes.
func (s *SPTE) Owner() proc.TID      { return s.owner }
func (s *SPTE) Upage() proc.UserPage { return s.upage }
func (s *SPTE) Writable() bool       { return s.writable }
func (s *SPTE) Mmap() bool           { return s.mmap }
func (s *SPTE) FileOffset() int64    { return s.fileOffset }
func (s *SPTE) ReadBytes() int       { return s.readBytes }
func (s *SPTE) File() FileBacking    { return s.file }

// IsDirty reports whether this page's PTE has been written since it
// was last loaded, the check mmap_unmap performs before deciding
// whether to write a mapped page back to its file.
func (s *SPTE) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.as.IsDirty(s.upage)
}

// frameEntry is one entry in the frame table: a physical page and the
// single SPTE currently using it, the Go shape of struct frame_entry.
type frameEntry struct {
	kpage []byte
	spte  *SPTE
}
