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

// Package mmap implements memory-mapped files (C7): fanning a file out
// across one lazily-loaded SPTE per page, and writing modified pages
// back through the file on unmap. Grounded on
// original_source/src/vm/mmap.c.
package mmap

import (
	"context"
	"fmt"
	"sync"

	"github.com/mskim5383/pintos-go/internal/proc"
	"github.com/mskim5383/pintos-go/internal/vm"
)

// MapID identifies one mmap_map call's result, the counterpart of
// mapid_t.
type MapID uint32

type mapping struct {
	id     MapID
	owner  proc.TID
	upages []proc.UserPage
}

// Table tracks active mappings across all processes, the Go shape of
// the original's single global mmap_list plus its mapid counter.
type Table struct {
	vmgr *vm.Manager

	mu       sync.Mutex
	nextID   MapID
	mappings map[MapID]*mapping
}

// NewTable builds an mmap table that installs pages through vmgr.
func NewTable(vmgr *vm.Manager) *Table {
	return &Table{vmgr: vmgr, nextID: 1, mappings: make(map[MapID]*mapping)}
}

// Map fans file's full length out across consecutive pages starting at
// upage, each one a lazy, file-backed, mmap-flagged SPTE; the last
// page's fill is truncated to length's remainder, matching mmap_map's
// final, short spage_palloc call. Returns the new mapping's id.
func (t *Table) Map(ctx context.Context, as *proc.AddressSpace, owner proc.TID, upage proc.UserPage, file vm.FileBacking, length int64) (MapID, error) {
	if length == 0 {
		return 0, fmt.Errorf("mmap: cannot map an empty file")
	}

	pageCount := int((length + proc.PageSize - 1) / proc.PageSize)
	pages := make([]proc.UserPage, 0, pageCount)

	var ofs int64
	for i := 0; i < pageCount; i++ {
		readBytes := int64(proc.PageSize)
		if remaining := length - ofs; remaining < int64(proc.PageSize) {
			readBytes = remaining
		}
		page := upage + proc.UserPage(i*proc.PageSize)
		if err := t.vmgr.CreateLazyFile(as, owner, page, file, ofs, int(readBytes), true, true); err != nil {
			t.unwind(owner, pages)
			return 0, err
		}
		pages = append(pages, page)
		ofs += readBytes
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.mappings[id] = &mapping{id: id, owner: owner, upages: pages}
	t.mu.Unlock()

	return id, nil
}

func (t *Table) unwind(owner proc.TID, pages []proc.UserPage) {
	for _, p := range pages {
		t.vmgr.Free(owner, p)
	}
}

// Unmap tears down mapping id: every page that was written to (dirty)
// is faulted back in if currently swapped, then written through file
// before its SPTE is freed. Pages never written are simply dropped,
// matching mmap_unmap's "if (*pte & PTE_D) ... file_write" guard.
func (t *Table) Unmap(ctx context.Context, id MapID) error {
	t.mu.Lock()
	m, ok := t.mappings[id]
	if ok {
		delete(t.mappings, id)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("mmap: no such mapping %d", id)
	}

	for _, upage := range m.upages {
		spte := t.vmgr.Lookup(m.owner, upage)
		if spte == nil {
			continue
		}
		if spte.IsDirty() {
			kpage, err := t.vmgr.EnsureResident(ctx, m.owner, upage)
			if err != nil {
				return err
			}
			if _, err := spte.File().WriteAt(ctx, kpage[:spte.ReadBytes()], spte.FileOffset()); err != nil {
				return err
			}
		}
		if err := t.vmgr.Free(m.owner, upage); err != nil {
			return err
		}
	}
	return nil
}

// FindByPage returns the mapping id covering upage for owner, if any,
// the counterpart of find_mmap_by_upage: a plain "is this address
// inside a mapping" check. Unmap and UnmapAll do not use it.
func (t *Table) FindByPage(owner proc.TID, upage proc.UserPage) (MapID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.mappings {
		if m.owner != owner {
			continue
		}
		for _, p := range m.upages {
			if p == upage {
				return m.id, true
			}
		}
	}
	return 0, false
}

// UnmapAll tears down every mapping still owned by owner, used on
// process exit.
func (t *Table) UnmapAll(ctx context.Context, owner proc.TID) error {
	t.mu.Lock()
	var ids []MapID
	for id, m := range t.mappings {
		if m.owner == owner {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	for _, id := range ids {
		if err := t.Unmap(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
