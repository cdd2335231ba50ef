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

// Package directory implements the hierarchical directory layer (C4):
// fixed-size packed entries stored as an inode's data, "." and ".."
// self-references, and path resolution against a current working
// directory.
//
// Grounded on original_source/src/filesys/directory.c. Path resolution
// replaces strtok_r's destructive tokenizing (dir_lookup_dir) with a
// plain strings.Split walk that never mutates its input, and the
// "if (inode->sector > 10000) return dir_open_root()" detour in
// dir_open is dropped: it silently redirected any inode whose sector
// number happened to exceed 10000 to the root directory, which is a
// latent bug in the original rather than a semantic this layer should
// reproduce.
package directory

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/mskim5383/pintos-go/internal/diskio"
	"github.com/mskim5383/pintos-go/internal/inode"
)

// RootSector is the well-known sector holding the root directory's
// inode. Sector 0 is reserved for the free map.
const RootSector diskio.Sector = 1

// NameMax is the longest file name component this directory layer
// stores, matching NAME_MAX in the original.
const NameMax = 14

// entrySize is the fixed on-disk size of one directory entry: a sector
// number, a name buffer, and an in-use flag.
const entrySize = 4 + (NameMax + 1) + 1

type dirEntry struct {
	sector diskio.Sector
	name   string
	inUse  bool
}

func (e dirEntry) encode() []byte {
	buf := make([]byte, entrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.sector))
	copy(buf[4:4+NameMax+1], e.name)
	if e.inUse {
		buf[entrySize-1] = 1
	}
	return buf
}

func decodeEntry(buf []byte) dirEntry {
	sector := diskio.Sector(binary.LittleEndian.Uint32(buf[0:4]))
	nameBuf := buf[4 : 4+NameMax+1]
	end := bytes.IndexByte(nameBuf, 0)
	if end < 0 {
		end = len(nameBuf)
	}
	return dirEntry{sector: sector, name: string(nameBuf[:end]), inUse: buf[entrySize-1] != 0}
}

// Manager creates and opens directories backed by an inode manager.
type Manager struct {
	inodes *inode.Manager
}

// NewManager returns a directory manager layered over inodes.
func NewManager(inodes *inode.Manager) *Manager {
	return &Manager{inodes: inodes}
}

// Create formats sector as an empty directory able to hold entryCount
// entries without growing.
func (m *Manager) Create(ctx context.Context, sector diskio.Sector, entryCount int) error {
	return m.inodes.Create(ctx, sector, int64(entryCount)*entrySize, true)
}

// Open wraps an already-open inode as a directory, taking ownership of
// it: closing the Dir closes the inode.
func (m *Manager) Open(in *inode.Inode) *Dir {
	return &Dir{mgr: m, inode: in}
}

// OpenRoot opens the root directory.
func (m *Manager) OpenRoot(ctx context.Context) (*Dir, error) {
	in, err := m.inodes.Open(ctx, RootSector)
	if err != nil {
		return nil, err
	}
	return m.Open(in), nil
}

// Dir is an open directory handle, the counterpart of struct dir.
type Dir struct {
	mgr   *Manager
	inode *inode.Inode

	mu  sync.Mutex
	pos int64
}

// Inode returns the underlying inode.
func (d *Dir) Inode() *inode.Inode { return d.inode }

// Reopen returns a new handle sharing the same underlying inode.
func (d *Dir) Reopen() *Dir {
	return &Dir{mgr: d.mgr, inode: d.inode.Reopen()}
}

// Close releases this handle's reference to the underlying inode.
func (d *Dir) Close(ctx context.Context) error {
	return d.inode.Close(ctx)
}

// lookupEntry scans the directory's entries for name, returning the
// entry and its byte offset if found.
func (d *Dir) lookupEntry(ctx context.Context, name string) (dirEntry, int64, bool, error) {
	buf := make([]byte, entrySize)
	for ofs := int64(0); ; ofs += entrySize {
		n, err := d.inode.ReadAt(ctx, buf, ofs)
		if err != nil {
			return dirEntry{}, 0, false, err
		}
		if n != entrySize {
			return dirEntry{}, 0, false, nil
		}
		e := decodeEntry(buf)
		if e.inUse && e.name == name {
			return e, ofs, true, nil
		}
	}
}

// Lookup searches the directory for name and opens its inode on a hit.
func (d *Dir) Lookup(ctx context.Context, name string) (*inode.Inode, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, _, ok, err := d.lookupEntry(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	in, err := d.mgr.inodes.Open(ctx, e.sector)
	if err != nil {
		return nil, false, err
	}
	return in, true, nil
}

// Add creates a directory entry named name pointing at sector. Returns
// false (no error) if name is invalid or already present.
func (d *Dir) Add(ctx context.Context, name string, sector diskio.Sector) (bool, error) {
	if name == "" || len(name) > NameMax {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, _, ok, err := d.lookupEntry(ctx, name); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}

	buf := make([]byte, entrySize)
	var ofs int64
	for {
		n, err := d.inode.ReadAt(ctx, buf, ofs)
		if err != nil {
			return false, err
		}
		if n != entrySize {
			break
		}
		if !decodeEntry(buf).inUse {
			break
		}
		ofs += entrySize
	}

	e := dirEntry{sector: sector, name: name, inUse: true}
	n, err := d.inode.WriteAt(ctx, e.encode(), ofs)
	if err != nil {
		return false, err
	}
	return n == entrySize, nil
}

// isEmpty reports whether the directory has no entries besides "." and
// "..", the precondition for removing a directory.
func (d *Dir) isEmpty(ctx context.Context) (bool, error) {
	buf := make([]byte, entrySize)
	for ofs := int64(0); ; ofs += entrySize {
		n, err := d.inode.ReadAt(ctx, buf, ofs)
		if err != nil {
			return false, err
		}
		if n != entrySize {
			return true, nil
		}
		e := decodeEntry(buf)
		if e.inUse && e.name != "." && e.name != ".." {
			return false, nil
		}
	}
}

// Remove deletes the entry named name. cwdSector is the caller's
// current working directory; removing it (even indirectly empty) is
// refused, matching dir_remove's self-removal guard. Removing a
// non-empty directory, or one with more than one opener, also fails.
func (d *Dir) Remove(ctx context.Context, name string, cwdSector diskio.Sector) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ofs, ok, err := d.lookupEntry(ctx, name)
	if err != nil || !ok {
		return false, err
	}

	target, err := d.mgr.inodes.Open(ctx, e.sector)
	if err != nil {
		return false, err
	}

	if target.IsDir() {
		sub := d.mgr.Open(target.Reopen())
		empty, err := sub.isEmpty(ctx)
		closeErr := sub.Close(ctx)
		if err == nil {
			err = closeErr
		}
		if err != nil {
			target.Close(ctx)
			return false, err
		}
		if !empty || target.Sector() == cwdSector || target.OpenCount() > 1 {
			target.Close(ctx)
			return false, nil
		}
	}

	e.inUse = false
	if n, err := d.inode.WriteAt(ctx, e.encode(), ofs); err != nil || n != entrySize {
		target.Close(ctx)
		if err != nil {
			return false, err
		}
		return false, nil
	}

	target.Remove()
	if err := target.Close(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Readdir returns the next non-"."/".." entry name in iteration order,
// or ok=false once entries are exhausted. Each Dir tracks its own
// iteration position, mirroring struct dir's pos field.
func (d *Dir) Readdir(ctx context.Context) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, entrySize)
	for {
		n, err := d.inode.ReadAt(ctx, buf, d.pos)
		if err != nil {
			return "", false, err
		}
		if n != entrySize {
			return "", false, nil
		}
		d.pos += entrySize
		e := decodeEntry(buf)
		if e.name == "." || e.name == ".." {
			continue
		}
		if e.inUse {
			return e.name, true, nil
		}
	}
}

// Resolve walks path starting from cwd, the Go counterpart of
// dir_lookup_dir. When wantLastName is true, resolution stops one
// component short and returns the containing directory plus the final
// path component's name (the "schubert" mode used by mkdir/create to
// get a parent handle without requiring the final name to already
// exist); the special name "root" is returned for an empty or "/"
// path. When wantLastName is false, every component is resolved and
// the named directory itself is returned (used by chdir).
func (m *Manager) Resolve(ctx context.Context, cwd *Dir, path string, wantLastName bool) (*Dir, string, error) {
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		if !wantLastName {
			return nil, "", fmt.Errorf("directory: empty path")
		}
		root, err := m.OpenRoot(ctx)
		if err != nil {
			return nil, "", err
		}
		return root, "root", nil
	}

	cur := cwd.Reopen()
	if strings.HasPrefix(trimmed, "/") {
		if err := cur.Close(ctx); err != nil {
			return nil, "", err
		}
		var err error
		cur, err = m.OpenRoot(ctx)
		if err != nil {
			return nil, "", err
		}
	}

	var comps []string
	for _, p := range strings.Split(trimmed, "/") {
		if p != "" {
			comps = append(comps, p)
		}
	}
	if len(comps) == 0 {
		if err := cur.Close(ctx); err != nil {
			return nil, "", err
		}
		if !wantLastName {
			return nil, "", fmt.Errorf("directory: empty path")
		}
		root, err := m.OpenRoot(ctx)
		if err != nil {
			return nil, "", err
		}
		return root, "root", nil
	}

	for i, comp := range comps {
		last := i == len(comps)-1
		if wantLastName && last {
			return cur, comp, nil
		}
		in, ok, err := cur.Lookup(ctx, comp)
		if err != nil {
			cur.Close(ctx)
			return nil, "", err
		}
		if !ok {
			cur.Close(ctx)
			return nil, "", fmt.Errorf("directory: %q not found", comp)
		}
		if !in.IsDir() {
			in.Close(ctx)
			cur.Close(ctx)
			return nil, "", fmt.Errorf("directory: %q is not a directory", comp)
		}
		next := m.Open(in)
		if err := cur.Close(ctx); err != nil {
			next.Close(ctx)
			return nil, "", err
		}
		cur = next
	}
	return cur, "", nil
}

// Mkdir creates a new subdirectory named by path relative to cwd,
// installing "." and ".." entries and linking it into its parent.
func (m *Manager) Mkdir(ctx context.Context, cwd *Dir, path string) error {
	parent, lastName, err := m.Resolve(ctx, cwd, path, true)
	if err != nil {
		return err
	}
	defer parent.Close(ctx)

	if in, ok, err := parent.Lookup(ctx, lastName); err != nil {
		return err
	} else if ok {
		in.Close(ctx)
		return fmt.Errorf("directory: %q already exists", lastName)
	}

	sector, ok := m.inodes.AllocateSector(ctx)
	if !ok {
		return fmt.Errorf("directory: disk full")
	}
	if err := m.Create(ctx, sector, 0); err != nil {
		m.inodes.ReleaseSector(sector)
		return err
	}

	childInode, err := m.inodes.Open(ctx, sector)
	if err != nil {
		return err
	}
	child := m.Open(childInode)
	defer child.Close(ctx)

	if ok, err := child.Add(ctx, ".", sector); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("directory: failed to add \".\"")
		}
		return err
	}
	if ok, err := child.Add(ctx, "..", parent.Inode().Sector()); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("directory: failed to add \"..\"")
		}
		return err
	}
	if ok, err := parent.Add(ctx, lastName, sector); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("directory: failed to link %q into parent", lastName)
		}
		return err
	}
	return nil
}

// Chdir resolves path relative to cwd and returns the sector of the
// directory it names, for the caller to install as its new working
// directory.
func (m *Manager) Chdir(ctx context.Context, cwd *Dir, path string) (diskio.Sector, error) {
	target, _, err := m.Resolve(ctx, cwd, path, false)
	if err != nil {
		return 0, err
	}
	sector := target.Inode().Sector()
	if err := target.Close(ctx); err != nil {
		return 0, err
	}
	return sector, nil
}
