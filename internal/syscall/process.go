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

// Package syscall binds a simulated user process to the file system
// and virtual memory layers: a file descriptor table, the syscall set
// a user program can issue, and the STDIN/STDOUT special cases.
// Grounded on original_source/src/userprog/syscall.c.
//
// Raw pointer validation (pointer_checkvalid/get_user/put_user in the
// original) has no counterpart here: syscall arguments arrive as Go
// slices and strings, whose memory safety the language already
// guarantees, so there is no user/kernel pointer boundary left to
// police. What the original's validation protected — a process that
// passes a bad address gets killed rather than crashing the kernel —
// is preserved instead by ValidateUserBuffer, used by a loader when it
// has an actual proc.AddressSpace and a raw page range to check (for
// instance validating an argv array before handing it to a new
// process).
package syscall

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/mskim5383/pintos-go/internal/directory"
	"github.com/mskim5383/pintos-go/internal/inode"
	"github.com/mskim5383/pintos-go/internal/klog"
	"github.com/mskim5383/pintos-go/internal/metrics"
	"github.com/mskim5383/pintos-go/internal/mmap"
	"github.com/mskim5383/pintos-go/internal/proc"
	"github.com/mskim5383/pintos-go/internal/tracing"
)

// firstUserFD is the lowest fd number handed out by Open; 0 and 1 are
// reserved for STDIN/STDOUT, matching next_fd's initial value of 3
// (this simulation has no fd 2/stderr channel, so the next free value
// is 2, not 3).
const firstUserFD = 2

var log = klog.L("syscall")

type fileHandle struct {
	dir   *directory.Dir
	inode *inode.Inode
	pos   int64
}

func (h *fileHandle) node() *inode.Inode {
	if h.dir != nil {
		return h.dir.Inode()
	}
	return h.inode
}

func (h *fileHandle) close(ctx context.Context) error {
	if h.dir != nil {
		return h.dir.Close(ctx)
	}
	return h.inode.Close(ctx)
}

// Process is one simulated user process's view of the file system: its
// current working directory and open file descriptors. Exactly one
// Process should exist per simulated thread, matching struct thread's
// embedded file_list/dir fields in the original.
type Process struct {
	tid   proc.TID
	runID uuid.UUID
	as    *proc.AddressSpace
	dm    *directory.Manager
	im    *inode.Manager
	mm    *mmap.Table

	stdout io.Writer
	stdin  io.Reader

	mu     sync.Mutex
	cwd    *directory.Dir
	fds    map[int]*fileHandle
	nextFD int
}

// NewProcess builds a process rooted at cwd (ownership of which passes
// to the Process), dispatching file system operations through dm/im,
// memory maps through mm against address space as, and STDIN/STDOUT
// through stdin/stdout.
func NewProcess(tid proc.TID, as *proc.AddressSpace, cwd *directory.Dir, dm *directory.Manager, im *inode.Manager, mm *mmap.Table, stdout io.Writer, stdin io.Reader) *Process {
	return &Process{
		tid: tid, runID: uuid.New(), as: as, dm: dm, im: im, mm: mm,
		stdout: stdout, stdin: stdin,
		cwd: cwd, fds: make(map[int]*fileHandle), nextFD: firstUserFD,
	}
}

// RunID uniquely identifies this process instance across log lines and
// traces, independent of its TID (which a kernel could in principle
// reuse after exit).
func (p *Process) RunID() uuid.UUID { return p.runID }

func (p *Process) span(ctx context.Context, name string) (context.Context, func()) {
	metrics.RecordSyscall(ctx, name)
	return tracing.Start(ctx, "syscall."+name)
}

// Halt has no state to act on in this simulation; callers shut the
// kernel down directly. It exists so the syscall set stays complete.
func (p *Process) Halt(ctx context.Context) {
	_, end := p.span(ctx, "halt")
	defer end()
}

// Exit closes every file descriptor this process still holds, the
// counterpart of sys_exit's "while (!list_empty(&file_list)) sys_close(...)"
// loop, and releases its working directory.
func (p *Process) Exit(ctx context.Context, status int) error {
	_, end := p.span(ctx, "exit")
	defer end()

	p.mu.Lock()
	fds := p.fds
	p.fds = make(map[int]*fileHandle)
	cwd := p.cwd
	p.cwd = nil
	p.mu.Unlock()

	var firstErr error
	if p.mm != nil {
		if err := p.mm.UnmapAll(ctx, p.tid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, fh := range fds {
		if err := fh.close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if cwd != nil {
		if err := cwd.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Create makes a new, empty (initialSize-length) file named by path.
func (p *Process) Create(ctx context.Context, path string, initialSize int64) (bool, error) {
	_, end := p.span(ctx, "create")
	defer end()

	p.mu.Lock()
	cwd := p.cwd
	p.mu.Unlock()

	parent, lastName, err := p.dm.Resolve(ctx, cwd, path, true)
	if err != nil {
		return false, nil
	}
	defer parent.Close(ctx)

	if in, ok, err := parent.Lookup(ctx, lastName); err != nil {
		return false, err
	} else if ok {
		in.Close(ctx)
		return false, nil
	}

	sector, ok := p.im.AllocateSector(ctx)
	if !ok {
		return false, fmt.Errorf("syscall: disk full")
	}
	if err := p.im.Create(ctx, sector, initialSize, false); err != nil {
		p.im.ReleaseSector(sector)
		return false, err
	}
	added, err := parent.Add(ctx, lastName, sector)
	if err != nil {
		return false, err
	}
	return added, nil
}

// Remove deletes the file or empty directory named by path.
func (p *Process) Remove(ctx context.Context, path string) (bool, error) {
	_, end := p.span(ctx, "remove")
	defer end()

	p.mu.Lock()
	cwd := p.cwd
	p.mu.Unlock()

	parent, lastName, err := p.dm.Resolve(ctx, cwd, path, true)
	if err != nil {
		return false, nil
	}
	defer parent.Close(ctx)
	return parent.Remove(ctx, lastName, cwd.Inode().Sector())
}

// Open resolves path and installs a new file descriptor for it,
// returning -1 if path does not name an existing entry.
func (p *Process) Open(ctx context.Context, path string) (int, error) {
	_, end := p.span(ctx, "open")
	defer end()

	p.mu.Lock()
	cwd := p.cwd
	p.mu.Unlock()

	parent, lastName, err := p.dm.Resolve(ctx, cwd, path, true)
	if err != nil {
		return -1, nil
	}
	in, ok, err := parent.Lookup(ctx, lastName)
	closeErr := parent.Close(ctx)
	if err != nil {
		return -1, err
	}
	if closeErr != nil {
		return -1, closeErr
	}
	if !ok {
		return -1, nil
	}

	fh := &fileHandle{inode: in}
	if in.IsDir() {
		fh = &fileHandle{dir: p.dm.Open(in)}
	}

	p.mu.Lock()
	fd := p.nextFD
	p.nextFD++
	p.fds[fd] = fh
	p.mu.Unlock()
	return fd, nil
}

func (p *Process) handle(fd int) (*fileHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fh, ok := p.fds[fd]
	return fh, ok
}

// Close releases fd. Closing an unknown fd is a silent no-op, matching
// sys_close's behavior when find_file_fd returns NULL.
func (p *Process) Close(ctx context.Context, fd int) error {
	_, end := p.span(ctx, "close")
	defer end()

	p.mu.Lock()
	fh, ok := p.fds[fd]
	if ok {
		delete(p.fds, fd)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return fh.close(ctx)
}

// Read fills buf from fd. fd 0 reads from the process's STDIN stream,
// the counterpart of sys_read's input_getc loop; reading from fd 1
// (STDOUT) always fails.
func (p *Process) Read(ctx context.Context, fd int, buf []byte) (int, error) {
	_, end := p.span(ctx, "read")
	defer end()

	if fd == 1 {
		return -1, nil
	}
	if fd == 0 {
		n, err := io.ReadFull(p.stdin, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		return n, err
	}

	fh, ok := p.handle(fd)
	if !ok {
		return -1, nil
	}
	n, err := fh.node().ReadAt(ctx, buf, fh.pos)
	if err != nil {
		return -1, err
	}
	fh.pos += int64(n)
	return n, nil
}

// Write writes buf to fd. fd 1 goes to the process's STDOUT stream in
// one call, matching sys_write's single putbuf; writing to fd 0
// (STDIN) or to a directory fd always fails.
func (p *Process) Write(ctx context.Context, fd int, buf []byte) (int, error) {
	_, end := p.span(ctx, "write")
	defer end()

	if fd == 0 {
		return -1, nil
	}
	if fd == 1 {
		return p.stdout.Write(buf)
	}

	fh, ok := p.handle(fd)
	if !ok {
		return -1, nil
	}
	if fh.dir != nil {
		return -1, nil
	}
	n, err := fh.inode.WriteAt(ctx, buf, fh.pos)
	if err != nil {
		return -1, err
	}
	fh.pos += int64(n)
	return n, nil
}

// Filesize returns the length, in bytes, of the file open as fd.
func (p *Process) Filesize(ctx context.Context, fd int) (int64, error) {
	_, end := p.span(ctx, "filesize")
	defer end()
	fh, ok := p.handle(fd)
	if !ok {
		return -1, nil
	}
	return fh.node().Length(), nil
}

// Seek repositions fd's cursor.
func (p *Process) Seek(ctx context.Context, fd int, position int64) {
	_, end := p.span(ctx, "seek")
	defer end()
	if fh, ok := p.handle(fd); ok {
		fh.pos = position
	}
}

// Tell returns fd's current cursor position.
func (p *Process) Tell(ctx context.Context, fd int) (int64, error) {
	_, end := p.span(ctx, "tell")
	defer end()
	fh, ok := p.handle(fd)
	if !ok {
		return -1, nil
	}
	return fh.pos, nil
}

// Chdir changes this process's working directory to path.
func (p *Process) Chdir(ctx context.Context, path string) (bool, error) {
	_, end := p.span(ctx, "chdir")
	defer end()

	p.mu.Lock()
	cwd := p.cwd
	p.mu.Unlock()

	sector, err := p.dm.Chdir(ctx, cwd, path)
	if err != nil {
		return false, nil
	}
	in, err := p.im.Open(ctx, sector)
	if err != nil {
		return false, err
	}
	newCwd := p.dm.Open(in)

	p.mu.Lock()
	old := p.cwd
	p.cwd = newCwd
	p.mu.Unlock()

	if err := old.Close(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Mkdir creates a new subdirectory named by path.
func (p *Process) Mkdir(ctx context.Context, path string) (bool, error) {
	_, end := p.span(ctx, "mkdir")
	defer end()

	p.mu.Lock()
	cwd := p.cwd
	p.mu.Unlock()

	if err := p.dm.Mkdir(ctx, cwd, path); err != nil {
		log.Warnf("mkdir %q: %v", path, err)
		return false, nil
	}
	return true, nil
}

// Readdir returns the next entry name in fd's directory, or ok=false
// if fd is not open on a directory or is exhausted.
func (p *Process) Readdir(ctx context.Context, fd int) (string, bool, error) {
	_, end := p.span(ctx, "readdir")
	defer end()

	fh, ok := p.handle(fd)
	if !ok || fh.dir == nil {
		return "", false, nil
	}
	return fh.dir.Readdir(ctx)
}

// IsDir reports whether fd is open on a directory.
func (p *Process) IsDir(ctx context.Context, fd int) bool {
	_, end := p.span(ctx, "isdir")
	defer end()
	fh, ok := p.handle(fd)
	return ok && fh.dir != nil
}

// Inumber returns fd's inode sector number, a stable per-file id.
func (p *Process) Inumber(ctx context.Context, fd int) (int, error) {
	_, end := p.span(ctx, "inumber")
	defer end()
	fh, ok := p.handle(fd)
	if !ok {
		return -1, nil
	}
	return int(fh.node().Sector()), nil
}

// Mmap maps fd's file into this process's address space starting at
// upage, one SPTE per page, and returns the new mapping's id. Mapping
// fd 0 or 1, or a zero-length file, is rejected, matching sys_mmap's
// guard before it ever calls mmap_map.
func (p *Process) Mmap(ctx context.Context, fd int, upage proc.UserPage) (int, error) {
	_, end := p.span(ctx, "mmap")
	defer end()

	if fd == 0 || fd == 1 || p.mm == nil {
		return -1, nil
	}
	fh, ok := p.handle(fd)
	if !ok || fh.dir != nil {
		return -1, nil
	}
	length := fh.node().Length()
	if length == 0 {
		return -1, nil
	}

	id, err := p.mm.Map(ctx, p.as, p.tid, upage, fh.inode, length)
	if err != nil {
		return -1, nil
	}
	return int(id), nil
}

// Munmap tears down the mapping previously returned by Mmap, writing
// back any dirty pages first.
func (p *Process) Munmap(ctx context.Context, id int) error {
	_, end := p.span(ctx, "munmap")
	defer end()

	if p.mm == nil {
		return nil
	}
	return p.mm.Unmap(ctx, mmap.MapID(id))
}

// ValidateUserBuffer checks that every page in [start, start+length)
// is currently present in as, returning an error describing the first
// missing page. A loader that copies raw bytes into a fresh address
// space (argv, for instance) uses this the way syscall_handler used
// pointer_checkvalid: to fail the operation instead of touching
// unmapped memory.
func ValidateUserBuffer(as *proc.AddressSpace, start proc.UserPage, length int) error {
	for off := 0; off < length; off += proc.PageSize {
		page := start + proc.UserPage((off/proc.PageSize)*proc.PageSize)
		if as.GetPage(page) == nil {
			return fmt.Errorf("syscall: page %v not present", page)
		}
	}
	return nil
}
