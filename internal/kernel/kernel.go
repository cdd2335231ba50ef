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

package kernel

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mskim5383/pintos-go/cfg"
	"github.com/mskim5383/pintos-go/internal/cache"
	"github.com/mskim5383/pintos-go/internal/diskio"
	"github.com/mskim5383/pintos-go/internal/directory"
	"github.com/mskim5383/pintos-go/internal/freemap"
	"github.com/mskim5383/pintos-go/internal/inode"
	"github.com/mskim5383/pintos-go/internal/klog"
	"github.com/mskim5383/pintos-go/internal/mmap"
	"github.com/mskim5383/pintos-go/internal/proc"
	"github.com/mskim5383/pintos-go/internal/syscall"
	"github.com/mskim5383/pintos-go/internal/vm"
)

var log = klog.L("kernel")

// sectorsPerPage is how many disk sectors back one page-sized swap slot.
const sectorsPerPage = proc.PageSize / diskio.SectorSize

// Kernel owns the two backing disks and every subsystem built on top
// of them. Its fields are arranged in the order Mount builds them;
// the order their locks are acquired in is locks.go's hierarchy, not
// this field order.
type Kernel struct {
	FilesysDisk *diskio.FileDisk
	SwapDisk    *diskio.FileDisk

	Cache   *cache.Cache
	FreeMap *freemap.FreeMap
	Inodes  *inode.Manager
	Dirs    *directory.Manager

	Pool *proc.PagePool
	Swap *vm.SwapDevice
	VM   *vm.Manager
	MMap *mmap.Table

	mu      sync.Mutex
	nextTID proc.TID
}

// Mount opens the filesys and swap disks named by c and wires every
// subsystem over them. It always lays down a fresh free map and root
// directory, reserving the sectors C2 and C3 reserve for themselves
// before any file is created; c.Disk.Format is not read, and what the
// disk already holds is not looked at.
//
// Free-map persistence across mounts is not implemented: a kernel
// run's free-map state does not outlive that run, so every Mount
// formats. See DESIGN.md.
func Mount(ctx context.Context, c *cfg.Config) (*Kernel, error) {
	filesysDisk, err := diskio.OpenFileDisk(c.Disk.FilesysPath, cfg.DefaultDiskSectors)
	if err != nil {
		return nil, fmt.Errorf("kernel: opening filesys disk: %w", err)
	}

	frameCount := c.VM.FrameCount
	if frameCount <= 0 {
		frameCount = c.Cache.Slots
	}
	swapDisk, err := diskio.OpenFileDisk(c.Disk.SwapPath, diskio.Sector(frameCount*sectorsPerPage))
	if err != nil {
		filesysDisk.Close()
		return nil, fmt.Errorf("kernel: opening swap disk: %w", err)
	}

	bc := cache.New(filesysDisk, c.Cache.Slots)
	fm := freemap.New(filesysDisk.SectorCount())
	fm.Reserve(2) // sector 0 reserved for a future free-map file, sector 1 is directory.RootSector

	im := inode.NewManager(bc, fm)
	dm := directory.NewManager(im)

	if err := dm.Create(ctx, directory.RootSector, 16); err != nil {
		swapDisk.Close()
		filesysDisk.Close()
		return nil, fmt.Errorf("kernel: formatting root directory: %w", err)
	}
	log.Infof("formatted %s: %d sectors, root directory at sector %d", c.Disk.FilesysPath, filesysDisk.SectorCount(), directory.RootSector)

	pool := proc.NewPagePool(frameCount)
	maxIO := c.VM.MaxConcurrentIO
	if maxIO <= 0 {
		maxIO = cfg.DefaultSwapIOLimit
	}
	swap := vm.NewSwapDevice(swapDisk, maxIO)
	vmgr := vm.NewManager(pool, swap)
	mm := mmap.NewTable(vmgr)

	return &Kernel{
		FilesysDisk: filesysDisk,
		SwapDisk:    swapDisk,
		Cache:       bc,
		FreeMap:     fm,
		Inodes:      im,
		Dirs:        dm,
		Pool:        pool,
		Swap:        swap,
		VM:          vmgr,
		MMap:        mm,
		nextTID:     1,
	}, nil
}

// Shutdown flushes the buffer cache to disk and closes both disks.
func (k *Kernel) Shutdown() error {
	if err := k.Cache.Flush(); err != nil {
		return fmt.Errorf("kernel: flushing cache: %w", err)
	}
	if err := k.SwapDisk.Close(); err != nil {
		return fmt.Errorf("kernel: closing swap disk: %w", err)
	}
	if err := k.FilesysDisk.Close(); err != nil {
		return fmt.Errorf("kernel: closing filesys disk: %w", err)
	}
	return nil
}

// Spawn starts a new simulated process rooted at the file system
// root, with its own address space, fd table and TID, wired to every
// subsystem this kernel owns.
func (k *Kernel) Spawn(ctx context.Context, stdout io.Writer, stdin io.Reader) (*syscall.Process, error) {
	root, err := k.Dirs.OpenRoot(ctx)
	if err != nil {
		return nil, fmt.Errorf("kernel: opening root for new process: %w", err)
	}

	k.mu.Lock()
	tid := k.nextTID
	k.nextTID++
	k.mu.Unlock()

	as := proc.NewAddressSpace(tid)
	p := syscall.NewProcess(tid, as, root, k.Dirs, k.Inodes, k.MMap, stdout, stdin)
	log.Debugf("spawned tid=%d run=%s", tid, p.RunID())
	return p, nil
}
