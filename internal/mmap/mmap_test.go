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

package mmap_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mskim5383/pintos-go/internal/diskio"
	"github.com/mskim5383/pintos-go/internal/diskio/diskiotest"
	"github.com/mskim5383/pintos-go/internal/mmap"
	"github.com/mskim5383/pintos-go/internal/proc"
	"github.com/mskim5383/pintos-go/internal/vm"
)

type fakeFile struct {
	data []byte
}

func (f *fakeFile) ReadAt(ctx context.Context, p []byte, offset int64) (int, error) {
	return copy(p, f.data[offset:]), nil
}

func (f *fakeFile) WriteAt(ctx context.Context, p []byte, offset int64) (int, error) {
	for int64(len(f.data)) < offset+int64(len(p)) {
		f.data = append(f.data, 0)
	}
	return copy(f.data[offset:], p), nil
}

func newEnv(t *testing.T) (*vm.Manager, *proc.AddressSpace) {
	t.Helper()
	pool := proc.NewPagePool(8)
	disk := diskiotest.New(diskio.Sector(64))
	swap := vm.NewSwapDevice(disk, 2)
	return vm.NewManager(pool, swap), proc.NewAddressSpace(1)
}

func TestMapFansOutOnePagePerChunkWithLastPageTruncated(t *testing.T) {
	ctx := context.Background()
	vmgr, as := newEnv(t)
	table := mmap.NewTable(vmgr)

	length := int64(proc.PageSize + 100) // two pages: one full, one 100 bytes.
	f := &fakeFile{data: bytes.Repeat([]byte{0xAB}, int(length))}

	id, err := table.Map(ctx, as, 1, 0x10000, f, length)
	require.NoError(t, err)
	assert.NotZero(t, id)

	first := vmgr.Lookup(1, 0x10000)
	require.NotNil(t, first)
	assert.Equal(t, proc.PageSize, first.ReadBytes())

	second := vmgr.Lookup(1, 0x10000+proc.PageSize)
	require.NotNil(t, second)
	assert.Equal(t, 100, second.ReadBytes())
}

func TestUnmapWritesBackDirtyPagesOnly(t *testing.T) {
	ctx := context.Background()
	vmgr, as := newEnv(t)
	table := mmap.NewTable(vmgr)

	f := &fakeFile{data: bytes.Repeat([]byte{0x00}, proc.PageSize)}
	id, err := table.Map(ctx, as, 1, 0x20000, f, int64(proc.PageSize))
	require.NoError(t, err)

	kpage, err := vmgr.Fault(ctx, 1, 0x20000)
	require.NoError(t, err)
	kpage[0] = 0x5C
	as.MarkDirty(0x20000)

	require.NoError(t, table.Unmap(ctx, id))
	assert.Equal(t, byte(0x5C), f.data[0], "dirty mmap page must be written back on unmap")
	assert.Nil(t, vmgr.Lookup(1, 0x20000), "SPTE must be freed after unmap")
}

func TestUnmapSkipsUntouchedPages(t *testing.T) {
	ctx := context.Background()
	vmgr, as := newEnv(t)
	table := mmap.NewTable(vmgr)

	f := &fakeFile{data: bytes.Repeat([]byte{0x11}, proc.PageSize)}
	id, err := table.Map(ctx, as, 1, 0x30000, f, int64(proc.PageSize))
	require.NoError(t, err)

	_, err = vmgr.Fault(ctx, 1, 0x30000)
	require.NoError(t, err)
	// never marked dirty

	require.NoError(t, table.Unmap(ctx, id))
	assert.Equal(t, byte(0x11), f.data[0], "untouched page must not be rewritten")
}

func TestFindByPageLocatesMapping(t *testing.T) {
	ctx := context.Background()
	vmgr, as := newEnv(t)
	table := mmap.NewTable(vmgr)

	f := &fakeFile{data: bytes.Repeat([]byte{0x01}, proc.PageSize)}
	id, err := table.Map(ctx, as, 1, 0x40000, f, int64(proc.PageSize))
	require.NoError(t, err)

	got, ok := table.FindByPage(1, 0x40000)
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = table.FindByPage(1, 0x50000)
	assert.False(t, ok)
}
