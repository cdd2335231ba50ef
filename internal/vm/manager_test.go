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

package vm_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mskim5383/pintos-go/internal/diskio"
	"github.com/mskim5383/pintos-go/internal/diskio/diskiotest"
	"github.com/mskim5383/pintos-go/internal/proc"
	"github.com/mskim5383/pintos-go/internal/vm"
)

type fakeFile struct {
	data []byte
}

func (f *fakeFile) ReadAt(ctx context.Context, p []byte, offset int64) (int, error) {
	n := copy(p, f.data[offset:])
	return n, nil
}

func (f *fakeFile) WriteAt(ctx context.Context, p []byte, offset int64) (int, error) {
	n := copy(f.data[offset:], p)
	return n, nil
}

func newManager(t *testing.T, pageCapacity int, swapSectors int) *vm.Manager {
	t.Helper()
	pool := proc.NewPagePool(pageCapacity)
	disk := diskiotest.New(diskio.Sector(swapSectors))
	swap := vm.NewSwapDevice(disk, 2)
	return vm.NewManager(pool, swap)
}

func TestCreateEagerIsImmediatelyResident(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t, 4, 64)
	as := proc.NewAddressSpace(1)

	require.NoError(t, mgr.CreateEager(ctx, as, 1, 0x1000, true))
	assert.NotNil(t, as.GetPage(0x1000))
}

func TestFaultOnEvictedPageSwapsBackIn(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t, 1, 64) // one physical frame forces eviction.
	as := proc.NewAddressSpace(1)

	require.NoError(t, mgr.CreateEager(ctx, as, 1, 0x1000, true))
	page := as.GetPage(0x1000)
	copy(page, bytes.Repeat([]byte{0x99}, len(page)))
	as.MarkDirty(0x1000)

	// Allocating a second eager page with only one physical frame
	// forces the first to be evicted.
	require.NoError(t, mgr.CreateEager(ctx, as, 1, 0x2000, true))
	assert.Nil(t, as.GetPage(0x1000), "evicted page must no longer be present")

	got, err := mgr.Fault(ctx, 1, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, byte(0x99), got[0], "swapped-in content must match what was written before eviction")
	assert.NotNil(t, as.GetPage(0x1000))
}

func TestLazyZeroPageReadsAsZeroUntilFault(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t, 4, 64)
	as := proc.NewAddressSpace(1)

	require.NoError(t, mgr.CreateLazyZero(as, 1, 0x3000, true))
	assert.Nil(t, as.GetPage(0x3000), "lazy page must not be resident before first fault")

	kpage, err := mgr.Fault(ctx, 1, 0x3000)
	require.NoError(t, err)
	for _, b := range kpage {
		assert.Equal(t, byte(0), b)
	}
}

func TestLazyFilePageLoadsFromFileOnFault(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t, 4, 64)
	as := proc.NewAddressSpace(1)

	f := &fakeFile{data: bytes.Repeat([]byte{0x42}, 200)}
	require.NoError(t, mgr.CreateLazyFile(as, 1, 0x4000, f, 0, 200, true, false))

	kpage, err := mgr.Fault(ctx, 1, 0x4000)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), kpage[0])
	assert.Equal(t, byte(0x42), kpage[199])
	assert.Equal(t, byte(0), kpage[200], "bytes past readBytes must stay zero-filled")
}

func TestEvictionOfUntouchedLazyPageNeedsNoSwapSlot(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t, 1, 8) // tiny swap disk: would fail if a slot were required.
	as := proc.NewAddressSpace(1)

	f := &fakeFile{data: bytes.Repeat([]byte{0x7}, 4096)}
	require.NoError(t, mgr.CreateLazyFile(as, 1, 0x5000, f, 0, 4096, true, false))
	_, err := mgr.Fault(ctx, 1, 0x5000)
	require.NoError(t, err)

	// Force eviction without ever marking the page dirty: the
	// original's needsSwapSlot predicate should skip swap entirely.
	require.NoError(t, mgr.CreateEager(ctx, as, 1, 0x6000, true))

	kpage, err := mgr.Fault(ctx, 1, 0x5000)
	require.NoError(t, err)
	assert.Equal(t, byte(0x7), kpage[0], "undirtied lazy page must reload from file, not swap")
}

func TestFreeReturnsFrameWithoutError(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t, 4, 64)
	as := proc.NewAddressSpace(1)
	require.NoError(t, mgr.CreateEager(ctx, as, 1, 0x7000, true))
	require.NoError(t, mgr.Free(1, 0x7000))
	assert.Nil(t, mgr.Lookup(1, 0x7000))
}
