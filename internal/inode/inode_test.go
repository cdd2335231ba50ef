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

package inode_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mskim5383/pintos-go/internal/cache"
	"github.com/mskim5383/pintos-go/internal/diskio"
	"github.com/mskim5383/pintos-go/internal/diskio/diskiotest"
	"github.com/mskim5383/pintos-go/internal/freemap"
	"github.com/mskim5383/pintos-go/internal/inode"
)

func newManager(t *testing.T, sectors diskio.Sector) (*inode.Manager, *freemap.FreeMap) {
	t.Helper()
	disk := diskiotest.New(sectors)
	bc := cache.New(disk, 16)
	fm := freemap.New(sectors)
	fm.Reserve(2) // sector 0: free map, sector 1: root dir, by convention.
	return inode.NewManager(bc, fm), fm
}

func TestCreateOpenReadWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, 64)

	require.NoError(t, mgr.Create(ctx, 2, 100, false))

	in, err := mgr.Open(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 100, in.Length())
	assert.False(t, in.IsDir())

	payload := bytes.Repeat([]byte{0x5A}, 100)
	n, err := in.WriteAt(ctx, payload, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	got := make([]byte, 100)
	n, err = in.ReadAt(ctx, got, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, payload, got)

	require.NoError(t, in.Close(ctx))
}

func TestWriteGrowsAcrossDirectIndirectAndDoublyTiers(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, 20000)

	require.NoError(t, mgr.Create(ctx, 2, 0, false))
	in, err := mgr.Open(ctx, 2)
	require.NoError(t, err)

	// One byte in the direct region, one just past it (indirect tier),
	// one just past the indirect range (doubly-indirect tier).
	offsets := []int64{
		0,
		(inode.DirectSectors + 1) * diskio.SectorSize,
		(inode.DirectSectors + inode.IndirectPointers*inode.EntriesPerIndex + 1) * diskio.SectorSize,
	}
	for _, off := range offsets {
		n, err := in.WriteAt(ctx, []byte{0x7E}, off)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	for _, off := range offsets {
		got := make([]byte, 1)
		n, err := in.ReadAt(ctx, got, off)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, byte(0x7E), got[0])
	}

	require.NoError(t, in.Close(ctx))
}

func TestRemoveReleasesSectorsOnLastClose(t *testing.T) {
	ctx := context.Background()
	mgr, fm := newManager(t, 64)

	require.NoError(t, mgr.Create(ctx, 2, int64(diskio.SectorSize*3), false))
	in, err := mgr.Open(ctx, 2)
	require.NoError(t, err)
	in2, err := mgr.Open(ctx, 2)
	require.NoError(t, err)

	before := fm.Stats().Free
	in.Remove()
	require.NoError(t, in.Close(ctx))
	// Still referenced by in2: sectors must not be released yet.
	assert.Equal(t, before, fm.Stats().Free)

	require.NoError(t, in2.Close(ctx))
	assert.Greater(t, fm.Stats().Free, before, "sectors should be released once the last opener closes")
}

func TestDenyWriteBlocksWrites(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, 64)
	require.NoError(t, mgr.Create(ctx, 2, 10, false))
	in, err := mgr.Open(ctx, 2)
	require.NoError(t, err)

	in.DenyWrite()
	n, err := in.WriteAt(ctx, []byte{1, 2, 3}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "write must be a no-op while deny-write is active")

	in.AllowWrite()
	n, err = in.WriteAt(ctx, []byte{1, 2, 3}, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, in.Close(ctx))
}

func TestOpenTwiceReturnsSameHandle(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, 64)
	require.NoError(t, mgr.Create(ctx, 2, 10, false))

	a, err := mgr.Open(ctx, 2)
	require.NoError(t, err)
	b, err := mgr.Open(ctx, 2)
	require.NoError(t, err)
	assert.Same(t, a, b)

	require.NoError(t, a.Close(ctx))
	require.NoError(t, b.Close(ctx))
}
