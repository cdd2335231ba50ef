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

package freemap_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mskim5383/pintos-go/internal/diskio"
	"github.com/mskim5383/pintos-go/internal/freemap"
)

func TestAllocateThenReleaseIsReusable(t *testing.T) {
	ctx := context.Background()
	fm := freemap.New(16)

	s1, ok := fm.Allocate(ctx, 1)
	require.True(t, ok)
	s2, ok := fm.Allocate(ctx, 1)
	require.True(t, ok)
	assert.NotEqual(t, s1, s2)
	assert.False(t, fm.IsFree(s1))

	fm.Release(s1, 1)
	assert.True(t, fm.IsFree(s1))
}

func TestReserveBlocksAllocation(t *testing.T) {
	fm := freemap.New(4)
	fm.Reserve(2)
	assert.False(t, fm.IsFree(0))
	assert.False(t, fm.IsFree(1))
	assert.True(t, fm.IsFree(2))
}

func TestAllocateExhaustion(t *testing.T) {
	ctx := context.Background()
	fm := freemap.New(2)
	_, ok := fm.Allocate(ctx, 1)
	require.True(t, ok)
	_, ok = fm.Allocate(ctx, 1)
	require.True(t, ok)
	_, ok = fm.Allocate(ctx, 1)
	assert.False(t, ok, "third allocation on a 2-sector map must fail")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	fm := freemap.New(200)
	_, _ = fm.Allocate(ctx, 1)
	_, _ = fm.Allocate(ctx, 1)
	_, _ = fm.Allocate(ctx, 1)

	data := fm.Encode()
	decoded, err := freemap.Decode(data, 200)
	require.NoError(t, err)
	assert.Equal(t, fm.Stats(), decoded.Stats())

	for s := diskio.Sector(0); s < 200; s++ {
		assert.Equal(t, fm.IsFree(s), decoded.IsFree(s), "sector %d mismatch after round trip", s)
	}
}

func TestStatsReflectsUsage(t *testing.T) {
	ctx := context.Background()
	fm := freemap.New(10)
	before := fm.Stats()
	assert.Equal(t, 10, before.Free)

	_, _ = fm.Allocate(ctx, 3)
	after := fm.Stats()
	assert.Equal(t, 7, after.Free)
	assert.Equal(t, 3, after.Used)
}
