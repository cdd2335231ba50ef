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

package kernel_test

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mskim5383/pintos-go/cfg"
	"github.com/mskim5383/pintos-go/internal/kernel"
)

func testConfig(t *testing.T) *cfg.Config {
	t.Helper()
	dir := t.TempDir()
	c := cfg.GetDefaultConfig()
	c.Disk.FilesysPath = filepath.Join(dir, "filesys.dsk")
	c.Disk.SwapPath = filepath.Join(dir, "swap.dsk")
	c.Cache.Slots = 8
	c.VM.FrameCount = 4
	c.VM.MaxConcurrentIO = 2
	return &c
}

func TestMountFormatsFreshDisksAndShutsDown(t *testing.T) {
	ctx := context.Background()
	c := testConfig(t)

	k, err := kernel.Mount(ctx, c)
	require.NoError(t, err)
	require.NotNil(t, k.Dirs)
	require.NotNil(t, k.VM)
	require.NoError(t, k.Shutdown())
}

func TestSpawnedProcessCanCreateAndReadAFile(t *testing.T) {
	ctx := context.Background()
	c := testConfig(t)

	k, err := kernel.Mount(ctx, c)
	require.NoError(t, err)
	defer k.Shutdown()

	var stdout strings.Builder
	p, err := k.Spawn(ctx, &stdout, strings.NewReader(""))
	require.NoError(t, err)

	ok, err := p.Create(ctx, "hello.txt", 0)
	require.NoError(t, err)
	require.True(t, ok)

	fd, err := p.Open(ctx, "hello.txt")
	require.NoError(t, err)
	require.GreaterOrEqual(t, fd, 0)

	n, err := p.Write(ctx, fd, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	p.Seek(ctx, fd, 0)
	buf := make([]byte, 2)
	n, err = p.Read(ctx, fd, buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "hi", string(buf))

	require.NoError(t, p.Exit(ctx, 0))
}

func TestSpawnAssignsDistinctTIDs(t *testing.T) {
	ctx := context.Background()
	c := testConfig(t)

	k, err := kernel.Mount(ctx, c)
	require.NoError(t, err)
	defer k.Shutdown()

	p1, err := k.Spawn(ctx, io.Discard, strings.NewReader(""))
	require.NoError(t, err)
	p2, err := k.Spawn(ctx, io.Discard, strings.NewReader(""))
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)
}
