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

package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mskim5383/pintos-go/cfg"
)

func testConfig(t *testing.T) *cfg.Config {
	t.Helper()
	dir := t.TempDir()
	c := cfg.GetDefaultConfig()
	c.Disk.FilesysPath = filepath.Join(dir, "filesys.dsk")
	c.Disk.SwapPath = filepath.Join(dir, "swap.dsk")
	c.Cache.Slots = 8
	c.VM.FrameCount = 4
	return &c
}

func TestRunWorkloadExecutesScriptedSyscalls(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "workload.txt")
	require.NoError(t, os.WriteFile(script, []byte(
		"create hello.txt 0\n"+
			"open hello.txt\n"+
			"write 2 hi\n"+
			"seek 2 0\n"+
			"read 2 2\n"+
			"close 2\n"), 0o644))

	outFile, err := os.CreateTemp(dir, "stdout")
	require.NoError(t, err)
	defer outFile.Close()

	c := testConfig(t)
	require.NoError(t, runWorkload(context.Background(), c, script, outFile, os.Stdin))

	contents, err := os.ReadFile(outFile.Name())
	require.NoError(t, err)
	out := string(contents)
	require.Contains(t, out, `-> true`)
	require.Contains(t, out, `-> 2 "hi"`)
	require.NotContains(t, out, "!!")
}

func TestRunWorkloadExecutesMmapAndMunmap(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "workload.txt")
	require.NoError(t, os.WriteFile(script, []byte(
		"create mapped.txt 4096\n"+
			"open mapped.txt\n"+
			"mmap 2 0x8000\n"+
			"munmap 1\n"), 0o644))

	outFile, err := os.CreateTemp(dir, "stdout")
	require.NoError(t, err)
	defer outFile.Close()

	c := testConfig(t)
	require.NoError(t, runWorkload(context.Background(), c, script, outFile, os.Stdin))

	contents, err := os.ReadFile(outFile.Name())
	require.NoError(t, err)
	out := string(contents)
	require.Contains(t, out, `-> 1`)
	require.Contains(t, out, `-> unmapped`)
	require.NotContains(t, out, "!!")
}

func TestRunWorkloadReportsUnknownSyscall(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "workload.txt")
	require.NoError(t, os.WriteFile(script, []byte("frobnicate\n"), 0o644))

	outFile, err := os.CreateTemp(dir, "stdout")
	require.NoError(t, err)
	defer outFile.Close()

	c := testConfig(t)
	require.NoError(t, runWorkload(context.Background(), c, script, outFile, os.Stdin))

	contents, err := os.ReadFile(outFile.Name())
	require.NoError(t, err)
	require.True(t, strings.Contains(string(contents), `!! frobnicate: unknown syscall "frobnicate"`))
}
