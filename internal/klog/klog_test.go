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

package klog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mskim5383/pintos-go/internal/klog"
)

func TestLoggerSuppressesBelowConfiguredSeverity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.log")
	klog.Init(klog.Config{Path: path, MinSeverityRank: klog.WarnRank})

	log := klog.L("test")
	log.Debugf("should be dropped")
	log.Warnf("should appear")

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(contents)
	assert.NotContains(t, out, "should be dropped")
	assert.Contains(t, out, "should appear")
}

func TestLoggerDefaultRankLetsEverythingThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.log")
	klog.Init(klog.Config{Path: path})

	log := klog.L("test")
	log.Tracef("trace line")
	log.Errorf("error line")

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(contents)
	assert.Contains(t, out, "trace line")
	assert.Contains(t, out, "error line")
}
