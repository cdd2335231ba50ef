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

package cfg_test

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mskim5383/pintos-go/cfg"
)

func TestGetDefaultConfigIsValid(t *testing.T) {
	c := cfg.GetDefaultConfig()
	require.NoError(t, cfg.ValidateConfig(&c))
}

func TestValidateConfigRejectsZeroCacheSlots(t *testing.T) {
	c := cfg.GetDefaultConfig()
	c.Cache.Slots = 0
	assert.ErrorContains(t, cfg.ValidateConfig(&c), cfg.CacheSlotsInvalidValueError)
}

func TestValidateConfigRejectsMissingDiskPaths(t *testing.T) {
	c := cfg.GetDefaultConfig()
	c.Disk.SwapPath = ""
	assert.ErrorContains(t, cfg.ValidateConfig(&c), cfg.DiskPathEmptyError)
}

func TestRationalizeTurnsOnTracingForLockOrderChecking(t *testing.T) {
	c := cfg.GetDefaultConfig()
	c.Debug.CheckLockOrder = true
	require.NoError(t, cfg.Rationalize(&c))
	assert.True(t, c.Tracing.Enabled)
}

func TestRationalizeDefaultsFrameCountToCacheSlots(t *testing.T) {
	c := cfg.GetDefaultConfig()
	c.VM.FrameCount = 0
	c.Cache.Slots = 32
	require.NoError(t, cfg.Rationalize(&c))
	assert.Equal(t, 32, c.VM.FrameCount)
}

func TestBindFlagsRegistersExpectedFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, cfg.BindFlags(fs))

	for _, name := range []string{
		"filesys-disk", "swap-disk", "format",
		"cache-slots", "frame-count", "max-concurrent-swap-io",
		"log-severity", "log-path", "trace", "debug-lock-order", "metrics-addr",
	} {
		assert.NotNil(t, fs.Lookup(name), "expected flag %q to be registered", name)
	}
}

func TestLogSeverityRank(t *testing.T) {
	assert.Less(t, cfg.TraceLogSeverity.Rank(), cfg.DebugLogSeverity.Rank())
	assert.Equal(t, -1, cfg.LogSeverity("bogus").Rank())
}

func TestLogSeverityUnmarshalTextRejectsUnknown(t *testing.T) {
	var sev cfg.LogSeverity
	assert.Error(t, sev.UnmarshalText([]byte("bogus")))
	assert.NoError(t, sev.UnmarshalText([]byte("warning")))
	assert.Equal(t, cfg.WarningLogSeverity, sev)
}
