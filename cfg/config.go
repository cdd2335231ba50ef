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

package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the kernel's top-level configuration, loadable from a YAML
// file or bound CLI flags.
type Config struct {
	Disk    DiskConfig    `yaml:"disk"`
	Cache   CacheConfig   `yaml:"cache"`
	VM      VMConfig      `yaml:"vm"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Debug   DebugConfig   `yaml:"debug"`
}

// DiskConfig names the two backing disk image files and carries the
// format flag. kernel.Mount formats both disks on every run and does
// not read Format.
type DiskConfig struct {
	FilesysPath string `yaml:"filesys-path"`
	SwapPath    string `yaml:"swap-path"`
	Format      bool   `yaml:"format"`
}

// CacheConfig sizes the buffer cache (C1).
type CacheConfig struct {
	Slots int `yaml:"slots"`
}

// VMConfig sizes the frame pool and bounds concurrent swap I/O (C5).
type VMConfig struct {
	FrameCount      int   `yaml:"frame-count"`
	MaxConcurrentIO int64 `yaml:"max-concurrent-io"`
}

// LoggingConfig controls klog's output destination and rotation.
type LoggingConfig struct {
	Severity  LogSeverity            `yaml:"severity"`
	FilePath  string                 `yaml:"file-path"`
	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`
}

type LogRotateLoggingConfig struct {
	MaxFileSizeMb   int  `yaml:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count"`
	Compress        bool `yaml:"compress"`
}

// TracingConfig enables the OTel spans emitted per syscall.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus scrape endpoint for the
// OpenTelemetry counters in internal/metrics. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DebugConfig carries the lock-order flag. Rationalize turns tracing
// on when it is set; nothing else reads it. The debug-only lock-order
// checker in internal/kernel (compiled under -tags debuglocks) is not
// called from outside its tests, whatever this flag says.
type DebugConfig struct {
	CheckLockOrder bool `yaml:"check-lock-order"`
}

// BindFlags registers CLI flags for every Config field and binds each
// into viper under the matching dotted key.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("filesys-disk", "", "filesys.dsk", "Path to the file system disk image.")
	if err = viper.BindPFlag("disk.filesys-path", flagSet.Lookup("filesys-disk")); err != nil {
		return err
	}

	flagSet.StringP("swap-disk", "", "swap.dsk", "Path to the swap disk image.")
	if err = viper.BindPFlag("disk.swap-path", flagSet.Lookup("swap-disk")); err != nil {
		return err
	}

	flagSet.BoolP("format", "", false, "Format the disk images. Every run formats them; this flag does not change that.")
	if err = viper.BindPFlag("disk.format", flagSet.Lookup("format")); err != nil {
		return err
	}

	flagSet.IntP("cache-slots", "", DefaultCacheSlots, "Number of buffer cache slots.")
	if err = viper.BindPFlag("cache.slots", flagSet.Lookup("cache-slots")); err != nil {
		return err
	}

	flagSet.IntP("frame-count", "", DefaultCacheSlots, "Number of simulated physical page frames.")
	if err = viper.BindPFlag("vm.frame-count", flagSet.Lookup("frame-count")); err != nil {
		return err
	}

	flagSet.Int64P("max-concurrent-swap-io", "", DefaultSwapIOLimit, "Maximum number of concurrent swap reads/writes.")
	if err = viper.BindPFlag("vm.max-concurrent-io", flagSet.Lookup("max-concurrent-swap-io")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", INFO, "Logging severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-path", "", "", "Log file path. Empty means stderr only.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-path")); err != nil {
		return err
	}

	flagSet.BoolP("trace", "", false, "Emit an OpenTelemetry span per syscall.")
	if err = viper.BindPFlag("tracing.enabled", flagSet.Lookup("trace")); err != nil {
		return err
	}

	flagSet.BoolP("debug-lock-order", "", false, "Turn tracing on. The debug-build lock-order checker is not invoked by this flag.")
	if err = viper.BindPFlag("debug.check-lock-order", flagSet.Lookup("debug-lock-order")); err != nil {
		return err
	}

	flagSet.StringP("metrics-addr", "", "", "Address to serve Prometheus /metrics on. Empty disables it.")
	if err = viper.BindPFlag("metrics.addr", flagSet.Lookup("metrics-addr")); err != nil {
		return err
	}

	return nil
}
