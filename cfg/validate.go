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
	"fmt"
)

const (
	CacheSlotsInvalidValueError    = "the value of cache.slots must be at least 1"
	FrameCountInvalidValueError    = "the value of vm.frame-count must be at least 1"
	MaxConcurrentIOInvalidValueError = "the value of vm.max-concurrent-io must be at least 1"
	DiskPathEmptyError             = "disk.filesys-path and disk.swap-path must both be set"
)

func isValidLogRotateConfig(config *LogRotateLoggingConfig) error {
	if config.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be atleast 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}

func isValidCacheConfig(c *CacheConfig) error {
	if c.Slots < 1 {
		return fmt.Errorf(CacheSlotsInvalidValueError)
	}
	return nil
}

func isValidVMConfig(c *VMConfig) error {
	if c.FrameCount < 1 {
		return fmt.Errorf(FrameCountInvalidValueError)
	}
	if c.MaxConcurrentIO < 1 {
		return fmt.Errorf(MaxConcurrentIOInvalidValueError)
	}
	return nil
}

func isValidDiskConfig(c *DiskConfig) error {
	if c.FilesysPath == "" || c.SwapPath == "" {
		return fmt.Errorf(DiskPathEmptyError)
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	var err error

	if err = isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}
	if err = isValidCacheConfig(&config.Cache); err != nil {
		return fmt.Errorf("error parsing cache config: %w", err)
	}
	if err = isValidVMConfig(&config.VM); err != nil {
		return fmt.Errorf("error parsing vm config: %w", err)
	}
	if err = isValidDiskConfig(&config.Disk); err != nil {
		return fmt.Errorf("error parsing disk config: %w", err)
	}

	return nil
}
