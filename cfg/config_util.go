// Copyright 2024 Google LLC
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

import "runtime"

// DefaultSwapConcurrency returns half the host's core count, at least
// 2. kernel.Mount does not call it: the swap device's I/O semaphore is
// sized from VM.MaxConcurrentIO, falling back to DefaultSwapIOLimit.
func DefaultSwapConcurrency() int64 {
	return int64(max(2, runtime.NumCPU()/2))
}

// IsFormatRequested reports whether the format flag is set.
// kernel.Mount formats the disks on every run regardless.
func IsFormatRequested(c *Config) bool {
	return c.Disk.Format
}
