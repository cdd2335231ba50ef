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

// Rationalize updates the config fields based on the values of other fields.
func Rationalize(c *Config) error {
	// Setting the lock-order flag also turns tracing on.
	if c.Debug.CheckLockOrder {
		c.Tracing.Enabled = true
	}

	if c.VM.FrameCount == 0 {
		c.VM.FrameCount = c.Cache.Slots
	}

	return nil
}
