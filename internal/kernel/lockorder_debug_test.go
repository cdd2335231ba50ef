//go:build debuglocks

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

package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAcquireAllowsIncreasingLevels(t *testing.T) {
	ctx := context.Background()
	require.NotPanics(t, func() {
		ctx = CheckAcquire(ctx, LockFilesystem)
		ctx = CheckAcquire(ctx, LockCacheEviction)
		_ = CheckAcquire(ctx, LockFreeMap)
	})
}

func TestCheckAcquirePanicsOnInversion(t *testing.T) {
	ctx := CheckAcquire(context.Background(), LockCacheEviction)
	assert.Panics(t, func() {
		CheckAcquire(ctx, LockFilesystem)
	})
}

func TestCheckAcquirePanicsOnReacquiringSameLevel(t *testing.T) {
	ctx := CheckAcquire(context.Background(), LockSwap)
	assert.Panics(t, func() {
		CheckAcquire(ctx, LockSwap)
	})
}
