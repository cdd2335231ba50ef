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
	"fmt"
)

type lockOrderKey struct{}

// CheckAcquire panics if level is not strictly greater than every lock
// level already held along ctx's call chain, per the hierarchy in
// locks.go. It returns a context recording level as held, to be
// passed down to the code running with that lock.
func CheckAcquire(ctx context.Context, level int) context.Context {
	held, _ := ctx.Value(lockOrderKey{}).([]int)
	for _, h := range held {
		if level <= h {
			panic(fmt.Sprintf("kernel: lock order violation: acquiring %q (level %d) while holding %q (level %d)",
				lockNames[level], level, lockNames[h], h))
		}
	}
	next := make([]int, len(held), len(held)+1)
	copy(next, held)
	next = append(next, level)
	return context.WithValue(ctx, lockOrderKey{}, next)
}
