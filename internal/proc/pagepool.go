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

package proc

import (
	"errors"
	"sync"
)

// ErrPoolExhausted is returned by PagePool.Get when no physical page is
// free, the condition that sends frame_get_page into its swap_out-and-
// retry loop.
var ErrPoolExhausted = errors.New("proc: physical page pool exhausted")

// PagePool is a fixed-capacity stand-in for the kernel page allocator
// (palloc_get_page/palloc_free_page). It hands out fresh PageSize
// buffers and never blocks: callers that hit ErrPoolExhausted are
// expected to evict a frame and retry, matching the original's
// "while (kpage == NULL) swap_out();" loop.
type PagePool struct {
	mu    sync.Mutex
	free  int
	total int
}

// NewPagePool creates a pool capable of handing out capacity frames
// concurrently.
func NewPagePool(capacity int) *PagePool {
	return &PagePool{free: capacity, total: capacity}
}

// Get checks out one frame-sized buffer, or ErrPoolExhausted if the
// pool is fully checked out.
func (p *PagePool) Get() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free == 0 {
		return nil, ErrPoolExhausted
	}
	p.free--
	return make([]byte, PageSize), nil
}

// Put returns a frame to the pool. The buffer's contents are discarded.
func (p *PagePool) Put([]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free < p.total {
		p.free++
	}
}

// Capacity and Available report the pool's total and currently-free
// frame counts, used by tests and by kernel shutdown stats.
func (p *PagePool) Capacity() int { p.mu.Lock(); defer p.mu.Unlock(); return p.total }
func (p *PagePool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}
