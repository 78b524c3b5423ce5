// Copyright 2024 The gVisor Authors.
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

// Package mdevtest provides in-memory fakes of the collaborators of
// package mdev, for use in tests and simulations.
package mdevtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mdevproxy/mdevproxy/pkg/mdev"
)

// DefaultIOVABase is the first DMA address handed out by a FakeMapper.
const DefaultIOVABase = mdev.DMAAddr(0x1_0000_0000)

// ErrInjected is the error returned by injected failures.
var ErrInjected = errors.New("injected failure")

// FakeMapper is a PinnedPageMapper that backs guest frame n with host frame
// PFNOffset+n and hands out DMA addresses from a bump allocator.
//
// Exported fields configure failure injection and may be changed between
// calls while no call is in progress.
type FakeMapper struct {
	// PFNOffset is added to a gfn to produce its host frame.
	PFNOffset mdev.PFN

	// FailPin makes Pin fail without pinning anything.
	FailPin bool

	// PinLimit, if non-zero, makes Pin of more than PinLimit pages pin
	// only the first PinLimit and return a *mdev.PinError.
	PinLimit uint64

	// FailMap makes MapForDMA fail.
	FailMap bool

	// Scatter makes Pin return non-contiguous host frames.
	Scatter bool

	// ReuseAddr makes MapForDMA return the same address for every call.
	ReuseAddr bool

	mu       sync.Mutex
	next     mdev.DMAAddr
	pinned   map[mdev.GFN]int
	mapped   map[mdev.DMAAddr]uint64
	counters MapperCounters
}

// MapperCounters counts calls made to a FakeMapper.
type MapperCounters struct {
	Pins   int
	Unpins int
	Maps   int
	Unmaps int
}

// NewFakeMapper returns a mapper with no pins and no mappings.
func NewFakeMapper() *FakeMapper {
	return &FakeMapper{
		PFNOffset: 0x100000,
		next:      DefaultIOVABase,
		pinned:    make(map[mdev.GFN]int),
		mapped:    make(map[mdev.DMAAddr]uint64),
	}
}

// Pin implements mdev.PinnedPageMapper.Pin.
func (m *FakeMapper) Pin(ctx context.Context, r mdev.GFNRange) ([]mdev.PFN, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.Pins++
	if m.FailPin {
		return nil, fmt.Errorf("pinning %v: %w", r, ErrInjected)
	}
	n := r.Pages
	if m.PinLimit > 0 && n > m.PinLimit {
		n = m.PinLimit
	}
	pfns := make([]mdev.PFN, 0, n)
	for i := uint64(0); i < n; i++ {
		gfn := r.Start + mdev.GFN(i)
		m.pinned[gfn]++
		pfn := m.PFNOffset + mdev.PFN(gfn)
		if m.Scatter {
			pfn += mdev.PFN(i)
		}
		pfns = append(pfns, pfn)
	}
	if n < r.Pages {
		return pfns, &mdev.PinError{Pinned: n, Err: fmt.Errorf("pinning %v: %w", r, ErrInjected)}
	}
	return pfns, nil
}

// Unpin implements mdev.PinnedPageMapper.Unpin.
func (m *FakeMapper) Unpin(ctx context.Context, r mdev.GFNRange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.Unpins++
	for gfn := r.Start; gfn < r.End(); gfn++ {
		if m.pinned[gfn] == 0 {
			panic(fmt.Sprintf("unpin of unpinned frame %v", gfn))
		}
		m.pinned[gfn]--
		if m.pinned[gfn] == 0 {
			delete(m.pinned, gfn)
		}
	}
}

// MapForDMA implements mdev.PinnedPageMapper.MapForDMA.
func (m *FakeMapper) MapForDMA(ctx context.Context, pfn mdev.PFN, size uint64) (mdev.DMAAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.Maps++
	if m.FailMap {
		return 0, fmt.Errorf("mapping %#x: %w", pfn, ErrInjected)
	}
	addr := m.next
	if !m.ReuseAddr {
		m.next += mdev.DMAAddr((size + mdev.PageSize - 1) &^ (mdev.PageSize - 1))
	}
	m.mapped[addr] = size
	return addr, nil
}

// UnmapForDMA implements mdev.PinnedPageMapper.UnmapForDMA.
func (m *FakeMapper) UnmapForDMA(ctx context.Context, addr mdev.DMAAddr, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.Unmaps++
	delete(m.mapped, addr)
}

// Counters returns the number of calls made so far.
func (m *FakeMapper) Counters() MapperCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

// PinnedFrames returns the number of distinct frames currently pinned.
func (m *FakeMapper) PinnedFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pinned)
}

// PinCount returns the number of pins held on gfn.
func (m *FakeMapper) PinCount(gfn mdev.GFN) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinned[gfn]
}

// LiveMappings returns the number of DMA mappings not yet unmapped.
func (m *FakeMapper) LiveMappings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mapped)
}
