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

package hostmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/mdevproxy/mdevproxy/pkg/mdev"
)

// Guest is a mdev.GuestContext over Memory. Guest accesses are simulated
// through Read and Write; writes to trapped frames are reported to
// page-track notifiers instead of reaching memory.
type Guest struct {
	mem *Memory

	pt   sync.Mutex
	refs atomic.Int64

	mu sync.Mutex

	// traps is the set of write-protected frames. Protected by mu.
	traps *bitset.BitSet

	// Notifiers by registration id. Protected by mu.
	nextID   int
	unmap    map[int]mdev.UnmapFunc
	teardown map[int]func()
	track    map[int]mdev.PageTrackNotifier

	// closed is set by Close. Protected by mu.
	closed bool
}

// NewGuest returns a guest context over mem.
func NewGuest(mem *Memory) *Guest {
	return &Guest{
		mem:      mem,
		traps:    bitset.New(uint(mem.Pages())),
		unmap:    make(map[int]mdev.UnmapFunc),
		teardown: make(map[int]func()),
		track:    make(map[int]mdev.PageTrackNotifier),
	}
}

// Memory returns the guest's memory.
func (g *Guest) Memory() *Memory {
	return g.mem
}

// ResolveGFN implements mdev.GuestContext.ResolveGFN.
func (g *Guest) ResolveGFN(gfn mdev.GFN) (mdev.PFN, error) {
	return g.mem.PFN(gfn)
}

func (g *Guest) register(add func(id int)) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, fmt.Errorf("%w: guest context closed", mdev.ErrDeviceGone)
	}
	id := g.nextID
	g.nextID++
	add(id)
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.unmap, id)
		delete(g.teardown, id)
		delete(g.track, id)
	}, nil
}

// RegisterUnmapNotifier implements mdev.GuestContext.RegisterUnmapNotifier.
func (g *Guest) RegisterUnmapNotifier(fn mdev.UnmapFunc) (func(), error) {
	return g.register(func(id int) { g.unmap[id] = fn })
}

// RegisterTeardownNotifier implements
// mdev.GuestContext.RegisterTeardownNotifier.
func (g *Guest) RegisterTeardownNotifier(fn func()) (func(), error) {
	return g.register(func(id int) { g.teardown[id] = fn })
}

// RegisterPageTrackNotifier implements
// mdev.GuestContext.RegisterPageTrackNotifier.
func (g *Guest) RegisterPageTrackNotifier(n mdev.PageTrackNotifier) (func(), error) {
	return g.register(func(id int) { g.track[id] = n })
}

// InstallWriteTrap implements mdev.GuestContext.InstallWriteTrap.
func (g *Guest) InstallWriteTrap(gfn mdev.GFN) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.mem.protect(gfn, true); err != nil {
		return err
	}
	g.traps.Set(uint(gfn))
	return nil
}

// RemoveWriteTrap implements mdev.GuestContext.RemoveWriteTrap.
func (g *Guest) RemoveWriteTrap(gfn mdev.GFN) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.mem.protect(gfn, false); err != nil {
		return err
	}
	g.traps.Clear(uint(gfn))
	return nil
}

// PageTableLock implements mdev.GuestContext.PageTableLock.
func (g *Guest) PageTableLock() sync.Locker {
	return &g.pt
}

// IncRef implements mdev.GuestContext.IncRef.
func (g *Guest) IncRef() {
	g.refs.Add(1)
}

// DecRef implements mdev.GuestContext.DecRef.
func (g *Guest) DecRef() {
	if g.refs.Add(-1) < 0 {
		panic("hostmem: guest reference count below zero")
	}
}

// Refs returns the number of references held on g.
func (g *Guest) Refs() int64 {
	return g.refs.Load()
}

// Trapped returns the number of write-protected frames.
func (g *Guest) Trapped() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int(g.traps.Count())
}

// Read copies guest memory at offset within gfn into dst.
func (g *Guest) Read(gfn mdev.GFN, offset uint64, dst []byte) (int, error) {
	frame, err := g.span(gfn, offset, len(dst))
	if err != nil {
		return 0, err
	}
	return copy(dst, frame), nil
}

// Write simulates a guest store of data at offset within gfn. Stores to a
// trapped frame are delivered to page-track notifiers; Write reports
// whether that happened.
func (g *Guest) Write(gfn mdev.GFN, offset uint64, data []byte) (bool, error) {
	frame, err := g.span(gfn, offset, len(data))
	if err != nil {
		return false, err
	}
	g.mu.Lock()
	if !g.traps.Test(uint(gfn)) {
		// Traps change only with g.mu held, so the frame stays writable.
		copy(frame, data)
		g.mu.Unlock()
		return false, nil
	}
	ns := make([]mdev.PageTrackNotifier, 0, len(g.track))
	for _, n := range g.track {
		ns = append(ns, n)
	}
	g.mu.Unlock()
	for _, n := range ns {
		n.OnWrite(gfn, offset, data)
	}
	return true, nil
}

func (g *Guest) span(gfn mdev.GFN, offset uint64, n int) ([]byte, error) {
	frame, err := g.mem.Frame(gfn)
	if err != nil {
		return nil, err
	}
	if offset > mdev.PageSize || uint64(n) > mdev.PageSize-offset {
		return nil, fmt.Errorf("%w: [%#x, +%#x) crosses frame %v", mdev.ErrOutOfRange, offset, n, gfn)
	}
	return frame[offset : offset+uint64(n)], nil
}

// UnmapDMA reports that DMA addresses in [start, end) have been unmapped.
func (g *Guest) UnmapDMA(start, end mdev.DMAAddr) {
	g.mu.Lock()
	fns := make([]mdev.UnmapFunc, 0, len(g.unmap))
	for _, fn := range g.unmap {
		fns = append(fns, fn)
	}
	g.mu.Unlock()
	for _, fn := range fns {
		fn(start, end)
	}
}

// RetireSlot reports that the guest memory in slot is going away.
func (g *Guest) RetireSlot(slot mdev.MemorySlot) {
	g.mu.Lock()
	ns := make([]mdev.PageTrackNotifier, 0, len(g.track))
	for _, n := range g.track {
		ns = append(ns, n)
	}
	g.mu.Unlock()
	for _, n := range ns {
		n.OnRegionRetiring(slot)
	}
}

// Close tears the guest context down, notifying every teardown notifier.
// Further registrations fail.
func (g *Guest) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	fns := make([]func(), 0, len(g.teardown))
	for _, fn := range g.teardown {
		fns = append(fns, fn)
	}
	g.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
