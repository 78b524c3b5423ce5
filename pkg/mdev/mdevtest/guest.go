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

package mdevtest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mdevproxy/mdevproxy/pkg/mdev"
)

// FakeGuest is a GuestContext whose events are raised explicitly by the
// test through its Trigger methods.
type FakeGuest struct {
	// Frames is the number of guest frames, starting at gfn 0, that
	// resolve to host frames.
	Frames uint64

	// PFNOffset is added to a gfn to produce its host frame.
	PFNOffset mdev.PFN

	// Registration failures.
	FailUnmapRegistration    bool
	FailTrackRegistration    bool
	FailTeardownRegistration bool

	// FailTrap makes InstallWriteTrap and RemoveWriteTrap fail.
	FailTrap bool

	pt   sync.Mutex
	refs atomic.Int64

	mu       sync.Mutex
	nextID   int
	unmap    map[int]mdev.UnmapFunc
	teardown map[int]func()
	track    map[int]mdev.PageTrackNotifier
	traps    map[mdev.GFN]struct{}
}

// NewFakeGuest returns a guest with frames resolvable frames.
func NewFakeGuest(frames uint64) *FakeGuest {
	return &FakeGuest{
		Frames:    frames,
		PFNOffset: 0x100000,
		unmap:     make(map[int]mdev.UnmapFunc),
		teardown:  make(map[int]func()),
		track:     make(map[int]mdev.PageTrackNotifier),
		traps:     make(map[mdev.GFN]struct{}),
	}
}

// ResolveGFN implements mdev.GuestContext.ResolveGFN.
func (g *FakeGuest) ResolveGFN(gfn mdev.GFN) (mdev.PFN, error) {
	if uint64(gfn) >= g.Frames {
		return 0, fmt.Errorf("%w: %v beyond guest memory", mdev.ErrAddressUnresolvable, gfn)
	}
	return g.PFNOffset + mdev.PFN(gfn), nil
}

func (g *FakeGuest) register(fail bool, what string, add func(id int)) (func(), error) {
	if fail {
		return nil, fmt.Errorf("registering %s notifier: %w", what, ErrInjected)
	}
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	add(id)
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.unmap, id)
		delete(g.teardown, id)
		delete(g.track, id)
	}, nil
}

// RegisterUnmapNotifier implements mdev.GuestContext.RegisterUnmapNotifier.
func (g *FakeGuest) RegisterUnmapNotifier(fn mdev.UnmapFunc) (func(), error) {
	return g.register(g.FailUnmapRegistration, "unmap", func(id int) { g.unmap[id] = fn })
}

// RegisterTeardownNotifier implements
// mdev.GuestContext.RegisterTeardownNotifier.
func (g *FakeGuest) RegisterTeardownNotifier(fn func()) (func(), error) {
	return g.register(g.FailTeardownRegistration, "teardown", func(id int) { g.teardown[id] = fn })
}

// RegisterPageTrackNotifier implements
// mdev.GuestContext.RegisterPageTrackNotifier.
func (g *FakeGuest) RegisterPageTrackNotifier(n mdev.PageTrackNotifier) (func(), error) {
	return g.register(g.FailTrackRegistration, "page-track", func(id int) { g.track[id] = n })
}

// mustHoldPageTableLock panics if the page table lock is not held. It
// cannot tell which goroutine holds it.
func (g *FakeGuest) mustHoldPageTableLock() {
	if g.pt.TryLock() {
		g.pt.Unlock()
		panic("page table lock not held")
	}
}

// InstallWriteTrap implements mdev.GuestContext.InstallWriteTrap.
func (g *FakeGuest) InstallWriteTrap(gfn mdev.GFN) error {
	g.mustHoldPageTableLock()
	if g.FailTrap {
		return fmt.Errorf("trapping %v: %w", gfn, ErrInjected)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.traps[gfn] = struct{}{}
	return nil
}

// RemoveWriteTrap implements mdev.GuestContext.RemoveWriteTrap.
func (g *FakeGuest) RemoveWriteTrap(gfn mdev.GFN) error {
	g.mustHoldPageTableLock()
	if g.FailTrap {
		return fmt.Errorf("untrapping %v: %w", gfn, ErrInjected)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.traps, gfn)
	return nil
}

// PageTableLock implements mdev.GuestContext.PageTableLock.
func (g *FakeGuest) PageTableLock() sync.Locker {
	return &g.pt
}

// IncRef implements mdev.GuestContext.IncRef.
func (g *FakeGuest) IncRef() {
	g.refs.Add(1)
}

// DecRef implements mdev.GuestContext.DecRef.
func (g *FakeGuest) DecRef() {
	if g.refs.Add(-1) < 0 {
		panic("guest reference count below zero")
	}
}

// Refs returns the number of references held on g.
func (g *FakeGuest) Refs() int64 {
	return g.refs.Load()
}

// Trapped returns true if writes to gfn are trapped.
func (g *FakeGuest) Trapped(gfn mdev.GFN) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.traps[gfn]
	return ok
}

// Traps returns the number of installed write traps.
func (g *FakeGuest) Traps() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.traps)
}

// Notifiers returns the number of registered notifiers of all kinds.
func (g *FakeGuest) Notifiers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.unmap) + len(g.teardown) + len(g.track)
}

// TriggerUnmap reports that DMA addresses in [start, end) were unmapped.
func (g *FakeGuest) TriggerUnmap(start, end mdev.DMAAddr) {
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

// TriggerTeardown reports that the guest context is going away.
func (g *FakeGuest) TriggerTeardown() {
	g.mu.Lock()
	fns := make([]func(), 0, len(g.teardown))
	for _, fn := range g.teardown {
		fns = append(fns, fn)
	}
	g.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Write simulates a guest write of data at offset within gfn. If gfn is
// trapped the write is reported to page-track notifiers and Write returns
// true; otherwise it returns false.
func (g *FakeGuest) Write(gfn mdev.GFN, offset uint64, data []byte) bool {
	g.mu.Lock()
	_, trapped := g.traps[gfn]
	ns := g.trackNotifiersLocked()
	g.mu.Unlock()
	if !trapped {
		return false
	}
	for _, n := range ns {
		n.OnWrite(gfn, offset, data)
	}
	return true
}

// RetireSlot reports that guest memory in slot is being removed.
func (g *FakeGuest) RetireSlot(slot mdev.MemorySlot) {
	g.mu.Lock()
	ns := g.trackNotifiersLocked()
	g.mu.Unlock()
	for _, n := range ns {
		n.OnRegionRetiring(slot)
	}
}

// Preconditions: g.mu is held.
func (g *FakeGuest) trackNotifiersLocked() []mdev.PageTrackNotifier {
	ns := make([]mdev.PageTrackNotifier, 0, len(g.track))
	for _, n := range g.track {
		ns = append(ns, n)
	}
	return ns
}
