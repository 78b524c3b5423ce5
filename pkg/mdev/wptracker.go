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

package mdev

import (
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/mdevproxy/mdevproxy/pkg/log"
)

// WriteProtectHandler is called for guest writes to write-protected frames.
type WriteProtectHandler func(gfn GFN, offset uint64, data []byte) error

// WriteProtectTracker tracks the guest frames whose writes are trapped so
// that the device's shadow of guest page tables stays consistent.
//
// Mark, Unmark and Clear mutate both the tracked set and the guest's write
// traps; they require the guest page table lock to be held by the caller.
// The PageTrackNotifier methods are called by the guest context without the
// lock and acquire it themselves.
type WriteProtectTracker struct {
	guest   GuestContext
	handler WriteProtectHandler
	stats   *Stats

	// warn limits warnings that the guest can trigger at will.
	warn log.Logger

	// frames is the set of tracked frames, indexed by gfn. It grows to fit
	// the highest tracked frame. Protected by guest.PageTableLock().
	frames *bitset.BitSet

	// count is the number of set bits in frames. Protected by
	// guest.PageTableLock().
	count int
}

// NewWriteProtectTracker returns an empty tracker for guest. handler receives
// writes to tracked frames. stats may be nil.
func NewWriteProtectTracker(guest GuestContext, handler WriteProtectHandler, stats *Stats) *WriteProtectTracker {
	if stats == nil {
		stats = &Stats{}
	}
	return &WriteProtectTracker{
		guest:   guest,
		handler: handler,
		stats:   stats,
		warn:    log.RateLimitedLoggerWithBurst(log.Log(), time.Second, 10),
		frames:  bitset.New(0),
	}
}

// Mark starts trapping writes to gfn. Marking a tracked frame is a no-op. If
// gfn cannot be resolved or the trap cannot be installed, the tracked set is
// unchanged.
//
// Preconditions: t.guest.PageTableLock() is held.
func (t *WriteProtectTracker) Mark(gfn GFN) error {
	if t.frames.Test(uint(gfn)) {
		return nil
	}
	if _, err := t.guest.ResolveGFN(gfn); err != nil {
		return fmt.Errorf("%w: %v: %w", ErrAddressUnresolvable, gfn, err)
	}
	if err := t.guest.InstallWriteTrap(gfn); err != nil {
		return fmt.Errorf("installing write trap on %v: %w", gfn, err)
	}
	t.frames.Set(uint(gfn))
	t.count++
	t.stats.TrapsInstalled.Add(1)
	return nil
}

// IsMarked returns true if writes to gfn are trapped.
//
// Preconditions: t.guest.PageTableLock() is held.
func (t *WriteProtectTracker) IsMarked(gfn GFN) bool {
	return t.frames.Test(uint(gfn))
}

// Unmark stops trapping writes to gfn. Unmarking an untracked frame is a
// no-op. If the trap cannot be removed the frame stays tracked.
//
// Preconditions: t.guest.PageTableLock() is held.
func (t *WriteProtectTracker) Unmark(gfn GFN) error {
	if !t.frames.Test(uint(gfn)) {
		return nil
	}
	if err := t.guest.RemoveWriteTrap(gfn); err != nil {
		return fmt.Errorf("removing write trap on %v: %w", gfn, err)
	}
	t.untrackLocked(gfn)
	return nil
}

// Len returns the number of tracked frames.
//
// Preconditions: t.guest.PageTableLock() is held.
func (t *WriteProtectTracker) Len() int {
	return t.count
}

// Frames returns the tracked frames in ascending order.
//
// Preconditions: t.guest.PageTableLock() is held.
func (t *WriteProtectTracker) Frames() []GFN {
	gfns := make([]GFN, 0, t.count)
	for i, ok := t.frames.NextSet(0); ok; i, ok = t.frames.NextSet(i + 1) {
		gfns = append(gfns, GFN(i))
	}
	return gfns
}

// Clear removes every trap and empties the set. Trap removal failures are
// logged; the frames are untracked regardless, since Clear is only used when
// the binding is going away.
//
// Preconditions: t.guest.PageTableLock() is held.
func (t *WriteProtectTracker) Clear() int {
	n := t.count
	for i, ok := t.frames.NextSet(0); ok; i, ok = t.frames.NextSet(i + 1) {
		if err := t.guest.RemoveWriteTrap(GFN(i)); err != nil {
			log.Debugf("mdev: removing write trap on %v during teardown: %v", GFN(i), err)
		}
		t.stats.TrapsRemoved.Add(1)
	}
	t.frames.ClearAll()
	t.count = 0
	return n
}

// OnRegionRetiring implements PageTrackNotifier.OnRegionRetiring. Every
// tracked frame inside slot is untrapped and untracked.
func (t *WriteProtectTracker) OnRegionRetiring(slot MemorySlot) {
	mu := t.guest.PageTableLock()
	mu.Lock()
	defer mu.Unlock()

	r := slot.Range()
	for i, ok := t.frames.NextSet(uint(r.Start)); ok && GFN(i) < r.End(); i, ok = t.frames.NextSet(i + 1) {
		gfn := GFN(i)
		if err := t.guest.RemoveWriteTrap(gfn); err != nil {
			log.Warningf("mdev: removing write trap on %v in retiring slot %v: %v", gfn, r, err)
		}
		t.untrackLocked(gfn)
	}
}

// OnWrite implements PageTrackNotifier.OnWrite. The write is forwarded to the
// handler only if gfn is still tracked, since the trap may have raced with
// Unmark.
func (t *WriteProtectTracker) OnWrite(gfn GFN, offset uint64, data []byte) {
	mu := t.guest.PageTableLock()
	mu.Lock()
	marked := t.frames.Test(uint(gfn))
	mu.Unlock()

	if !marked {
		t.stats.WritesDropped.Add(1)
		return
	}
	t.stats.WritesForwarded.Add(1)
	if err := t.handler(gfn, offset, data); err != nil {
		t.warn.Warningf("mdev: write-protect handler for %v+%#x (%d bytes): %v", gfn, offset, len(data), err)
	}
}

// Preconditions: t.guest.PageTableLock() is held. gfn is tracked.
func (t *WriteProtectTracker) untrackLocked(gfn GFN) {
	t.frames.Clear(uint(gfn))
	t.count--
	t.stats.TrapsRemoved.Add(1)
}
