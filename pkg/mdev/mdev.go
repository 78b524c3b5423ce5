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

// Package mdev implements the memory-virtualization core of a mediated
// device: a cache of guest-frame DMA mappings, tracking of write-protected
// guest frames, and dispatch of guest accesses to emulated regions.
//
// A Binding ties one emulated device to one guest context and owns a
// DMACache, a WriteProtectTracker and a RegionTable. Guest-visible
// operations enter through Binding methods; asynchronous guest events
// (DMA unmaps, page-track callbacks, context teardown) enter through
// notifiers that the Binding registers with the GuestContext.
//
// Lock ordering:
//
// - Binding.mu
//   - GuestContext.PageTableLock()
//     - DMACache.mu
//
// Binding.mu serializes lifecycle transitions only. Notifier callbacks and
// mediator operations never acquire it.
package mdev

import "fmt"

const (
	// PageShift is the base-2 logarithm of PageSize.
	PageShift = 12

	// PageSize is the size of a guest and host page in bytes.
	PageSize = 1 << PageShift
)

// GFN is a guest frame number: the guest's view of a physical page.
type GFN uint64

// Addr returns the guest physical address of the first byte of gfn.
func (gfn GFN) Addr() uint64 {
	return uint64(gfn) << PageShift
}

// String implements fmt.Stringer.String.
func (gfn GFN) String() string {
	return fmt.Sprintf("gfn %#x", uint64(gfn))
}

// PFN is a host page frame number.
type PFN uint64

// DMAAddr is an address meaningful to a hardware DMA engine, produced by
// mapping pinned host pages for DMA.
type DMAAddr uint64

// String implements fmt.Stringer.String.
func (a DMAAddr) String() string {
	return fmt.Sprintf("dma %#x", uint64(a))
}

// GFNRange is a range of Pages guest frames starting at Start.
type GFNRange struct {
	Start GFN
	Pages uint64
}

// End returns the first frame after r.
func (r GFNRange) End() GFN {
	return r.Start + GFN(r.Pages)
}

// Contains returns true if gfn is in r.
func (r GFNRange) Contains(gfn GFN) bool {
	return gfn >= r.Start && gfn < r.End()
}

// String implements fmt.Stringer.String.
func (r GFNRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End()))
}

// MemorySlot describes a region of guest memory, as reported by the guest
// context when the region is about to be removed.
type MemorySlot struct {
	Base  GFN
	Pages uint64
}

// Range returns the frames covered by s.
func (s MemorySlot) Range() GFNRange {
	return GFNRange{Start: s.Base, Pages: s.Pages}
}

// pagesOf returns the number of pages spanned by length bytes.
//
// Precondition: length is a non-zero multiple of PageSize.
func pagesOf(length uint64) uint64 {
	return length >> PageShift
}

// validLength returns true if length can be mapped by the DMACache.
func validLength(length uint64) bool {
	return length != 0 && length%PageSize == 0
}
