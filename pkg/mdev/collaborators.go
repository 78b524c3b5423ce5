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
	"context"
	"sync"
)

// PinnedPageMapper pins host pages backing guest frames and maps them for
// DMA.
//
// Pin and MapForDMA may block on host memory management; they must not be
// called from contexts that cannot sleep.
type PinnedPageMapper interface {
	// Pin pins the host pages backing r and returns their frame numbers in
	// order. If only a prefix of r could be pinned, Pin returns a *PinError
	// carrying the number of pages pinned; the caller is responsible for
	// unpinning them.
	Pin(ctx context.Context, r GFNRange) ([]PFN, error)

	// Unpin releases pins acquired by Pin.
	Unpin(ctx context.Context, r GFNRange)

	// MapForDMA maps size bytes of host memory starting at pfn for DMA.
	MapForDMA(ctx context.Context, pfn PFN, size uint64) (DMAAddr, error)

	// UnmapForDMA releases a mapping created by MapForDMA.
	UnmapForDMA(ctx context.Context, addr DMAAddr, size uint64)
}

// UnmapFunc is invoked when the DMA address range [start, end) is unmapped
// underneath the mediator.
type UnmapFunc func(start, end DMAAddr)

// PageTrackNotifier receives page-track events from the guest context.
type PageTrackNotifier interface {
	// OnWrite is called when the guest writes data at offset within a frame
	// that has a write trap installed.
	OnWrite(gfn GFN, offset uint64, data []byte)

	// OnRegionRetiring is called when guest memory covering slot is about
	// to be removed.
	OnRegionRetiring(slot MemorySlot)
}

// GuestContext is the guest address space a Binding is opened against.
//
// Notifiers registered with a GuestContext are invoked without the page
// table lock held, and may be invoked concurrently with any Binding method.
type GuestContext interface {
	// ResolveGFN returns the host frame backing gfn. It returns an error
	// wrapping ErrAddressUnresolvable if gfn has no backing page.
	ResolveGFN(gfn GFN) (PFN, error)

	// RegisterUnmapNotifier registers fn to be called when DMA ranges are
	// unmapped. The returned function unregisters it.
	RegisterUnmapNotifier(fn UnmapFunc) (func(), error)

	// RegisterTeardownNotifier registers fn to be called when the guest
	// context goes away. The returned function unregisters it.
	RegisterTeardownNotifier(fn func()) (func(), error)

	// RegisterPageTrackNotifier registers n for page-track events. The
	// returned function unregisters it.
	RegisterPageTrackNotifier(n PageTrackNotifier) (func(), error)

	// InstallWriteTrap causes writes to gfn to be reported to page-track
	// notifiers instead of reaching memory.
	//
	// Preconditions: PageTableLock() is held.
	InstallWriteTrap(gfn GFN) error

	// RemoveWriteTrap undoes InstallWriteTrap.
	//
	// Preconditions: PageTableLock() is held.
	RemoveWriteTrap(gfn GFN) error

	// PageTableLock returns the lock serializing changes to the guest's
	// page tables and write traps.
	PageTableLock() sync.Locker

	// IncRef takes a reference on the guest context.
	IncRef()

	// DecRef releases a reference taken by IncRef.
	DecRef()
}

// Setup is passed to Device.Activate to let the device register its
// emulated regions.
type Setup struct {
	b *Binding
}

// RegisterRegion registers a device-specific region and returns its index.
func (s *Setup) RegisterRegion(typ, subtype uint32, size uint64, flags RegionFlags, payload any, ops RegionOps) (int, error) {
	return s.b.regions.Register(typ, subtype, size, flags, payload, ops)
}

// Binding returns the binding being activated.
func (s *Setup) Binding() *Binding {
	return s.b
}

// Device is the device-specific half of an emulated device.
type Device interface {
	// Activate enables emulation. Regions registered through setup become
	// guest-visible once Activate returns successfully.
	Activate(ctx context.Context, setup *Setup) error

	// Deactivate is called once during teardown, before any mappings are
	// destroyed, if Activate succeeded.
	Deactivate(ctx context.Context)

	// BaseSpaceRW serves an access to one of the built-in regions (config
	// space, BARs) with index less than the variant's base region count.
	BaseSpaceRW(index int, buf []byte, offset uint64, isWrite bool) (int, error)

	// HandleWriteProtect is called when the guest writes data at offset
	// within a write-protected frame.
	HandleWriteProtect(gfn GFN, offset uint64, data []byte) error
}
