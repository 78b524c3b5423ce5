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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdevproxy/mdevproxy/pkg/cleanup"
	"github.com/mdevproxy/mdevproxy/pkg/log"
	"github.com/mdevproxy/mdevproxy/pkg/mdev/mdevconf"
)

// State is the lifecycle state of a Binding.
type State uint32

// Binding states. Transitions only move forward, except that a failed Open
// or Activate leaves the state unchanged.
const (
	StateDetached State = iota
	StateAttached
	StateOpen
	StateActive
	StateReleasing
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "Detached"
	case StateAttached:
		return "Attached"
	case StateOpen:
		return "Open"
	case StateActive:
		return "Active"
	case StateReleasing:
		return "Releasing"
	case StateReleased:
		return "Released"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Binding ties an emulated device to a guest context. It owns the device's
// DMA mapping cache, write-protection tracker and region table, and tears
// them down exactly once, when the binding is closed or the guest context
// goes away, whichever happens first.
type Binding struct {
	id      uint64
	dev     Device
	mapper  PinnedPageMapper
	variant *mdevconf.Variant

	cache   *DMACache
	regions *RegionTable
	stats   Stats

	// released is set, exactly once, by the caller that wins the right to
	// tear the binding down.
	released atomic.Bool

	// state is written with mu held and read without it.
	state atomic.Uint32

	// done is closed when teardown completes.
	done chan struct{}

	// warn limits warnings that the guest can trigger at will.
	warn log.Logger

	mu sync.Mutex

	// guest and tracker are set by Open, before state becomes StateOpen,
	// and never change afterwards. Readers must observe a state of at
	// least StateOpen before using them.
	guest   GuestContext
	tracker *WriteProtectTracker

	// unregister holds notifier unregistration functions, in registration
	// order. Protected by mu.
	unregister []func()

	// vendorRegions is set once the variant's regions have been
	// registered. Protected by mu.
	vendorRegions bool

	// activated is set once dev.Activate has succeeded. Protected by mu.
	activated bool
}

// New returns a binding of dev in StateAttached. variant is copied; if it is
// nil, a variant with no vendor regions and the default base region count
// is used.
func New(id uint64, dev Device, mapper PinnedPageMapper, variant *mdevconf.Variant) (*Binding, error) {
	if dev == nil || mapper == nil {
		return nil, fmt.Errorf("%w: binding needs a device and a page mapper", ErrInvalidArgument)
	}
	if variant == nil {
		variant = &mdevconf.Variant{
			Name:            fmt.Sprintf("mdev-%d", id),
			BaseRegionCount: mdevconf.DefaultBaseRegionCount,
		}
	} else {
		if err := variant.Validate(); err != nil {
			return nil, fmt.Errorf("%w: variant %q: %w", ErrInvalidArgument, variant.Name, err)
		}
		variant = variant.Clone()
	}
	b := &Binding{
		id:      id,
		dev:     dev,
		mapper:  mapper,
		variant: variant,
		regions: NewRegionTable(variant.BaseRegionCount),
		done:    make(chan struct{}),
		warn:    log.RateLimitedLoggerWithBurst(log.Log(), time.Second, 10),
	}
	b.cache = NewDMACache(id, mapper, variant.MaxMappings, &b.stats)
	b.state.Store(uint32(StateAttached))
	return b, nil
}

// ID returns the binding's identifier.
func (b *Binding) ID() uint64 {
	return b.id
}

// Variant returns a copy of the binding's variant.
func (b *Binding) Variant() *mdevconf.Variant {
	return b.variant.Clone()
}

// State returns the current lifecycle state.
func (b *Binding) State() State {
	return State(b.state.Load())
}

// Done returns a channel that is closed once teardown has completed.
func (b *Binding) Done() <-chan struct{} {
	return b.done
}

// Preconditions: b.mu is held.
func (b *Binding) setState(s State) {
	b.state.Store(uint32(s))
}

// Open binds the device to guest and registers for guest events. On failure
// every registration made so far is undone and the binding stays attached.
func (b *Binding) Open(ctx context.Context, guest GuestContext) error {
	if guest == nil {
		return fmt.Errorf("%w: nil guest context", ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released.Load() {
		return fmt.Errorf("%w: binding %d released", ErrDeviceGone, b.id)
	}
	if s := b.State(); s != StateAttached {
		return fmt.Errorf("%w: open of binding %d in state %v", ErrInvalidArgument, b.id, s)
	}

	guest.IncRef()
	cu := cleanup.Make(guest.DecRef)
	defer cu.Clean()

	tracker := NewWriteProtectTracker(guest, b.dev.HandleWriteProtect, &b.stats)
	var unregister []func()
	cu.Add(func() {
		for i := len(unregister) - 1; i >= 0; i-- {
			unregister[i]()
		}
	})

	unreg, err := guest.RegisterUnmapNotifier(b.onUnmap)
	if err != nil {
		return fmt.Errorf("registering unmap notifier: %w", err)
	}
	unregister = append(unregister, unreg)

	unreg, err = guest.RegisterPageTrackNotifier(tracker)
	if err != nil {
		return fmt.Errorf("registering page-track notifier: %w", err)
	}
	unregister = append(unregister, unreg)

	unreg, err = guest.RegisterTeardownNotifier(b.onGuestGone)
	if err != nil {
		return fmt.Errorf("registering teardown notifier: %w", err)
	}
	unregister = append(unregister, unreg)

	if err := ctx.Err(); err != nil {
		return err
	}

	cu.Release()
	b.guest = guest
	b.tracker = tracker
	b.unregister = unregister
	b.setState(StateOpen)
	log.Debugf("mdev: binding %d opened", b.id)
	return nil
}

// Activate makes the device's regions guest-visible: the variant's vendor
// regions are registered, then the device is activated and may register
// regions of its own. If the device fails to activate, the binding stays
// open and Activate may be retried.
func (b *Binding) Activate(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released.Load() {
		return fmt.Errorf("%w: binding %d released", ErrDeviceGone, b.id)
	}
	if s := b.State(); s != StateOpen {
		return fmt.Errorf("%w: activation of binding %d in state %v", ErrInvalidArgument, b.id, s)
	}
	if !b.vendorRegions {
		if err := b.registerVendorRegions(); err != nil {
			return err
		}
		b.vendorRegions = true
	}
	if err := b.dev.Activate(ctx, &Setup{b: b}); err != nil {
		return fmt.Errorf("activating device: %w", err)
	}
	b.activated = true
	b.setState(StateActive)
	log.Infof("mdev: binding %d (%s) active with %d regions", b.id, b.variant.Name, b.regions.Len())
	return nil
}

// Preconditions: b.mu is held.
func (b *Binding) registerVendorRegions() error {
	for i := range b.variant.Regions {
		spec := &b.variant.Regions[i]
		data, err := spec.Contents()
		if err != nil {
			return fmt.Errorf("%w: region %q: %w", ErrInvalidArgument, spec.Name, err)
		}
		var (
			ops   RegionOps
			flags RegionFlags
		)
		if spec.HasFlag(mdevconf.FlagRead) {
			flags |= RegionFlagRead
		}
		if spec.HasFlag(mdevconf.FlagWrite) {
			flags |= RegionFlagWrite
		}
		if spec.HasFlag(mdevconf.FlagMmap) {
			flags |= RegionFlagMmap
		}
		switch spec.Kind {
		case mdevconf.KindBlob:
			ops = &BlobRegion{Data: data}
		case mdevconf.KindRegister:
			mask, err := spec.WritableMask()
			if err != nil {
				return fmt.Errorf("%w: region %q: %w", ErrInvalidArgument, spec.Name, err)
			}
			ops = NewRegisterRegion(data, mask)
		default:
			return fmt.Errorf("%w: region %q has unknown kind %q", ErrInvalidArgument, spec.Name, spec.Kind)
		}
		index, err := b.regions.Register(spec.Type, spec.Subtype, spec.Size, flags, spec.Name, ops)
		if err != nil {
			return err
		}
		log.Debugf("mdev: binding %d: region %q registered at index %d", b.id, spec.Name, index)
	}
	return nil
}

// Close tears the binding down. Only the first caller to release the binding
// tears it down; any other caller, including a Close racing with the guest
// context going away, gets ErrDeviceGone without waiting. Use Done to wait
// for teardown to complete.
func (b *Binding) Close(ctx context.Context) error {
	if !b.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: binding %d already released", ErrDeviceGone, b.id)
	}
	b.teardown(ctx)
	return nil
}

// onGuestGone is the teardown notifier. It is called by the guest context,
// possibly with guest locks held, so teardown is deferred to its own
// goroutine.
func (b *Binding) onGuestGone() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	log.Infof("mdev: binding %d: guest context gone, releasing", b.id)
	go b.teardown(context.Background())
}

// onUnmap is the unmap notifier.
func (b *Binding) onUnmap(start, end DMAAddr) {
	if n := b.cache.InvalidateRange(context.Background(), start, end); n > 0 {
		log.Debugf("mdev: binding %d: invalidated %d mappings in [%v, %v)", b.id, n, start, end)
	}
}

// teardown releases everything the binding holds.
//
// Preconditions: the caller set b.released.
func (b *Binding) teardown(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer close(b.done)

	b.setState(StateReleasing)
	for i := len(b.unregister) - 1; i >= 0; i-- {
		b.unregister[i]()
	}
	b.unregister = nil

	if b.activated {
		b.dev.Deactivate(ctx)
	}
	mappings := b.cache.Drain(ctx)

	frames := 0
	if b.tracker != nil {
		mu := b.guest.PageTableLock()
		mu.Lock()
		frames = b.tracker.Clear()
		mu.Unlock()
	}
	regions := b.regions.Teardown()
	if b.guest != nil {
		b.guest.DecRef()
	}
	b.stats.Teardowns.Add(1)
	b.setState(StateReleased)
	log.Infof("mdev: binding %d released: %d mappings, %d protected frames, %d regions", b.id, mappings, frames, regions)
}

// gone returns ErrDeviceGone if b has been released.
func (b *Binding) gone() error {
	if b.released.Load() {
		return fmt.Errorf("%w: binding %d released", ErrDeviceGone, b.id)
	}
	return nil
}

// opened returns an error unless b is open or active.
func (b *Binding) opened() error {
	if err := b.gone(); err != nil {
		return err
	}
	if s := b.State(); s < StateOpen {
		return fmt.Errorf("%w: binding %d not open (%v)", ErrInvalidArgument, b.id, s)
	}
	return nil
}

// active returns an error unless b is active.
func (b *Binding) active() error {
	if err := b.gone(); err != nil {
		return err
	}
	if s := b.State(); s != StateActive {
		return fmt.Errorf("%w: binding %d not active (%v)", ErrInvalidArgument, b.id, s)
	}
	return nil
}

// AcquireDMA returns a DMA address for length bytes of guest memory at gfn.
// See DMACache.Acquire.
func (b *Binding) AcquireDMA(ctx context.Context, gfn GFN, length uint64) (DMAAddr, error) {
	if err := b.opened(); err != nil {
		return 0, err
	}
	return b.cache.Acquire(ctx, gfn, length)
}

// PinDMA takes another reference on the mapping at addr.
func (b *Binding) PinDMA(addr DMAAddr) error {
	if err := b.opened(); err != nil {
		return err
	}
	return b.cache.PinExisting(addr)
}

// ReleaseDMA drops a reference on the mapping at addr.
func (b *Binding) ReleaseDMA(ctx context.Context, addr DMAAddr) error {
	if err := b.opened(); err != nil {
		return err
	}
	return b.cache.Release(ctx, addr)
}

// MarkWriteProtected starts trapping guest writes to gfn.
func (b *Binding) MarkWriteProtected(gfn GFN) error {
	if err := b.opened(); err != nil {
		return err
	}
	mu := b.guest.PageTableLock()
	mu.Lock()
	defer mu.Unlock()
	// Teardown clears the tracker under this lock after setting released.
	if err := b.gone(); err != nil {
		return err
	}
	return b.tracker.Mark(gfn)
}

// UnmarkWriteProtected stops trapping guest writes to gfn.
func (b *Binding) UnmarkWriteProtected(gfn GFN) error {
	if err := b.opened(); err != nil {
		return err
	}
	mu := b.guest.PageTableLock()
	mu.Lock()
	defer mu.Unlock()
	if err := b.gone(); err != nil {
		return err
	}
	return b.tracker.Unmark(gfn)
}

// IsWriteProtected returns true if writes to gfn are trapped.
func (b *Binding) IsWriteProtected(gfn GFN) (bool, error) {
	if err := b.opened(); err != nil {
		return false, err
	}
	mu := b.guest.PageTableLock()
	mu.Lock()
	defer mu.Unlock()
	if err := b.gone(); err != nil {
		return false, err
	}
	return b.tracker.IsMarked(gfn), nil
}

// DispatchRW serves a guest access to the device-specific region at index.
func (b *Binding) DispatchRW(index int, buf []byte, offset uint64, isWrite bool) (int, error) {
	if err := b.active(); err != nil {
		return 0, err
	}
	n, err := b.regions.DispatchRW(index, buf, offset, isWrite)
	if err != nil {
		// The table may have been torn down under us.
		if gerr := b.gone(); gerr != nil {
			return 0, gerr
		}
		b.stats.RegionErrors.Add(1)
		b.warn.Debugf("mdev: binding %d: access to region %d at %#x (%d bytes, write=%t): %v", b.id, index, offset, len(buf), isWrite, err)
		return n, err
	}
	b.countAccess(isWrite)
	return n, nil
}

// HandleBaseSpaceRW serves a guest access to one of the built-in regions.
func (b *Binding) HandleBaseSpaceRW(index int, buf []byte, offset uint64, isWrite bool) (int, error) {
	if err := b.active(); err != nil {
		return 0, err
	}
	if index < 0 || index >= b.variant.BaseRegionCount {
		b.stats.RegionErrors.Add(1)
		return 0, fmt.Errorf("%w: base region index %d not in [0, %d)", ErrOutOfRange, index, b.variant.BaseRegionCount)
	}
	if len(buf) == 0 {
		b.stats.RegionErrors.Add(1)
		return 0, fmt.Errorf("%w: empty access to base region %d", ErrInvalidArgument, index)
	}
	n, err := b.dev.BaseSpaceRW(index, buf, offset, isWrite)
	if err != nil {
		b.stats.RegionErrors.Add(1)
		return n, err
	}
	b.countAccess(isWrite)
	return n, nil
}

func (b *Binding) countAccess(isWrite bool) {
	if isWrite {
		b.stats.RegionWrites.Add(1)
	} else {
		b.stats.RegionReads.Add(1)
	}
}

// RegionInfo describes the device-specific region at index.
func (b *Binding) RegionInfo(index int) (RegionInfo, error) {
	if err := b.gone(); err != nil {
		return RegionInfo{}, err
	}
	return b.regions.Info(index)
}

// Regions describes every device-specific region, in index order.
func (b *Binding) Regions() ([]RegionInfo, error) {
	if err := b.gone(); err != nil {
		return nil, err
	}
	return b.regions.Infos(), nil
}

// Mappings returns the live DMA mappings, ordered by gfn.
func (b *Binding) Mappings() []MappingInfo {
	return b.cache.Mappings()
}

// CheckInvariants verifies the DMA cache's internal consistency.
func (b *Binding) CheckInvariants() error {
	return b.cache.CheckInvariants()
}

// Stats returns the binding's counters together with the current number of
// mappings, protected frames and regions.
func (b *Binding) Stats() StatsSnapshot {
	snap := b.stats.Snapshot()
	snap.Mappings = uint64(b.cache.Len())
	snap.Regions = uint64(b.regions.Len())
	if s := b.State(); s >= StateOpen && s < StateReleasing {
		mu := b.guest.PageTableLock()
		mu.Lock()
		snap.ProtectedFrames = uint64(b.tracker.Len())
		mu.Unlock()
	}
	return snap
}
