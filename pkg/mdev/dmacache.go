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
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/mdevproxy/mdevproxy/pkg/log"
)

// btreeDegree is the degree of the DMACache indices.
const btreeDegree = 8

// mappingRecord is one active guest frame to DMA address binding.
type mappingRecord struct {
	owner  uint64
	gfn    GFN
	addr   DMAAddr
	length uint64

	// refs is the number of outstanding holds. refs >= 1 while the record is
	// indexed; a record with refs == 0 is a free arena slot.
	refs int64
}

type gfnItem struct {
	gfn GFN
	idx int
}

type dmaItem struct {
	addr DMAAddr
	idx  int
}

// MappingInfo describes a live mapping.
type MappingInfo struct {
	GFN    GFN
	Addr   DMAAddr
	Length uint64
	Refs   int64
}

// DMACache maps guest frames to DMA addresses, keeping at most one mapping
// per frame and per DMA address. Mappings are reference counted so that
// repeatedly touched pages are pinned and mapped only once.
//
// Records live in an arena; two ordered indices (by gfn and by DMA address)
// refer to arena slots and are always updated together under mu.
type DMACache struct {
	owner       uint64
	mapper      PinnedPageMapper
	stats       *Stats
	maxMappings int

	mu sync.Mutex

	// records is the arena of mapping records. Protected by mu.
	records []mappingRecord

	// free holds indices of unused slots in records. Protected by mu.
	free []int

	// byGFN and byDMA index records. Protected by mu.
	byGFN *btree.BTreeG[gfnItem]
	byDMA *btree.BTreeG[dmaItem]

	// closed is set by Drain. Protected by mu.
	closed bool
}

// NewDMACache returns an empty cache owned by the binding with the given id.
// If maxMappings is positive, Acquire fails once that many mappings are live.
// stats may be nil.
func NewDMACache(owner uint64, mapper PinnedPageMapper, maxMappings int, stats *Stats) *DMACache {
	if stats == nil {
		stats = &Stats{}
	}
	return &DMACache{
		owner:       owner,
		mapper:      mapper,
		stats:       stats,
		maxMappings: maxMappings,
		byGFN:       btree.NewG(btreeDegree, func(a, b gfnItem) bool { return a.gfn < b.gfn }),
		byDMA:       btree.NewG(btreeDegree, func(a, b dmaItem) bool { return a.addr < b.addr }),
	}
}

// Acquire returns a DMA address for length bytes of guest memory starting at
// gfn, pinning and mapping it if no mapping exists.
//
// If gfn is already mapped with the same length, the existing mapping's
// reference count is incremented. If it is mapped with a different length,
// the old mapping is destroyed, regardless of its reference count, and
// replaced by one of the requested length.
func (c *DMACache) Acquire(ctx context.Context, gfn GFN, length uint64) (DMAAddr, error) {
	if !validLength(length) {
		return 0, fmt.Errorf("%w: length %#x is not a multiple of the page size", ErrInvalidArgument, length)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrDeviceGone
	}

	if it, ok := c.byGFN.Get(gfnItem{gfn: gfn}); ok {
		r := &c.records[it.idx]
		if r.length == length {
			r.refs++
			c.stats.CacheHits.Add(1)
			return r.addr, nil
		}
		c.stats.Resizes.Add(1)
		if log.IsLogging(log.Debug) {
			log.Debugf("mdev: resizing mapping of %v from %#x to %#x bytes", gfn, r.length, length)
		}
		c.destroyLocked(ctx, it.idx)
	}

	if c.maxMappings > 0 && c.byGFN.Len() >= c.maxMappings {
		return 0, fmt.Errorf("%w: %d mappings in use", ErrMappingFailed, c.byGFN.Len())
	}

	addr, err := c.mapLocked(ctx, gfn, length)
	if err != nil {
		return 0, err
	}
	if _, ok := c.byDMA.Get(dmaItem{addr: addr}); ok {
		// The mapper handed out an address a live record still holds.
		// Unmapping it would tear down that record's window, so only the
		// new pin is undone.
		log.Warningf("mdev: mapper returned live %v again for %v", addr, gfn)
		c.mapper.Unpin(ctx, GFNRange{Start: gfn, Pages: pagesOf(length)})
		c.stats.Unpins.Add(1)
		return 0, fmt.Errorf("%w: %v returned twice by mapper", ErrMappingFailed, addr)
	}
	c.insertLocked(mappingRecord{
		owner:  c.owner,
		gfn:    gfn,
		addr:   addr,
		length: length,
		refs:   1,
	})
	return addr, nil
}

// PinExisting takes an additional hold on the mapping at addr. Unlike
// Acquire, it never creates a mapping.
func (c *DMACache) PinExisting(addr DMAAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDeviceGone
	}
	it, ok := c.byDMA.Get(dmaItem{addr: addr})
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, addr)
	}
	c.records[it.idx].refs++
	return nil
}

// Release drops a hold on the mapping at addr, destroying the mapping when
// the last hold is dropped.
func (c *DMACache) Release(ctx context.Context, addr DMAAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.byDMA.Get(dmaItem{addr: addr})
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, addr)
	}
	r := &c.records[it.idx]
	r.refs--
	if r.refs == 0 {
		c.destroyLocked(ctx, it.idx)
	}
	return nil
}

// InvalidateRange destroys every mapping whose DMA address lies in
// [start, end), regardless of reference counts, and returns the number of
// mappings destroyed. It is called when the backing address range has been
// unmapped and further use of those mappings is unsafe.
func (c *DMACache) InvalidateRange(ctx context.Context, start, end DMAAddr) int {
	if end <= start {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []int
	c.byDMA.AscendRange(dmaItem{addr: start}, dmaItem{addr: end}, func(it dmaItem) bool {
		victims = append(victims, it.idx)
		return true
	})
	for _, idx := range victims {
		c.destroyLocked(ctx, idx)
	}
	c.stats.Invalidated.Add(uint64(len(victims)))
	return len(victims)
}

// Drain destroys all mappings and closes the cache; subsequent Acquire and
// PinExisting calls fail with ErrDeviceGone. It returns the number of
// mappings destroyed.
func (c *DMACache) Drain(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []int
	c.byGFN.Ascend(func(it gfnItem) bool {
		victims = append(victims, it.idx)
		return true
	})
	for _, idx := range victims {
		c.destroyLocked(ctx, idx)
	}
	c.closed = true
	c.records = nil
	c.free = nil
	return len(victims)
}

// Len returns the number of live mappings.
func (c *DMACache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byGFN.Len()
}

// Lookup returns the mapping of gfn, if any.
func (c *DMACache) Lookup(gfn GFN) (MappingInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.byGFN.Get(gfnItem{gfn: gfn})
	if !ok {
		return MappingInfo{}, false
	}
	return c.records[it.idx].info(), true
}

// LookupDMA returns the mapping at addr, if any.
func (c *DMACache) LookupDMA(addr DMAAddr) (MappingInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.byDMA.Get(dmaItem{addr: addr})
	if !ok {
		return MappingInfo{}, false
	}
	return c.records[it.idx].info(), true
}

// Mappings returns all live mappings ordered by gfn.
func (c *DMACache) Mappings() []MappingInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := make([]MappingInfo, 0, c.byGFN.Len())
	c.byGFN.Ascend(func(it gfnItem) bool {
		ms = append(ms, c.records[it.idx].info())
		return true
	})
	return ms
}

// CheckInvariants verifies that both indices refer to the same set of live
// records and that every live record has a positive reference count.
func (c *DMACache) CheckInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, d := c.byGFN.Len(), c.byDMA.Len(); g != d {
		return fmt.Errorf("index sizes differ: %d by gfn, %d by dma", g, d)
	}
	var err error
	seen := make(map[int]struct{}, c.byGFN.Len())
	c.byGFN.Ascend(func(it gfnItem) bool {
		r := &c.records[it.idx]
		switch {
		case r.gfn != it.gfn:
			err = fmt.Errorf("gfn index entry %v refers to record for %v", it.gfn, r.gfn)
		case r.refs < 1:
			err = fmt.Errorf("record for %v has refcount %d", r.gfn, r.refs)
		case r.owner != c.owner:
			err = fmt.Errorf("record for %v owned by %d, want %d", r.gfn, r.owner, c.owner)
		}
		seen[it.idx] = struct{}{}
		return err == nil
	})
	if err != nil {
		return err
	}
	c.byDMA.Ascend(func(it dmaItem) bool {
		if _, ok := seen[it.idx]; !ok {
			err = fmt.Errorf("dma index entry %v has no gfn index entry", it.addr)
		} else if r := &c.records[it.idx]; r.addr != it.addr {
			err = fmt.Errorf("dma index entry %v refers to record for %v", it.addr, r.addr)
		}
		return err == nil
	})
	return err
}

func (r *mappingRecord) info() MappingInfo {
	return MappingInfo{GFN: r.gfn, Addr: r.addr, Length: r.length, Refs: r.refs}
}

// mapLocked pins and maps length bytes at gfn. On failure nothing remains
// pinned or mapped.
//
// Preconditions: c.mu is locked.
func (c *DMACache) mapLocked(ctx context.Context, gfn GFN, length uint64) (DMAAddr, error) {
	r := GFNRange{Start: gfn, Pages: pagesOf(length)}
	pfns, err := c.mapper.Pin(ctx, r)
	if err != nil {
		var pe *PinError
		if errors.As(err, &pe) && pe.Pinned > 0 {
			c.mapper.Unpin(ctx, GFNRange{Start: gfn, Pages: pe.Pinned})
			c.stats.Unpins.Add(1)
		}
		return 0, fmt.Errorf("%w: pinning %v: %w", ErrMappingFailed, r, err)
	}
	c.stats.Pins.Add(1)

	if uint64(len(pfns)) != r.Pages || !contiguous(pfns) {
		c.mapper.Unpin(ctx, r)
		c.stats.Unpins.Add(1)
		return 0, fmt.Errorf("%w: host pages backing %v are not contiguous", ErrMappingFailed, r)
	}

	addr, err := c.mapper.MapForDMA(ctx, pfns[0], length)
	if err != nil {
		c.mapper.Unpin(ctx, r)
		c.stats.Unpins.Add(1)
		return 0, fmt.Errorf("%w: mapping %v for DMA: %w", ErrMappingFailed, r, err)
	}
	c.stats.Maps.Add(1)
	return addr, nil
}

// unmapLocked undoes mapLocked.
//
// Preconditions: c.mu is locked.
func (c *DMACache) unmapLocked(ctx context.Context, gfn GFN, addr DMAAddr, length uint64) {
	c.mapper.UnmapForDMA(ctx, addr, length)
	c.stats.Unmaps.Add(1)
	c.mapper.Unpin(ctx, GFNRange{Start: gfn, Pages: pagesOf(length)})
	c.stats.Unpins.Add(1)
}

// Preconditions: c.mu is locked. No record for rec.gfn or rec.addr exists.
func (c *DMACache) insertLocked(rec mappingRecord) {
	var idx int
	if n := len(c.free); n > 0 {
		idx = c.free[n-1]
		c.free = c.free[:n-1]
		c.records[idx] = rec
	} else {
		idx = len(c.records)
		c.records = append(c.records, rec)
	}
	c.byGFN.ReplaceOrInsert(gfnItem{gfn: rec.gfn, idx: idx})
	c.byDMA.ReplaceOrInsert(dmaItem{addr: rec.addr, idx: idx})
}

// destroyLocked unmaps, unpins and unindexes the record at idx.
//
// Preconditions: c.mu is locked. The record at idx is live.
func (c *DMACache) destroyLocked(ctx context.Context, idx int) {
	r := c.records[idx]
	c.unmapLocked(ctx, r.gfn, r.addr, r.length)
	c.byGFN.Delete(gfnItem{gfn: r.gfn})
	c.byDMA.Delete(dmaItem{addr: r.addr})
	c.records[idx] = mappingRecord{}
	c.free = append(c.free, idx)
}

func contiguous(pfns []PFN) bool {
	for i := 1; i < len(pfns); i++ {
		if pfns[i] != pfns[0]+PFN(i) {
			return false
		}
	}
	return true
}
