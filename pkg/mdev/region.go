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
	"strings"
	"sync"
)

// RegionFlags describe how a region may be accessed.
type RegionFlags uint32

// Region flags, matching the VFIO region info flags.
const (
	RegionFlagRead RegionFlags = 1 << iota
	RegionFlagWrite
	RegionFlagMmap

	// RegionFlagsReadOnly is the flag set of a read-only region.
	RegionFlagsReadOnly = RegionFlagRead

	// RegionFlagsReadWrite is the flag set of a read-write region.
	RegionFlagsReadWrite = RegionFlagRead | RegionFlagWrite
)

// String implements fmt.Stringer.String.
func (f RegionFlags) String() string {
	var parts []string
	if f&RegionFlagRead != 0 {
		parts = append(parts, "read")
	}
	if f&RegionFlagWrite != 0 {
		parts = append(parts, "write")
	}
	if f&RegionFlagMmap != 0 {
		parts = append(parts, "mmap")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// RegionOps implements the behavior of an emulated region. Read and Write
// are called with the region table read-locked and must not call back into
// the table.
type RegionOps interface {
	// Read copies region contents at offset into dst. Implementations must
	// validate offset and len(dst) against r.Size, e.g. with r.CheckRange.
	Read(r *Region, dst []byte, offset uint64) (int, error)

	// Write copies src into the region at offset, validating the range as
	// Read does.
	Write(r *Region, src []byte, offset uint64) (int, error)

	// Release destroys the region's payload. It is called once, when the
	// owning binding is torn down.
	Release(r *Region)
}

// Region is one emulated address-space window exposed to the guest.
type Region struct {
	// Index is the region's stable index. Immutable.
	Index int

	// Type and Subtype tag the region for the guest driver. Immutable.
	Type    uint32
	Subtype uint32

	// Size is the region size in bytes. Immutable.
	Size uint64

	// Flags describe permitted accesses. Immutable.
	Flags RegionFlags

	// Payload is owned by ops and released by ops.Release.
	Payload any

	ops RegionOps
}

// CheckRange returns an error wrapping ErrOutOfRange if [offset, offset+n)
// does not lie within r.
func (r *Region) CheckRange(offset uint64, n int) error {
	if n < 0 || offset > r.Size || uint64(n) > r.Size-offset {
		return fmt.Errorf("%w: [%#x, +%#x) outside region %d of size %#x", ErrOutOfRange, offset, n, r.Index, r.Size)
	}
	return nil
}

// Info returns a description of r.
func (r *Region) Info() RegionInfo {
	return RegionInfo{
		Index:   r.Index,
		Type:    r.Type,
		Subtype: r.Subtype,
		Size:    r.Size,
		Flags:   r.Flags,
	}
}

// RegionInfo describes a region to the emulation frontend.
type RegionInfo struct {
	Index   int
	Type    uint32
	Subtype uint32
	Size    uint64
	Flags   RegionFlags
}

// RegionTable is an append-only table of device-specific regions. Indices
// below the base region count belong to built-in regions that never enter
// the table.
//
// The table only grows while the device is being set up; after activation
// it is read-only until Teardown.
type RegionTable struct {
	base int

	mu sync.RWMutex

	// regions is indexed by position. Protected by mu.
	regions []*Region

	// torndown is set by Teardown. Protected by mu.
	torndown bool
}

// NewRegionTable returns an empty table whose first region has index base.
func NewRegionTable(base int) *RegionTable {
	return &RegionTable{base: base}
}

// Base returns the index of the first region in the table.
func (t *RegionTable) Base() int {
	return t.base
}

// Register appends a region and returns its stable index.
func (t *RegionTable) Register(typ, subtype uint32, size uint64, flags RegionFlags, payload any, ops RegionOps) (int, error) {
	if ops == nil {
		return 0, fmt.Errorf("%w: region has no operations", ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.torndown {
		return 0, fmt.Errorf("%w: region table torn down", ErrInvalidArgument)
	}
	r := &Region{
		Index:   t.base + len(t.regions),
		Type:    typ,
		Subtype: subtype,
		Size:    size,
		Flags:   flags,
		Payload: payload,
		ops:     ops,
	}
	t.regions = append(t.regions, r)
	return r.Index, nil
}

// Len returns the number of registered regions.
func (t *RegionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.regions)
}

// Info returns a description of the region at index.
func (t *RegionTable) Info(index int) (RegionInfo, error) {
	r, err := t.lookup(index)
	if err != nil {
		return RegionInfo{}, err
	}
	return r.Info(), nil
}

// Infos returns descriptions of all regions in index order.
func (t *RegionTable) Infos() []RegionInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	infos := make([]RegionInfo, 0, len(t.regions))
	for _, r := range t.regions {
		infos = append(infos, r.Info())
	}
	return infos
}

// DispatchRW performs a guest read or write of len(buf) bytes at offset in
// the region at index and returns the number of bytes transferred. Offset and
// length are validated by the region's operations; errors from them are
// returned unchanged.
//
// The table is read-locked for the whole access, so Teardown never releases
// a region while an access to it is in progress.
func (t *RegionTable) DispatchRW(index int, buf []byte, offset uint64, isWrite bool) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, err := t.lookupLocked(index)
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty access to region %d", ErrInvalidArgument, index)
	}
	if isWrite {
		if r.Flags&RegionFlagWrite == 0 {
			return 0, fmt.Errorf("%w: write to region %d (%v)", ErrPermissionDenied, index, r.Flags)
		}
		return r.ops.Write(r, buf, offset)
	}
	if r.Flags&RegionFlagRead == 0 {
		return 0, fmt.Errorf("%w: read from region %d (%v)", ErrPermissionDenied, index, r.Flags)
	}
	return r.ops.Read(r, buf, offset)
}

// Teardown releases every region in registration order and empties the
// table. Later calls are no-ops.
func (t *RegionTable) Teardown() int {
	t.mu.Lock()
	regions := t.regions
	t.regions = nil
	t.torndown = true
	t.mu.Unlock()

	for _, r := range regions {
		r.ops.Release(r)
	}
	return len(regions)
}

func (t *RegionTable) lookup(index int) (*Region, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookupLocked(index)
}

// Preconditions: t.mu is held.
func (t *RegionTable) lookupLocked(index int) (*Region, error) {
	pos := index - t.base
	if pos < 0 || pos >= len(t.regions) {
		return nil, fmt.Errorf("%w: region index %d not in [%d, %d)", ErrOutOfRange, index, t.base, t.base+len(t.regions))
	}
	return t.regions[pos], nil
}
