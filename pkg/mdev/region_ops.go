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

import "sync"

// NopRelease may be embedded by RegionOps implementations whose regions own
// nothing that needs releasing.
type NopRelease struct{}

// Release implements RegionOps.Release.
func (NopRelease) Release(*Region) {}

// BlobRegion exposes an opaque, read-only payload such as a firmware or
// display identification blob. Bytes beyond the payload read as zero.
type BlobRegion struct {
	NopRelease
	Data []byte
}

// Read implements RegionOps.Read.
func (b *BlobRegion) Read(r *Region, dst []byte, offset uint64) (int, error) {
	if err := r.CheckRange(offset, len(dst)); err != nil {
		return 0, err
	}
	n := 0
	if offset < uint64(len(b.Data)) {
		n = copy(dst, b.Data[offset:])
	}
	clear(dst[n:])
	return len(dst), nil
}

// Write implements RegionOps.Write.
func (b *BlobRegion) Write(*Region, []byte, uint64) (int, error) {
	return 0, ErrPermissionDenied
}

// RegisterRegion is a byte-addressed register file. Only bits set in the
// writable mask can be changed by guest writes; other bits keep their value.
type RegisterRegion struct {
	mu       sync.Mutex
	data     []byte
	writable []byte

	// OnRelease, if set, is called when the region is released.
	OnRelease func()
}

// NewRegisterRegion returns a register file initialized from initial, with
// writable giving the per-byte write mask. writable may be shorter than
// initial; missing bytes are read-only.
func NewRegisterRegion(initial, writable []byte) *RegisterRegion {
	rr := &RegisterRegion{
		data:     append([]byte(nil), initial...),
		writable: make([]byte, len(initial)),
	}
	copy(rr.writable, writable)
	return rr
}

// Read implements RegionOps.Read.
func (rr *RegisterRegion) Read(r *Region, dst []byte, offset uint64) (int, error) {
	if err := r.CheckRange(offset, len(dst)); err != nil {
		return 0, err
	}
	rr.mu.Lock()
	defer rr.mu.Unlock()
	n := 0
	if offset < uint64(len(rr.data)) {
		n = copy(dst, rr.data[offset:])
	}
	clear(dst[n:])
	return len(dst), nil
}

// Write implements RegionOps.Write.
func (rr *RegisterRegion) Write(r *Region, src []byte, offset uint64) (int, error) {
	if err := r.CheckRange(offset, len(src)); err != nil {
		return 0, err
	}
	rr.mu.Lock()
	defer rr.mu.Unlock()
	for i, v := range src {
		off := offset + uint64(i)
		if off >= uint64(len(rr.data)) {
			break
		}
		mask := rr.writable[off]
		rr.data[off] = rr.data[off]&^mask | v&mask
	}
	return len(src), nil
}

// Release implements RegionOps.Release.
func (rr *RegisterRegion) Release(*Region) {
	rr.mu.Lock()
	rr.data = nil
	rr.writable = nil
	rr.mu.Unlock()
	if rr.OnRelease != nil {
		rr.OnRelease()
	}
}
