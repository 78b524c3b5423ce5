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

	"github.com/google/btree"

	"github.com/mdevproxy/mdevproxy/pkg/mdev"
)

// iovaRange is a free range of DMA addresses.
type iovaRange struct {
	start mdev.DMAAddr
	size  uint64
}

func (r iovaRange) end() mdev.DMAAddr {
	return r.start + mdev.DMAAddr(r.size)
}

// IOVAAllocator hands out page-aligned ranges of DMA addresses from
// [base, limit). Freed ranges are coalesced and reused first-fit.
type IOVAAllocator struct {
	base  mdev.DMAAddr
	limit mdev.DMAAddr

	mu sync.Mutex

	// next is the lowest address never handed out. Protected by mu.
	next mdev.DMAAddr

	// free holds freed ranges below next, ordered by start. Adjacent
	// ranges are always merged. Protected by mu.
	free *btree.BTreeG[iovaRange]

	// inUse is the number of bytes allocated. Protected by mu.
	inUse uint64
}

// NewIOVAAllocator returns an allocator for [base, limit). base must be
// page-aligned.
func NewIOVAAllocator(base, limit mdev.DMAAddr) *IOVAAllocator {
	return &IOVAAllocator{
		base:  base,
		limit: limit,
		next:  base,
		free:  btree.NewG(8, func(a, b iovaRange) bool { return a.start < b.start }),
	}
}

// Alloc returns the start of a free range of at least size bytes.
func (a *IOVAAllocator) Alloc(size uint64) (mdev.DMAAddr, error) {
	size = roundUp(size)
	if size == 0 {
		return 0, fmt.Errorf("%w: empty IOVA allocation", mdev.ErrInvalidArgument)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var found iovaRange
	ok := false
	a.free.Ascend(func(r iovaRange) bool {
		if r.size >= size {
			found, ok = r, true
			return false
		}
		return true
	})
	if ok {
		a.free.Delete(found)
		if found.size > size {
			a.free.ReplaceOrInsert(iovaRange{start: found.start + mdev.DMAAddr(size), size: found.size - size})
		}
		a.inUse += size
		return found.start, nil
	}

	if a.limit-a.next < mdev.DMAAddr(size) {
		return 0, fmt.Errorf("IOVA space [%v, %v) exhausted allocating %#x bytes", a.base, a.limit, size)
	}
	addr := a.next
	a.next += mdev.DMAAddr(size)
	a.inUse += size
	return addr, nil
}

// Free returns a range obtained from Alloc with the same size.
func (a *IOVAAllocator) Free(addr mdev.DMAAddr, size uint64) {
	size = roundUp(size)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse -= size

	r := iovaRange{start: addr, size: size}
	// Merge with the preceding free range.
	var prev iovaRange
	havePrev := false
	a.free.DescendLessOrEqual(iovaRange{start: addr}, func(p iovaRange) bool {
		prev, havePrev = p, true
		return false
	})
	if havePrev && prev.end() == r.start {
		a.free.Delete(prev)
		r = iovaRange{start: prev.start, size: prev.size + r.size}
	}
	// Merge with the following free range.
	if next, ok := a.free.Get(iovaRange{start: r.end()}); ok {
		a.free.Delete(next)
		r.size += next.size
	}
	// Give the tail back to the bump region.
	if r.end() == a.next {
		a.next = r.start
		return
	}
	a.free.ReplaceOrInsert(r)
}

// InUse returns the number of bytes allocated.
func (a *IOVAAllocator) InUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

func roundUp(size uint64) uint64 {
	return (size + mdev.PageSize - 1) &^ (mdev.PageSize - 1)
}
