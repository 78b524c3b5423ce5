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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/mdevproxy/mdevproxy/pkg/log"
	"github.com/mdevproxy/mdevproxy/pkg/mdev"
)

// DefaultIOVABase and DefaultIOVALimit bound the DMA addresses handed out by
// a Mapper created with NewMapper.
const (
	DefaultIOVABase  = mdev.DMAAddr(0x1_0000_0000)
	DefaultIOVALimit = mdev.DMAAddr(0x10_0000_0000)
)

// dmaMapping is a live DMA mapping.
type dmaMapping struct {
	pfn  mdev.PFN
	size uint64
}

// Mapper is a mdev.PinnedPageMapper for Memory. Pins are counted per page;
// a page stays locked while any pin on it is held.
type Mapper struct {
	mem  *Memory
	iova *IOVAAllocator

	// RetryTimeout bounds the time spent retrying a pin that fails with
	// EAGAIN.
	RetryTimeout time.Duration

	mu sync.Mutex

	// pins counts pins per guest frame. Protected by mu.
	pins map[mdev.GFN]int

	// maps holds live DMA mappings. Protected by mu.
	maps map[mdev.DMAAddr]dmaMapping
}

// NewMapper returns a mapper for mem using the default IOVA window.
func NewMapper(mem *Memory) *Mapper {
	return &Mapper{
		mem:          mem,
		iova:         NewIOVAAllocator(DefaultIOVABase, DefaultIOVALimit),
		RetryTimeout: 100 * time.Millisecond,
		pins:         make(map[mdev.GFN]int),
		maps:         make(map[mdev.DMAAddr]dmaMapping),
	}
}

// Pin implements mdev.PinnedPageMapper.Pin.
func (m *Mapper) Pin(ctx context.Context, r mdev.GFNRange) ([]mdev.PFN, error) {
	if _, err := m.mem.Frames(r); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pfns := make([]mdev.PFN, 0, r.Pages)
	for gfn := r.Start; gfn < r.End(); gfn++ {
		if m.pins[gfn] == 0 {
			if err := m.lock(ctx, gfn); err != nil {
				if len(pfns) == 0 {
					return nil, err
				}
				return pfns, &mdev.PinError{Pinned: uint64(len(pfns)), Err: err}
			}
		}
		m.pins[gfn]++
		pfn, err := m.mem.PFN(gfn)
		if err != nil {
			// Checked above.
			panic(err)
		}
		pfns = append(pfns, pfn)
	}
	return pfns, nil
}

// lock locks gfn into memory, retrying while the kernel reports a transient
// shortage.
//
// Preconditions: m.mu is held.
func (m *Mapper) lock(ctx context.Context, gfn mdev.GFN) error {
	frame, err := m.mem.Frame(gfn)
	if err != nil {
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 20 * time.Millisecond
	b.MaxElapsedTime = m.RetryTimeout

	op := func() error {
		err := unix.Mlock(frame)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EAGAIN) {
			log.Debugf("hostmem: mlock %v: %v, retrying", gfn, err)
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("mlock %v: %w", gfn, err)
	}
	return nil
}

// Unpin implements mdev.PinnedPageMapper.Unpin.
func (m *Mapper) Unpin(ctx context.Context, r mdev.GFNRange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for gfn := r.Start; gfn < r.End(); gfn++ {
		switch m.pins[gfn] {
		case 0:
			log.Warningf("hostmem: unpin of unpinned frame %v", gfn)
			continue
		case 1:
			delete(m.pins, gfn)
			if frame, err := m.mem.Frame(gfn); err == nil {
				if err := unix.Munlock(frame); err != nil {
					log.Warningf("hostmem: munlock %v: %v", gfn, err)
				}
			}
		default:
			m.pins[gfn]--
		}
	}
}

// MapForDMA implements mdev.PinnedPageMapper.MapForDMA.
func (m *Mapper) MapForDMA(ctx context.Context, pfn mdev.PFN, size uint64) (mdev.DMAAddr, error) {
	if _, err := m.mem.hostRange(pfn, size); err != nil {
		return 0, err
	}
	addr, err := m.iova.Alloc(size)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.maps[addr] = dmaMapping{pfn: pfn, size: size}
	m.mu.Unlock()
	return addr, nil
}

// UnmapForDMA implements mdev.PinnedPageMapper.UnmapForDMA.
func (m *Mapper) UnmapForDMA(ctx context.Context, addr mdev.DMAAddr, size uint64) {
	m.mu.Lock()
	_, ok := m.maps[addr]
	delete(m.maps, addr)
	m.mu.Unlock()
	if !ok {
		log.Warningf("hostmem: unmap of unmapped DMA address %v", addr)
		return
	}
	m.iova.Free(addr, size)
}

// Translate returns the guest memory a device would reach at addr, up to the
// end of the mapping containing it.
func (m *Mapper) Translate(addr mdev.DMAAddr) ([]byte, error) {
	m.mu.Lock()
	var (
		start mdev.DMAAddr
		dm    dmaMapping
		found bool
	)
	for a, d := range m.maps {
		if addr >= a && addr < a+mdev.DMAAddr(d.size) {
			start, dm, found = a, d, true
			break
		}
	}
	m.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("%w: %v not mapped", mdev.ErrNotFound, addr)
	}
	b, err := m.mem.hostRange(dm.pfn, dm.size)
	if err != nil {
		return nil, err
	}
	return b[addr-start:], nil
}

// PinnedFrames returns the number of pinned guest frames.
func (m *Mapper) PinnedFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pins)
}

// LiveMappings returns the number of live DMA mappings.
func (m *Mapper) LiveMappings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.maps)
}

// IOVAInUse returns the number of bytes of DMA address space in use.
func (m *Mapper) IOVAInUse() uint64 {
	return m.iova.InUse()
}
