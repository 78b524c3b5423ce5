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

// Package hostmem provides host-backed implementations of the collaborators
// of package mdev. Guest memory is an anonymous mapping in the current
// process, pinning is mlock(2), write traps are mprotect(2), and DMA
// addresses come from a software IOVA allocator.
//
// Host frame numbers are virtual page numbers in the current process. They
// are contiguous for contiguous guest frames, as the guest memory mapping is
// a single region.
package hostmem

import (
	"fmt"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/mdevproxy/mdevproxy/pkg/mdev"
)

// Memory is guest RAM.
type Memory struct {
	mem   mmap.MMap
	base  uintptr
	pages uint64
}

// NewMemory maps pages pages of zeroed guest memory.
func NewMemory(pages uint64) (*Memory, error) {
	if pages == 0 {
		return nil, fmt.Errorf("%w: guest memory needs at least one page", mdev.ErrInvalidArgument)
	}
	mem, err := mmap.MapRegion(nil, int(pages*mdev.PageSize), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("mapping %d guest pages: %w", pages, err)
	}
	return &Memory{
		mem:   mem,
		base:  uintptr(unsafe.Pointer(&mem[0])),
		pages: pages,
	}, nil
}

// Close unmaps the guest memory. m must not be used afterwards.
func (m *Memory) Close() error {
	return m.mem.Unmap()
}

// Pages returns the number of guest pages.
func (m *Memory) Pages() uint64 {
	return m.pages
}

// PFN returns the host frame backing gfn.
func (m *Memory) PFN(gfn mdev.GFN) (mdev.PFN, error) {
	if uint64(gfn) >= m.pages {
		return 0, fmt.Errorf("%w: %v beyond %d guest pages", mdev.ErrAddressUnresolvable, gfn, m.pages)
	}
	return mdev.PFN(m.base>>mdev.PageShift) + mdev.PFN(gfn), nil
}

// Frame returns the memory of gfn.
func (m *Memory) Frame(gfn mdev.GFN) ([]byte, error) {
	return m.Frames(mdev.GFNRange{Start: gfn, Pages: 1})
}

// Frames returns the memory of r.
func (m *Memory) Frames(r mdev.GFNRange) ([]byte, error) {
	if r.Pages == 0 || uint64(r.End()) > m.pages || r.End() < r.Start {
		return nil, fmt.Errorf("%w: %v beyond %d guest pages", mdev.ErrAddressUnresolvable, r, m.pages)
	}
	start := uint64(r.Start) * mdev.PageSize
	return m.mem[start : start+r.Pages*mdev.PageSize : start+r.Pages*mdev.PageSize], nil
}

// hostRange returns the memory backing size bytes starting at pfn.
func (m *Memory) hostRange(pfn mdev.PFN, size uint64) ([]byte, error) {
	first := mdev.PFN(m.base >> mdev.PageShift)
	if pfn < first {
		return nil, fmt.Errorf("%w: host frame %#x not guest memory", mdev.ErrAddressUnresolvable, pfn)
	}
	start := uint64(pfn-first) * mdev.PageSize
	if start > uint64(len(m.mem)) || size > uint64(len(m.mem))-start {
		return nil, fmt.Errorf("%w: host frame %#x (+%#x) not guest memory", mdev.ErrAddressUnresolvable, pfn, size)
	}
	return m.mem[start : start+size : start+size], nil
}

// protect changes the protection of gfn.
func (m *Memory) protect(gfn mdev.GFN, readOnly bool) error {
	b, err := m.Frame(gfn)
	if err != nil {
		return err
	}
	prot := unix.PROT_READ | unix.PROT_WRITE
	if readOnly {
		prot = unix.PROT_READ
	}
	if err := unix.Mprotect(b, prot); err != nil {
		return fmt.Errorf("mprotect %v: %w", gfn, err)
	}
	return nil
}
