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
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mdevproxy/mdevproxy/pkg/mdev"
	"github.com/mdevproxy/mdevproxy/pkg/mdev/mdevtest"
)

const testPages = 8

func newMemory(t *testing.T) *Memory {
	t.Helper()
	mem, err := NewMemory(testPages)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() {
		if err := mem.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return mem
}

// skipIfUnlockable skips the test if the environment does not allow locking
// memory.
func skipIfUnlockable(t *testing.T, err error) {
	t.Helper()
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EAGAIN) {
		t.Skipf("mlock not permitted: %v", err)
	}
}

func TestIOVAAllocator(t *testing.T) {
	const base = mdev.DMAAddr(0x10000)
	a := NewIOVAAllocator(base, base+16*mdev.PageSize)

	var addrs []mdev.DMAAddr
	for i := 0; i < 3; i++ {
		addr, err := a.Alloc(mdev.PageSize)
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		addrs = append(addrs, addr)
	}
	if addrs[0] != base || addrs[1] != base+mdev.PageSize || addrs[2] != base+2*mdev.PageSize {
		t.Fatalf("Alloc returned %v, want consecutive pages from %v", addrs, base)
	}

	a.Free(addrs[1], mdev.PageSize)
	if got, err := a.Alloc(1); err != nil || got != addrs[1] {
		t.Errorf("Alloc after Free = %v, %v; want %v", got, err, addrs[1])
	}
	if _, err := a.Alloc(16 * mdev.PageSize); err == nil {
		t.Errorf("oversized Alloc succeeded")
	}
	if _, err := a.Alloc(0); !errors.Is(err, mdev.ErrInvalidArgument) {
		t.Errorf("Alloc(0) = %v, want ErrInvalidArgument", err)
	}

	for _, addr := range addrs {
		a.Free(addr, mdev.PageSize)
	}
	if n := a.InUse(); n != 0 {
		t.Errorf("InUse = %d after freeing everything", n)
	}
	// Everything coalesced back into the bump region.
	if got, err := a.Alloc(16 * mdev.PageSize); err != nil || got != base {
		t.Errorf("Alloc of whole window = %v, %v; want %v", got, err, base)
	}
}

func TestMemoryFrames(t *testing.T) {
	mem := newMemory(t)
	first, err := mem.PFN(0)
	if err != nil {
		t.Fatalf("PFN(0): %v", err)
	}
	last, err := mem.PFN(testPages - 1)
	if err != nil {
		t.Fatalf("PFN(last): %v", err)
	}
	if last-first != testPages-1 {
		t.Errorf("host frames not contiguous: first %#x, last %#x", first, last)
	}
	if _, err := mem.PFN(testPages); !errors.Is(err, mdev.ErrAddressUnresolvable) {
		t.Errorf("PFN beyond memory = %v, want ErrAddressUnresolvable", err)
	}
	b, err := mem.Frames(mdev.GFNRange{Start: 2, Pages: 3})
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	if len(b) != 3*mdev.PageSize {
		t.Errorf("Frames returned %d bytes, want %d", len(b), 3*mdev.PageSize)
	}
}

func TestMapperWithCache(t *testing.T) {
	ctx := context.Background()
	mem := newMemory(t)
	guest := NewGuest(mem)
	mapper := NewMapper(mem)
	cache := mdev.NewDMACache(1, mapper, 0, nil)

	addr, err := cache.Acquire(ctx, 2, 2*mdev.PageSize)
	if err != nil {
		skipIfUnlockable(t, err)
		t.Fatalf("Acquire: %v", err)
	}
	if n := mapper.PinnedFrames(); n != 2 {
		t.Errorf("PinnedFrames = %d, want 2", n)
	}

	if _, err := guest.Write(3, 16, []byte("dma")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	view, err := mapper.Translate(addr + mdev.PageSize + 16)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if !bytes.HasPrefix(view, []byte("dma")) {
		t.Errorf("DMA view starts with %q, want %q", view[:3], "dma")
	}

	if err := cache.Release(ctx, addr); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if n := mapper.PinnedFrames(); n != 0 {
		t.Errorf("PinnedFrames = %d after Release", n)
	}
	if n := mapper.LiveMappings(); n != 0 {
		t.Errorf("LiveMappings = %d after Release", n)
	}
	if n := mapper.IOVAInUse(); n != 0 {
		t.Errorf("IOVAInUse = %d after Release", n)
	}
	if _, err := mapper.Translate(addr); !errors.Is(err, mdev.ErrNotFound) {
		t.Errorf("Translate of released mapping = %v, want ErrNotFound", err)
	}
	if _, err := cache.Acquire(ctx, testPages-1, 2*mdev.PageSize); !errors.Is(err, mdev.ErrMappingFailed) {
		t.Errorf("Acquire beyond guest memory = %v, want ErrMappingFailed", err)
	}
}

type recordingNotifier struct {
	writes []mdev.GFN
}

func (n *recordingNotifier) OnWrite(gfn mdev.GFN, offset uint64, data []byte) {
	n.writes = append(n.writes, gfn)
}

func (n *recordingNotifier) OnRegionRetiring(mdev.MemorySlot) {}

func TestGuestWriteTrap(t *testing.T) {
	mem := newMemory(t)
	guest := NewGuest(mem)
	n := &recordingNotifier{}
	unregister, err := guest.RegisterPageTrackNotifier(n)
	if err != nil {
		t.Fatalf("RegisterPageTrackNotifier: %v", err)
	}
	defer unregister()

	mu := guest.PageTableLock()
	mu.Lock()
	err = guest.InstallWriteTrap(1)
	mu.Unlock()
	if err != nil {
		t.Fatalf("InstallWriteTrap: %v", err)
	}

	trapped, err := guest.Write(1, 0, []byte{0xaa})
	if err != nil || !trapped {
		t.Fatalf("Write to trapped frame = %t, %v; want trapped", trapped, err)
	}
	got := make([]byte, 1)
	if _, err := guest.Read(1, 0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got[0] != 0 {
		t.Errorf("trapped write reached memory")
	}
	if len(n.writes) != 1 || n.writes[0] != 1 {
		t.Errorf("notifier saw writes %v, want [1]", n.writes)
	}

	mu.Lock()
	err = guest.RemoveWriteTrap(1)
	mu.Unlock()
	if err != nil {
		t.Fatalf("RemoveWriteTrap: %v", err)
	}
	if trapped, err := guest.Write(1, 0, []byte{0xaa}); err != nil || trapped {
		t.Fatalf("Write to untrapped frame = %t, %v", trapped, err)
	}
	if _, err := guest.Read(1, 0, got); err != nil || got[0] != 0xaa {
		t.Errorf("Read = %#x, %v; want 0xaa", got[0], err)
	}
	if _, err := guest.Write(1, mdev.PageSize-1, []byte{1, 2}); !errors.Is(err, mdev.ErrOutOfRange) {
		t.Errorf("Write across frame = %v, want ErrOutOfRange", err)
	}
}

func TestBindingOnHostMemory(t *testing.T) {
	ctx := context.Background()
	mem := newMemory(t)
	guest := NewGuest(mem)
	mapper := NewMapper(mem)
	dev := mdevtest.NewFakeDevice()

	b, err := mdev.New(1, dev, mapper, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Open(ctx, guest); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, err := b.AcquireDMA(ctx, 0, mdev.PageSize); err != nil {
		skipIfUnlockable(t, err)
		t.Fatalf("AcquireDMA: %v", err)
	}
	if err := b.MarkWriteProtected(4); err != nil {
		t.Fatalf("MarkWriteProtected: %v", err)
	}
	if trapped, err := guest.Write(4, 0, []byte{1}); err != nil || !trapped {
		t.Fatalf("Write = %t, %v; want trapped", trapped, err)
	}
	if n := len(dev.Writes()); n != 1 {
		t.Errorf("device saw %d writes, want 1", n)
	}

	guest.Close()
	select {
	case <-b.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("binding not released after guest close")
	}
	if n := mapper.PinnedFrames(); n != 0 {
		t.Errorf("%d frames pinned after teardown", n)
	}
	if n := guest.Trapped(); n != 0 {
		t.Errorf("%d frames trapped after teardown", n)
	}
	if refs := guest.Refs(); refs != 0 {
		t.Errorf("guest refs = %d after teardown", refs)
	}
}
