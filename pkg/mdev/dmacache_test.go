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

package mdev_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/mdevproxy/mdevproxy/pkg/mdev"
	"github.com/mdevproxy/mdevproxy/pkg/mdev/mdevtest"
)

const (
	base = mdevtest.DefaultIOVABase
	page = mdev.PageSize
)

func newCache(t *testing.T, maxMappings int) (*mdev.DMACache, *mdevtest.FakeMapper, *mdev.Stats) {
	t.Helper()
	m := mdevtest.NewFakeMapper()
	stats := &mdev.Stats{}
	return mdev.NewDMACache(1, m, maxMappings, stats), m, stats
}

func checkInvariants(t *testing.T, c *mdev.DMACache) {
	t.Helper()
	if err := c.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, m, _ := newCache(t, 0)

	addr, err := c.Acquire(ctx, 0x10, page)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if addr != base {
		t.Errorf("Acquire returned %v, want %v", addr, base)
	}
	again, err := c.Acquire(ctx, 0x10, page)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if again != addr {
		t.Errorf("second Acquire returned %v, want %v", again, addr)
	}
	if info, ok := c.Lookup(0x10); !ok || info.Refs != 2 {
		t.Errorf("Lookup = %+v, %t, want 2 refs", info, ok)
	}
	checkInvariants(t, c)

	for i := 0; i < 2; i++ {
		if err := c.Release(ctx, addr); err != nil {
			t.Fatalf("Release #%d: %v", i, err)
		}
	}
	if got := c.Len(); got != 0 {
		t.Errorf("Len = %d after releases, want 0", got)
	}
	want := mdevtest.MapperCounters{Pins: 1, Unpins: 1, Maps: 1, Unmaps: 1}
	if diff := cmp.Diff(want, m.Counters()); diff != "" {
		t.Errorf("mapper counters mismatch (-want +got):\n%s", diff)
	}
	if n := m.PinnedFrames(); n != 0 {
		t.Errorf("%d frames still pinned", n)
	}
	if err := c.Release(ctx, addr); !errors.Is(err, mdev.ErrNotFound) {
		t.Errorf("Release of released mapping = %v, want ErrNotFound", err)
	}
}

func TestAcquireResize(t *testing.T) {
	ctx := context.Background()
	c, m, stats := newCache(t, 0)

	first, err := c.Acquire(ctx, 0x10, page)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := c.Acquire(ctx, 0x10, 2*page)
	if err != nil {
		t.Fatalf("resizing Acquire: %v", err)
	}
	if second == first {
		t.Errorf("resize reused address %v", first)
	}
	want := []mdev.MappingInfo{{GFN: 0x10, Addr: second, Length: 2 * page, Refs: 1}}
	if diff := cmp.Diff(want, c.Mappings()); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
	if _, ok := c.LookupDMA(first); ok {
		t.Errorf("old address %v still indexed", first)
	}
	if got := stats.Resizes.Load(); got != 1 {
		t.Errorf("Resizes = %d, want 1", got)
	}
	for _, gfn := range []mdev.GFN{0x10, 0x11} {
		if n := m.PinCount(gfn); n != 1 {
			t.Errorf("PinCount(%v) = %d, want 1", gfn, n)
		}
	}
	if n := m.LiveMappings(); n != 1 {
		t.Errorf("mapper has %d mappings, want 1", n)
	}
	checkInvariants(t, c)
}

func TestInvalidateRange(t *testing.T) {
	ctx := context.Background()
	c, m, stats := newCache(t, 0)

	var addrs []mdev.DMAAddr
	for gfn := mdev.GFN(1); gfn <= 3; gfn++ {
		addr, err := c.Acquire(ctx, gfn, page)
		if err != nil {
			t.Fatalf("Acquire(%v): %v", gfn, err)
		}
		addrs = append(addrs, addr)
	}
	if diff := cmp.Diff([]mdev.DMAAddr{base, base + page, base + 2*page}, addrs); diff != "" {
		t.Fatalf("addresses mismatch (-want +got):\n%s", diff)
	}
	// Hold an extra reference: invalidation ignores reference counts.
	if err := c.PinExisting(base + page); err != nil {
		t.Fatalf("PinExisting: %v", err)
	}

	if n := c.InvalidateRange(ctx, base+page, base+2*page); n != 1 {
		t.Errorf("InvalidateRange destroyed %d mappings, want 1", n)
	}
	for _, tc := range []struct {
		addr mdev.DMAAddr
		live bool
	}{
		{base, true},
		{base + page, false},
		{base + 2*page, true},
	} {
		if _, ok := c.LookupDMA(tc.addr); ok != tc.live {
			t.Errorf("LookupDMA(%v) found = %t, want %t", tc.addr, ok, tc.live)
		}
	}
	if _, ok := c.Lookup(2); ok {
		t.Errorf("gfn 2 still indexed after invalidation")
	}
	if n := m.PinCount(2); n != 0 {
		t.Errorf("gfn 2 pinned %d times after invalidation", n)
	}
	if got := stats.Invalidated.Load(); got != 1 {
		t.Errorf("Invalidated = %d, want 1", got)
	}
	if n := c.InvalidateRange(ctx, base+page, base+page); n != 0 {
		t.Errorf("empty InvalidateRange destroyed %d mappings", n)
	}
	checkInvariants(t, c)
}

func TestInvalidateRangeIgnoresRefs(t *testing.T) {
	for _, tc := range []struct {
		name       string
		start, end mdev.DMAAddr
		want       int
		live       []bool
	}{
		{
			name:  "first two of three",
			start: base,
			end:   base + 2*page,
			want:  2,
			live:  []bool{false, false, true},
		},
		{
			name:  "end is exclusive",
			start: base + page,
			end:   base + 2*page,
			want:  1,
			live:  []bool{true, false, true},
		},
		{
			name:  "beyond every mapping",
			start: base + 3*page,
			end:   base + 8*page,
			want:  0,
			live:  []bool{true, true, true},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			c, m, _ := newCache(t, 0)
			var addrs []mdev.DMAAddr
			for gfn := mdev.GFN(1); gfn <= 3; gfn++ {
				addr, err := c.Acquire(ctx, gfn, page)
				if err != nil {
					t.Fatalf("Acquire(%v): %v", gfn, err)
				}
				// Every record has refs > 1.
				if err := c.PinExisting(addr); err != nil {
					t.Fatalf("PinExisting(%v): %v", addr, err)
				}
				addrs = append(addrs, addr)
			}

			if n := c.InvalidateRange(ctx, tc.start, tc.end); n != tc.want {
				t.Errorf("InvalidateRange(%v, %v) destroyed %d mappings, want %d", tc.start, tc.end, n, tc.want)
			}
			var live []bool
			for _, addr := range addrs {
				_, ok := c.LookupDMA(addr)
				live = append(live, ok)
			}
			if diff := cmp.Diff(tc.live, live); diff != "" {
				t.Errorf("live mappings mismatch (-want +got):\n%s", diff)
			}
			if n := m.LiveMappings(); n != 3-tc.want {
				t.Errorf("mapper has %d mappings, want %d", n, 3-tc.want)
			}
			checkInvariants(t, c)
		})
	}
}

func TestAcquireFailures(t *testing.T) {
	for _, tc := range []struct {
		name   string
		setup  func(m *mdevtest.FakeMapper)
		length uint64
		want   error
	}{
		{
			name:   "zero length",
			length: 0,
			want:   mdev.ErrInvalidArgument,
		},
		{
			name:   "unaligned length",
			length: 100,
			want:   mdev.ErrInvalidArgument,
		},
		{
			name:   "pin failure",
			setup:  func(m *mdevtest.FakeMapper) { m.FailPin = true },
			length: page,
			want:   mdev.ErrMappingFailed,
		},
		{
			name:   "partial pin",
			setup:  func(m *mdevtest.FakeMapper) { m.PinLimit = 2 },
			length: 4 * page,
			want:   mdev.ErrMappingFailed,
		},
		{
			name:   "map failure",
			setup:  func(m *mdevtest.FakeMapper) { m.FailMap = true },
			length: 2 * page,
			want:   mdev.ErrMappingFailed,
		},
		{
			name:   "scattered host pages",
			setup:  func(m *mdevtest.FakeMapper) { m.Scatter = true },
			length: 2 * page,
			want:   mdev.ErrMappingFailed,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, m, _ := newCache(t, 0)
			if tc.setup != nil {
				tc.setup(m)
			}
			_, err := c.Acquire(context.Background(), 0x20, tc.length)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Acquire = %v, want %v", err, tc.want)
			}
			if n := m.PinnedFrames(); n != 0 {
				t.Errorf("%d frames left pinned", n)
			}
			if n := m.LiveMappings(); n != 0 {
				t.Errorf("%d DMA mappings left", n)
			}
			if n := c.Len(); n != 0 {
				t.Errorf("Len = %d, want 0", n)
			}
			checkInvariants(t, c)
		})
	}
}

func TestPartialPinError(t *testing.T) {
	c, m, _ := newCache(t, 0)
	m.PinLimit = 1
	_, err := c.Acquire(context.Background(), 0x20, 3*page)
	var pe *mdev.PinError
	if !errors.As(err, &pe) {
		t.Fatalf("Acquire = %v, want a *PinError", err)
	}
	if pe.Pinned != 1 {
		t.Errorf("Pinned = %d, want 1", pe.Pinned)
	}
	if got := m.Counters().Unpins; got != 1 {
		t.Errorf("Unpins = %d, want 1", got)
	}
}

func TestAcquireDuplicateAddress(t *testing.T) {
	ctx := context.Background()
	c, m, _ := newCache(t, 0)
	m.ReuseAddr = true

	addr, err := c.Acquire(ctx, 1, page)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := c.Acquire(ctx, 2, page); !errors.Is(err, mdev.ErrMappingFailed) {
		t.Fatalf("Acquire with duplicate address = %v, want ErrMappingFailed", err)
	}
	if n := c.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
	if n := m.PinCount(2); n != 0 {
		t.Errorf("gfn 2 pinned %d times", n)
	}
	// The surviving record's window must still be mapped.
	if n := m.LiveMappings(); n != 1 {
		t.Errorf("mapper has %d mappings, want 1", n)
	}
	if got := m.Counters().Unmaps; got != 0 {
		t.Errorf("Unmaps = %d before release, want 0", got)
	}
	checkInvariants(t, c)

	if err := c.Release(ctx, addr); err != nil {
		t.Fatalf("Release(%v): %v", addr, err)
	}
	if got := m.Counters().Unmaps; got != 1 {
		t.Errorf("Unmaps = %d after release, want 1", got)
	}
	if n := m.LiveMappings(); n != 0 {
		t.Errorf("mapper has %d mappings after release, want 0", n)
	}
	if n := m.PinnedFrames(); n != 0 {
		t.Errorf("%d frames still pinned", n)
	}
}

func TestMaxMappings(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCache(t, 2)
	for gfn := mdev.GFN(0); gfn < 2; gfn++ {
		if _, err := c.Acquire(ctx, gfn, page); err != nil {
			t.Fatalf("Acquire(%v): %v", gfn, err)
		}
	}
	if _, err := c.Acquire(ctx, 2, page); !errors.Is(err, mdev.ErrMappingFailed) {
		t.Errorf("Acquire beyond limit = %v, want ErrMappingFailed", err)
	}
	// Existing mappings are still served.
	if _, err := c.Acquire(ctx, 1, page); err != nil {
		t.Errorf("Acquire of existing mapping: %v", err)
	}
}

func TestPinExistingNotFound(t *testing.T) {
	c, _, _ := newCache(t, 0)
	if err := c.PinExisting(base); !errors.Is(err, mdev.ErrNotFound) {
		t.Errorf("PinExisting = %v, want ErrNotFound", err)
	}
}

func TestDrain(t *testing.T) {
	ctx := context.Background()
	c, m, _ := newCache(t, 0)
	for gfn := mdev.GFN(0); gfn < 3; gfn++ {
		if _, err := c.Acquire(ctx, gfn*4, 2*page); err != nil {
			t.Fatalf("Acquire(%v): %v", gfn, err)
		}
	}
	if n := c.Drain(ctx); n != 3 {
		t.Errorf("Drain = %d, want 3", n)
	}
	if n := m.PinnedFrames(); n != 0 {
		t.Errorf("%d frames pinned after Drain", n)
	}
	if n := m.LiveMappings(); n != 0 {
		t.Errorf("%d DMA mappings after Drain", n)
	}
	if _, err := c.Acquire(ctx, 0, page); !errors.Is(err, mdev.ErrDeviceGone) {
		t.Errorf("Acquire after Drain = %v, want ErrDeviceGone", err)
	}
	if err := c.PinExisting(base); !errors.Is(err, mdev.ErrDeviceGone) {
		t.Errorf("PinExisting after Drain = %v, want ErrDeviceGone", err)
	}
	if n := c.Drain(ctx); n != 0 {
		t.Errorf("second Drain = %d, want 0", n)
	}
}

func TestCacheConcurrent(t *testing.T) {
	ctx := context.Background()
	c, m, _ := newCache(t, 0)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				gfn := mdev.GFN((w + i) % 5)
				addr, err := c.Acquire(ctx, gfn, page)
				if err != nil {
					return err
				}
				if err := c.Release(ctx, addr); err != nil && !errors.Is(err, mdev.ErrNotFound) {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < 50; i++ {
			c.InvalidateRange(ctx, base, base+0x100000)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	checkInvariants(t, c)
	c.Drain(ctx)
	if n := m.PinnedFrames(); n != 0 {
		t.Errorf("%d frames pinned after Drain", n)
	}
}
