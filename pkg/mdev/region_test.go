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
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mdevproxy/mdevproxy/pkg/mdev"
)

// releaseRecorder records the order in which regions are released.
type releaseRecorder struct {
	mdev.BlobRegion
	order *[]int
}

func (r *releaseRecorder) Release(region *mdev.Region) {
	*r.order = append(*r.order, region.Index)
}

func TestRegionDispatch(t *testing.T) {
	table := mdev.NewRegionTable(3)
	index, err := table.Register(0x10, 1, 16, mdev.RegionFlagsReadOnly, nil, &mdev.BlobRegion{Data: []byte("0123456789abcdef")})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if index != 3 {
		t.Fatalf("Register returned index %d, want 3", index)
	}

	buf := make([]byte, 4)
	for _, tc := range []struct {
		name    string
		index   int
		buf     []byte
		offset  uint64
		isWrite bool
		want    error
	}{
		{name: "beyond region", index: 3, buf: buf, offset: 20, want: mdev.ErrOutOfRange},
		{name: "straddles end", index: 3, buf: buf, offset: 14, want: mdev.ErrOutOfRange},
		{name: "write to read-only", index: 3, buf: buf, offset: 0, isWrite: true, want: mdev.ErrPermissionDenied},
		{name: "index below base", index: 2, buf: buf, want: mdev.ErrOutOfRange},
		{name: "index beyond table", index: 4, buf: buf, want: mdev.ErrOutOfRange},
		{name: "negative index", index: -1, buf: buf, want: mdev.ErrOutOfRange},
		{name: "empty buffer", index: 3, buf: nil, want: mdev.ErrInvalidArgument},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := table.DispatchRW(tc.index, tc.buf, tc.offset, tc.isWrite); !errors.Is(err, tc.want) {
				t.Errorf("DispatchRW = %v, want %v", err, tc.want)
			}
		})
	}

	n, err := table.DispatchRW(3, buf, 12, false)
	if err != nil {
		t.Fatalf("DispatchRW read: %v", err)
	}
	if n != 4 || !bytes.Equal(buf, []byte("cdef")) {
		t.Errorf("read %d bytes %q, want 4 bytes %q", n, buf, "cdef")
	}
}

func TestBlobRegionZeroFill(t *testing.T) {
	table := mdev.NewRegionTable(0)
	if _, err := table.Register(1, 0, 8, mdev.RegionFlagsReadOnly, nil, &mdev.BlobRegion{Data: []byte{1, 2}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	buf := []byte{9, 9, 9, 9}
	if _, err := table.DispatchRW(0, buf, 1, false); err != nil {
		t.Fatalf("DispatchRW: %v", err)
	}
	if want := []byte{2, 0, 0, 0}; !bytes.Equal(buf, want) {
		t.Errorf("read %v, want %v", buf, want)
	}
}

func TestRegisterRegionMask(t *testing.T) {
	table := mdev.NewRegionTable(0)
	rr := mdev.NewRegisterRegion([]byte{0x00, 0xaa, 0x55}, []byte{0xff, 0x0f})
	if _, err := table.Register(1, 0, 4, mdev.RegionFlagsReadWrite, nil, rr); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := table.DispatchRW(0, []byte{0x12, 0x34, 0x56, 0x78}, 0, true); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 4)
	if _, err := table.DispatchRW(0, got, 0, false); err != nil {
		t.Fatalf("read: %v", err)
	}
	if want := []byte{0x12, 0xa4, 0x55, 0x00}; !bytes.Equal(got, want) {
		t.Errorf("read %#v, want %#v", got, want)
	}
}

func TestRegionTableTeardown(t *testing.T) {
	table := mdev.NewRegionTable(9)
	var order []int
	for i := 0; i < 3; i++ {
		if _, err := table.Register(uint32(i), 0, 4, mdev.RegionFlagsReadOnly, nil, &releaseRecorder{order: &order}); err != nil {
			t.Fatalf("Register #%d: %v", i, err)
		}
	}
	want := []mdev.RegionInfo{
		{Index: 9, Type: 0, Size: 4, Flags: mdev.RegionFlagsReadOnly},
		{Index: 10, Type: 1, Size: 4, Flags: mdev.RegionFlagsReadOnly},
		{Index: 11, Type: 2, Size: 4, Flags: mdev.RegionFlagsReadOnly},
	}
	if diff := cmp.Diff(want, table.Infos()); diff != "" {
		t.Errorf("Infos mismatch (-want +got):\n%s", diff)
	}

	if n := table.Teardown(); n != 3 {
		t.Errorf("Teardown = %d, want 3", n)
	}
	if diff := cmp.Diff([]int{9, 10, 11}, order); diff != "" {
		t.Errorf("release order mismatch (-want +got):\n%s", diff)
	}
	if _, err := table.Register(0, 0, 4, mdev.RegionFlagsReadOnly, nil, &mdev.BlobRegion{}); !errors.Is(err, mdev.ErrInvalidArgument) {
		t.Errorf("Register after Teardown = %v, want ErrInvalidArgument", err)
	}
	if _, err := table.Info(9); !errors.Is(err, mdev.ErrOutOfRange) {
		t.Errorf("Info after Teardown = %v, want ErrOutOfRange", err)
	}
}

// blockingRegion blocks reads until unblock is closed.
type blockingRegion struct {
	mdev.BlobRegion
	entered  chan struct{}
	unblock  chan struct{}
	released atomic.Bool
	// sawRelease is set if a read finished after Release.
	sawRelease atomic.Bool
}

func (r *blockingRegion) Read(region *mdev.Region, dst []byte, offset uint64) (int, error) {
	close(r.entered)
	<-r.unblock
	if r.released.Load() {
		r.sawRelease.Store(true)
	}
	return r.BlobRegion.Read(region, dst, offset)
}

func (r *blockingRegion) Release(*mdev.Region) {
	r.released.Store(true)
}

func TestTeardownWaitsForDispatch(t *testing.T) {
	table := mdev.NewRegionTable(0)
	br := &blockingRegion{
		BlobRegion: mdev.BlobRegion{Data: []byte{1, 2, 3, 4}},
		entered:    make(chan struct{}),
		unblock:    make(chan struct{}),
	}
	index, err := table.Register(1, 1, 4, mdev.RegionFlagsReadOnly, nil, br)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	readDone := make(chan error, 1)
	go func() {
		_, err := table.DispatchRW(index, make([]byte, 4), 0, false)
		readDone <- err
	}()
	<-br.entered

	teardownDone := make(chan int, 1)
	go func() { teardownDone <- table.Teardown() }()

	select {
	case <-teardownDone:
		t.Fatalf("Teardown completed while a read was in progress")
	case <-time.After(50 * time.Millisecond):
	}
	close(br.unblock)

	if err := <-readDone; err != nil {
		t.Errorf("DispatchRW: %v", err)
	}
	if n := <-teardownDone; n != 1 {
		t.Errorf("Teardown released %d regions, want 1", n)
	}
	if br.sawRelease.Load() {
		t.Errorf("region released during an in-flight read")
	}
	if !br.released.Load() {
		t.Errorf("region not released by Teardown")
	}
	if _, err := table.DispatchRW(index, make([]byte, 4), 0, false); !errors.Is(err, mdev.ErrOutOfRange) {
		t.Errorf("DispatchRW after Teardown = %v, want ErrOutOfRange", err)
	}
}

func TestRegionFlagsString(t *testing.T) {
	for _, tc := range []struct {
		flags mdev.RegionFlags
		want  string
	}{
		{0, "none"},
		{mdev.RegionFlagsReadOnly, "read"},
		{mdev.RegionFlagsReadWrite | mdev.RegionFlagMmap, "read|write|mmap"},
	} {
		flags, want := tc.flags, tc.want
		if got := flags.String(); got != want {
			t.Errorf("%#x.String() = %q, want %q", uint32(flags), got, want)
		}
	}
}
