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

package mdevtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mdevproxy/mdevproxy/pkg/mdev"
)

// Properties of the region a FakeDevice registers on activation.
const (
	FakeRegionType    = 0x4d444556
	FakeRegionSubtype = 1
	FakeRegionSize    = 0x100

	// BaseRegionSize is the size of each built-in region of a FakeDevice.
	BaseRegionSize = 0x100
)

// WriteEvent records a write-protect event delivered to a FakeDevice.
type WriteEvent struct {
	GFN    mdev.GFN
	Offset uint64
	Data   []byte
}

// FakeDevice is a Device backed by plain byte arrays. On activation it
// registers one read-write register region whose index is available from
// RegionIndex.
type FakeDevice struct {
	// FailActivate makes Activate fail.
	FailActivate bool

	// WriteHandler, if set, is called for each write-protect event after
	// it has been recorded.
	WriteHandler func(gfn mdev.GFN, offset uint64, data []byte) error

	mu            sync.Mutex
	activations   int
	deactivations int
	regionIndex   int
	base          map[int][]byte
	writes        []WriteEvent
	released      bool
}

// NewFakeDevice returns an inactive device.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{
		regionIndex: -1,
		base:        make(map[int][]byte),
	}
}

// Activate implements mdev.Device.Activate.
func (d *FakeDevice) Activate(ctx context.Context, setup *mdev.Setup) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailActivate {
		return fmt.Errorf("activating fake device: %w", ErrInjected)
	}
	if d.regionIndex < 0 {
		rr := mdev.NewRegisterRegion(make([]byte, FakeRegionSize), bytesOf(0xff, FakeRegionSize))
		rr.OnRelease = func() {
			d.mu.Lock()
			d.released = true
			d.mu.Unlock()
		}
		index, err := setup.RegisterRegion(FakeRegionType, FakeRegionSubtype, FakeRegionSize, mdev.RegionFlagsReadWrite, "fake", rr)
		if err != nil {
			return err
		}
		d.regionIndex = index
	}
	d.activations++
	return nil
}

// Deactivate implements mdev.Device.Deactivate.
func (d *FakeDevice) Deactivate(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deactivations++
}

// BaseSpaceRW implements mdev.Device.BaseSpaceRW.
func (d *FakeDevice) BaseSpaceRW(index int, buf []byte, offset uint64, isWrite bool) (int, error) {
	if offset > BaseRegionSize || uint64(len(buf)) > BaseRegionSize-offset {
		return 0, fmt.Errorf("%w: [%#x, +%#x) outside base region %d", mdev.ErrOutOfRange, offset, len(buf), index)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	space, ok := d.base[index]
	if !ok {
		space = make([]byte, BaseRegionSize)
		d.base[index] = space
	}
	if isWrite {
		return copy(space[offset:], buf), nil
	}
	return copy(buf, space[offset:]), nil
}

// HandleWriteProtect implements mdev.Device.HandleWriteProtect.
func (d *FakeDevice) HandleWriteProtect(gfn mdev.GFN, offset uint64, data []byte) error {
	d.mu.Lock()
	d.writes = append(d.writes, WriteEvent{GFN: gfn, Offset: offset, Data: append([]byte(nil), data...)})
	handler := d.WriteHandler
	d.mu.Unlock()
	if handler != nil {
		return handler(gfn, offset, data)
	}
	return nil
}

// RegionIndex returns the index of the region registered by Activate, or -1.
func (d *FakeDevice) RegionIndex() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regionIndex
}

// Activations returns the number of successful Activate calls.
func (d *FakeDevice) Activations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activations
}

// Deactivations returns the number of Deactivate calls.
func (d *FakeDevice) Deactivations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deactivations
}

// RegionReleased returns true once the region registered by Activate has
// been released.
func (d *FakeDevice) RegionReleased() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// Writes returns the write-protect events received so far.
func (d *FakeDevice) Writes() []WriteEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]WriteEvent(nil), d.writes...)
}

func bytesOf(b byte, n int) []byte {
	s := make([]byte, n)
	for i := range s {
		s[i] = b
	}
	return s
}
