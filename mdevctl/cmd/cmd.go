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

// Package cmd holds implementations of the mdevctl commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/mdevproxy/mdevproxy/mdevctl/config"
	"github.com/mdevproxy/mdevproxy/pkg/log"
	"github.com/mdevproxy/mdevproxy/pkg/mdev"
	"github.com/mdevproxy/mdevproxy/pkg/mdev/hostmem"
	"github.com/mdevproxy/mdevproxy/pkg/mdev/mdevtest"
)

// Fatalf logs the same message to the log and to stderr, then exits.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// backend bundles the guest-side collaborators of a binding together with
// the hooks the simulator uses to play the guest's part.
type backend struct {
	mapper mdev.PinnedPageMapper
	guest  mdev.GuestContext
	pages  uint64

	// iovaBase is the first DMA address the mapper hands out.
	iovaBase mdev.DMAAddr

	// write simulates a guest store and reports whether it was trapped.
	write func(gfn mdev.GFN, offset uint64, data []byte) (bool, error)

	// unmap reports that DMA addresses in [start, end) were unmapped.
	unmap func(start, end mdev.DMAAddr)

	// gone tears the guest context down.
	gone func()

	// close releases host resources once the binding is released.
	close func() error
}

// newBackend creates the backend selected by conf.
func newBackend(conf *config.Config) (*backend, error) {
	switch conf.Backend {
	case config.BackendFake:
		guest := mdevtest.NewFakeGuest(conf.GuestPages)
		write := func(gfn mdev.GFN, offset uint64, data []byte) (bool, error) {
			return guest.Write(gfn, offset, data), nil
		}
		return &backend{
			mapper:   mdevtest.NewFakeMapper(),
			guest:    guest,
			pages:    conf.GuestPages,
			iovaBase: mdevtest.DefaultIOVABase,
			write:    write,
			unmap:    guest.TriggerUnmap,
			gone:     guest.TriggerTeardown,
			close:    func() error { return nil },
		}, nil

	case config.BackendHost:
		mem, err := hostmem.NewMemory(conf.GuestPages)
		if err != nil {
			return nil, err
		}
		guest := hostmem.NewGuest(mem)
		return &backend{
			mapper:   hostmem.NewMapper(mem),
			guest:    guest,
			pages:    conf.GuestPages,
			iovaBase: hostmem.DefaultIOVABase,
			write:    guest.Write,
			unmap:    guest.UnmapDMA,
			gone:     guest.Close,
			close:    mem.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", conf.Backend)
	}
}
