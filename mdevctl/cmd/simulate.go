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

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/mdevproxy/mdevproxy/mdevctl/config"
	"github.com/mdevproxy/mdevproxy/pkg/log"
	"github.com/mdevproxy/mdevproxy/pkg/mdev"
	"github.com/mdevproxy/mdevproxy/pkg/mdev/mdevtest"
)

// maxAcquirePages bounds the length of a simulated DMA mapping.
const maxAcquirePages = 4

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	guestTeardown bool
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "drive a device binding with a concurrent synthetic guest workload"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [flags] - run --workers workers of --iterations random mediator
operations against one binding of --variant, then print its statistics in the
Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.guestTeardown, "guest-teardown", false, "end the run by tearing the guest context down instead of closing the binding.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := simulate(ctx, conf, s.guestTeardown, os.Stdout); err != nil {
		Fatalf("simulation failed: %v", err)
	}
	return subcommands.ExitSuccess
}

// simulate runs the workload described by conf and writes the binding's
// final statistics to out.
func simulate(ctx context.Context, conf *config.Config, guestTeardown bool, out io.Writer) error {
	if conf.GuestPages <= maxAcquirePages {
		return fmt.Errorf("simulation needs more than %d guest pages", maxAcquirePages)
	}
	variant, err := conf.LookupVariant()
	if err != nil {
		return err
	}
	be, err := newBackend(conf)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			log.Warningf("releasing backend: %v", err)
		}
	}()

	dev := mdevtest.NewFakeDevice()
	b, err := mdev.New(1, dev, be.mapper, variant)
	if err != nil {
		return err
	}
	if err := b.Open(ctx, be.guest); err != nil {
		return err
	}
	if err := b.Activate(ctx); err != nil {
		b.Close(ctx)
		return err
	}
	regions, err := b.Regions()
	if err != nil {
		return err
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < conf.Workers; w++ {
		sw := &simWorker{
			b:       b,
			be:      be,
			regions: regions,
			rand:    rand.New(rand.NewSource(conf.Seed + int64(w))),
		}
		g.Go(func() error {
			return sw.run(gctx, conf.Iterations)
		})
	}
	if err := g.Wait(); err != nil {
		b.Close(ctx)
		return err
	}
	if err := b.CheckInvariants(); err != nil {
		b.Close(ctx)
		return err
	}
	log.Infof("simulation: %d workers x %d operations in %v", conf.Workers, conf.Iterations, time.Since(start))

	if guestTeardown {
		be.gone()
	} else if err := b.Close(ctx); err != nil {
		return err
	}
	select {
	case <-b.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return mdev.WriteStatsText(out, variant.Name, b.Stats())
}

// simWorker plays one guest vCPU.
type simWorker struct {
	b       *mdev.Binding
	be      *backend
	regions []mdev.RegionInfo
	rand    *rand.Rand

	// held are DMA addresses this worker holds a reference on.
	held []mdev.DMAAddr
}

func (w *simWorker) run(ctx context.Context, iterations int) error {
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.step(ctx); err != nil {
			return err
		}
	}
	for _, addr := range w.held {
		if err := w.b.ReleaseDMA(ctx, addr); err != nil && !errors.Is(err, mdev.ErrNotFound) {
			return err
		}
	}
	w.held = nil
	return nil
}

func (w *simWorker) randomGFN(pages uint64) mdev.GFN {
	return mdev.GFN(w.rand.Int63n(int64(w.be.pages - pages + 1)))
}

// step runs one random operation. Errors the workload is expected to
// provoke are ignored.
func (w *simWorker) step(ctx context.Context) error {
	switch w.rand.Intn(8) {
	case 0, 1:
		pages := uint64(1 + w.rand.Intn(maxAcquirePages))
		addr, err := w.b.AcquireDMA(ctx, w.randomGFN(pages), pages*mdev.PageSize)
		if errors.Is(err, mdev.ErrMappingFailed) {
			return nil
		}
		if err != nil {
			return err
		}
		w.held = append(w.held, addr)

	case 2:
		if len(w.held) == 0 {
			return nil
		}
		i := w.rand.Intn(len(w.held))
		addr := w.held[i]
		w.held[i] = w.held[len(w.held)-1]
		w.held = w.held[:len(w.held)-1]
		if err := w.b.ReleaseDMA(ctx, addr); err != nil && !errors.Is(err, mdev.ErrNotFound) {
			return err
		}

	case 3:
		return w.b.MarkWriteProtected(w.randomGFN(1))

	case 4:
		return w.b.UnmarkWriteProtected(w.randomGFN(1))

	case 5:
		data := []byte{byte(w.rand.Intn(256))}
		_, err := w.be.write(w.randomGFN(1), uint64(w.rand.Intn(mdev.PageSize)), data)
		return err

	case 6:
		if len(w.regions) == 0 {
			return nil
		}
		r := w.regions[w.rand.Intn(len(w.regions))]
		buf := make([]byte, 4)
		isWrite := w.rand.Intn(2) == 0
		_, err := w.b.DispatchRW(r.Index, buf, uint64(w.rand.Int63n(int64(r.Size))), isWrite)
		switch {
		case err == nil,
			errors.Is(err, mdev.ErrOutOfRange),
			errors.Is(err, mdev.ErrPermissionDenied):
			return nil
		default:
			return err
		}

	case 7:
		// The host IOMMU unmaps a window behind the binding's back.
		start := w.be.iovaBase + mdev.DMAAddr(w.rand.Intn(64))*mdev.PageSize
		if w.rand.Intn(16) == 0 {
			w.be.unmap(start, start+mdev.PageSize)
		}
	}
	return nil
}
