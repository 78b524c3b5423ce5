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
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/mdevproxy/mdevproxy/mdevctl/config"
	"github.com/mdevproxy/mdevproxy/pkg/mdev"
	"github.com/mdevproxy/mdevproxy/pkg/mdev/mdevtest"
)

// Regions implements subcommands.Command for the "regions" command.
type Regions struct{}

// Name implements subcommands.Command.Name.
func (*Regions) Name() string {
	return "regions"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Regions) Synopsis() string {
	return "list the regions exposed by an activated device of a variant"
}

// Usage implements subcommands.Command.Usage.
func (*Regions) Usage() string {
	return `regions - activate the variant selected by --variant and list its regions.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Regions) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Regions) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := listRegions(ctx, conf, os.Stdout); err != nil {
		Fatalf("listing regions: %v", err)
	}
	return subcommands.ExitSuccess
}

// listRegions activates a throwaway binding of the configured variant on
// the fake backend and writes its region table to w.
func listRegions(ctx context.Context, conf *config.Config, w io.Writer) error {
	variant, err := conf.LookupVariant()
	if err != nil {
		return err
	}
	b, err := mdev.New(0, mdevtest.NewFakeDevice(), mdevtest.NewFakeMapper(), variant)
	if err != nil {
		return err
	}
	defer b.Close(ctx)
	if err := b.Open(ctx, mdevtest.NewFakeGuest(conf.GuestPages)); err != nil {
		return err
	}
	if err := b.Activate(ctx); err != nil {
		return err
	}
	infos, err := b.Regions()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "INDEX\tTYPE\tSUBTYPE\tSIZE\tFLAGS\n")
	for _, info := range infos {
		fmt.Fprintf(tw, "%d\t%#x\t%#x\t%#x\t%v\n", info.Index, info.Type, info.Subtype, info.Size, info.Flags)
	}
	return tw.Flush()
}
