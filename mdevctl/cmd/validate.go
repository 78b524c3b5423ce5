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
	"os"

	"github.com/google/subcommands"

	"github.com/mdevproxy/mdevproxy/mdevctl/config"
	"github.com/mdevproxy/mdevproxy/pkg/mdev/mdevconf"
)

// Validate implements subcommands.Command for the "validate" command.
type Validate struct{}

// Name implements subcommands.Command.Name.
func (*Validate) Name() string {
	return "validate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Validate) Synopsis() string {
	return "check a variant configuration file"
}

// Usage implements subcommands.Command.Usage.
func (*Validate) Usage() string {
	return `validate [path] - check the variants in path, or in --config if no path is given.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Validate) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Validate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var (
		vc  *mdevconf.Config
		err error
	)
	if f.NArg() == 1 {
		vc, err = mdevconf.Load(f.Arg(0))
	} else {
		vc, err = conf.Variants()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return subcommands.ExitFailure
	}
	for _, v := range vc.Variants {
		fmt.Printf("%s: %04x:%04x, %d base regions, %d vendor regions\n", v.Name, v.VendorID, v.DeviceID, v.BaseRegionCount, len(v.Regions))
	}
	return subcommands.ExitSuccess
}
