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
	"strings"
	"testing"

	"github.com/mdevproxy/mdevproxy/mdevctl/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Variant:    "generic",
		Backend:    config.BackendFake,
		LogFormat:  "text",
		GuestPages: 64,
		Workers:    4,
		Iterations: 300,
		Seed:       1,
	}
}

func TestSimulate(t *testing.T) {
	for _, guestTeardown := range []bool{false, true} {
		var out strings.Builder
		if err := simulate(context.Background(), testConfig(), guestTeardown, &out); err != nil {
			t.Fatalf("simulate(guestTeardown=%t): %v", guestTeardown, err)
		}
		for _, want := range []string{
			`mdev_teardowns_total{device="generic"} 1`,
			`mdev_dma_mappings{device="generic"} 0`,
			`# TYPE mdev_pins_total counter`,
		} {
			if !strings.Contains(out.String(), want) {
				t.Errorf("simulate(guestTeardown=%t) output missing %q:\n%s", guestTeardown, want, out.String())
			}
		}
	}
}

func TestSimulateTooSmall(t *testing.T) {
	conf := testConfig()
	conf.GuestPages = 2
	var out strings.Builder
	if err := simulate(context.Background(), conf, false, &out); err == nil {
		t.Errorf("simulate with %d guest pages succeeded", conf.GuestPages)
	}
}

func TestListRegions(t *testing.T) {
	var out strings.Builder
	if err := listRegions(context.Background(), testConfig(), &out); err != nil {
		t.Fatalf("listRegions: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want a header and 3 regions:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "INDEX") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "9 ") || !strings.Contains(lines[1], "read") {
		t.Errorf("first region line = %q, want index 9 readable", lines[1])
	}
}

func TestUnknownVariant(t *testing.T) {
	conf := testConfig()
	conf.Variant = "missing"
	var out strings.Builder
	if err := simulate(context.Background(), conf, false, &out); err == nil {
		t.Errorf("simulate of unknown variant succeeded")
	}
}
