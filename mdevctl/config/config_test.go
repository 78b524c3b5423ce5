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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefault(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	v, err := c.LookupVariant()
	if err != nil {
		t.Fatalf("LookupVariant: %v", err)
	}
	if v.Name != "generic" {
		t.Errorf("variant %q, want generic", v.Name)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{"--backend=host", "--debug", "--workers=8", "--guest-pages=64"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := BackendHost; c.Backend != want {
		t.Errorf("Backend=%v, want: %v", c.Backend, want)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := 8; c.Workers != want {
		t.Errorf("Workers=%v, want: %v", c.Workers, want)
	}
	if want := uint64(64); c.GuestPages != want {
		t.Errorf("GuestPages=%v, want: %v", c.GuestPages, want)
	}

	want := []string{"--backend=host", "--debug=true", "--guest-pages=64", "--workers=8"}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidFlags(t *testing.T) {
	for _, args := range [][]string{
		{"--backend=gpu"},
		{"--log-format=xml"},
		{"--workers=0"},
		{"--guest-pages=0"},
		{"--iterations=-1"},
	} {
		testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
		RegisterFlags(testFlags)
		if err := testFlags.Parse(args); err != nil {
			t.Fatalf("Parse(%v): %v", args, err)
		}
		if _, err := NewFromFlags(testFlags); err == nil {
			t.Errorf("NewFromFlags(%v) succeeded", args)
		}
	}
}

func TestVariantsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "variants.yaml")
	data := "variants:\n  - name: tiny\n    base_region_count: 1\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c := &Config{ConfigFile: path, Variant: "tiny"}
	v, err := c.LookupVariant()
	if err != nil {
		t.Fatalf("LookupVariant: %v", err)
	}
	if v.BaseRegionCount != 1 {
		t.Errorf("BaseRegionCount = %d, want 1", v.BaseRegionCount)
	}
	c.Variant = "generic"
	if _, err := c.LookupVariant(); err == nil {
		t.Errorf("LookupVariant of variant missing from file succeeded")
	}
}
