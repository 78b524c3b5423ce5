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

// Package mdevconf defines the configuration of mediated device variants.
//
// A variant describes one kind of emulated device a host can offer: its
// identity, how many built-in regions precede the device-specific ones, a
// cap on live DMA mappings, and the vendor regions every instance exposes.
// Each binding is built from its own copy of a Variant.
package mdevconf

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
)

// DefaultBaseRegionCount is the number of built-in regions of a PCI device:
// six BARs, the expansion ROM, config space and VGA.
const DefaultBaseRegionCount = 9

// Region kinds.
const (
	// KindBlob is a read-only region backed by opaque data.
	KindBlob = "blob"

	// KindRegister is a register file with a per-byte write mask.
	KindRegister = "register"
)

// Region flag names.
const (
	FlagRead  = "read"
	FlagWrite = "write"
	FlagMmap  = "mmap"
)

// Format is a configuration file format.
type Format string

// Supported formats.
const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// Config is the set of variants a host offers.
type Config struct {
	Variants []Variant `toml:"variant" yaml:"variants"`
}

// Variant describes one kind of mediated device.
type Variant struct {
	// Name identifies the variant.
	Name string `toml:"name" yaml:"name"`

	// Description is free-form text shown to administrators.
	Description string `toml:"description" yaml:"description"`

	VendorID uint16 `toml:"vendor_id" yaml:"vendor_id"`
	DeviceID uint16 `toml:"device_id" yaml:"device_id"`

	// BaseRegionCount is the number of built-in regions served by the
	// device itself. Device-specific regions are numbered from it.
	BaseRegionCount int `toml:"base_region_count" yaml:"base_region_count"`

	// MaxMappings caps live DMA mappings per instance. Zero is unlimited.
	MaxMappings int `toml:"max_mappings" yaml:"max_mappings"`

	// Regions are registered, in order, when an instance is activated.
	Regions []RegionSpec `toml:"region" yaml:"regions"`
}

// RegionSpec describes a vendor region.
type RegionSpec struct {
	Name    string   `toml:"name" yaml:"name"`
	Kind    string   `toml:"kind" yaml:"kind"`
	Type    uint32   `toml:"type" yaml:"type"`
	Subtype uint32   `toml:"subtype" yaml:"subtype"`
	Size    uint64   `toml:"size" yaml:"size"`
	Flags   []string `toml:"flags" yaml:"flags"`

	// Data is the hex-encoded initial contents. It may be shorter than Size.
	Data string `toml:"data" yaml:"data"`

	// Writable is the hex-encoded per-byte write mask of a register region.
	Writable string `toml:"writable" yaml:"writable"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Variants: []Variant{{
			Name:            "generic",
			Description:     "Generic mediated display device",
			VendorID:        0x8086,
			DeviceID:        0x1912,
			BaseRegionCount: DefaultBaseRegionCount,
			MaxMappings:     0,
			Regions: []RegionSpec{
				{
					Name:    "opregion",
					Kind:    KindBlob,
					Type:    0x80008086,
					Subtype: 1,
					Size:    0x2000,
					Flags:   []string{FlagRead},
					Data:    hex.EncodeToString([]byte("IntelGraphicsMem")),
				},
				{
					Name:     "edid",
					Kind:     KindRegister,
					Type:     1,
					Subtype:  1,
					Size:     0x400,
					Flags:    []string{FlagRead, FlagWrite},
					Data:     "0000000000000000",
					Writable: "ffffffff00000000",
				},
			},
		}},
	}
}

// Load reads a configuration file. The format is chosen by extension:
// ".yaml" and ".yml" are YAML, anything else is TOML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	format := FormatTOML
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}
	c, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a configuration.
func Parse(data []byte, format Format) (*Config, error) {
	var c Config
	switch format {
	case FormatTOML:
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&c)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys: %v", undecoded)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks every variant and rejects duplicate names.
func (c *Config) Validate() error {
	if len(c.Variants) == 0 {
		return fmt.Errorf("no variants defined")
	}
	seen := make(map[string]struct{}, len(c.Variants))
	for i := range c.Variants {
		v := &c.Variants[i]
		if _, ok := seen[v.Name]; ok {
			return fmt.Errorf("duplicate variant %q", v.Name)
		}
		seen[v.Name] = struct{}{}
		if err := v.Validate(); err != nil {
			return fmt.Errorf("variant %q: %w", v.Name, err)
		}
	}
	return nil
}

// Lookup returns a copy of the variant with the given name. Callers may
// modify the copy freely.
func (c *Config) Lookup(name string) (*Variant, error) {
	for i := range c.Variants {
		if c.Variants[i].Name == name {
			return c.Variants[i].Clone(), nil
		}
	}
	return nil, fmt.Errorf("unknown variant %q", name)
}

// Names returns variant names in configuration order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Variants))
	for _, v := range c.Variants {
		names = append(names, v.Name)
	}
	return names
}

// Clone returns a deep copy of v.
func (v *Variant) Clone() *Variant {
	return deepcopy.Copy(v).(*Variant)
}

// Validate checks v for consistency.
func (v *Variant) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("missing name")
	}
	if v.BaseRegionCount < 0 {
		return fmt.Errorf("negative base_region_count %d", v.BaseRegionCount)
	}
	if v.MaxMappings < 0 {
		return fmt.Errorf("negative max_mappings %d", v.MaxMappings)
	}
	names := make(map[string]struct{}, len(v.Regions))
	for i := range v.Regions {
		r := &v.Regions[i]
		if _, ok := names[r.Name]; ok && r.Name != "" {
			return fmt.Errorf("duplicate region %q", r.Name)
		}
		names[r.Name] = struct{}{}
		if err := r.Validate(); err != nil {
			return fmt.Errorf("region %d (%q): %w", i, r.Name, err)
		}
	}
	return nil
}

// Validate checks r for consistency.
func (r *RegionSpec) Validate() error {
	if r.Size == 0 {
		return fmt.Errorf("zero size")
	}
	switch r.Kind {
	case KindBlob, KindRegister:
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	for _, f := range r.Flags {
		switch f {
		case FlagRead, FlagWrite, FlagMmap:
		default:
			return fmt.Errorf("unknown flag %q", f)
		}
	}
	if r.Kind == KindBlob && r.HasFlag(FlagWrite) {
		return fmt.Errorf("blob regions cannot be writable")
	}
	data, err := r.Contents()
	if err != nil {
		return err
	}
	if uint64(len(data)) > r.Size {
		return fmt.Errorf("data is %d bytes, larger than region size %d", len(data), r.Size)
	}
	mask, err := r.WritableMask()
	if err != nil {
		return err
	}
	if len(mask) > len(data) {
		return fmt.Errorf("writable mask is %d bytes, longer than data (%d bytes)", len(mask), len(data))
	}
	return nil
}

// HasFlag returns true if r lists flag.
func (r *RegionSpec) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Contents decodes r.Data.
func (r *RegionSpec) Contents() ([]byte, error) {
	b, err := hex.DecodeString(r.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding data: %w", err)
	}
	return b, nil
}

// WritableMask decodes r.Writable.
func (r *RegionSpec) WritableMask() ([]byte, error) {
	b, err := hex.DecodeString(r.Writable)
	if err != nil {
		return nil, fmt.Errorf("decoding writable mask: %w", err)
	}
	return b, nil
}
