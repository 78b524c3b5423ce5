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

// Package config holds the mdevctl command line configuration.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"github.com/mdevproxy/mdevproxy/pkg/log"
	"github.com/mdevproxy/mdevproxy/pkg/mdev/mdevconf"
)

// Backends.
const (
	// BackendFake uses in-memory collaborators with no host side effects.
	BackendFake = "fake"

	// BackendHost backs guest memory with an anonymous host mapping and
	// pins it with mlock(2).
	BackendHost = "host"
)

// Config holds configuration that is shared by all mdevctl commands. Fields
// tagged with "flag" are set from the flag of that name.
type Config struct {
	// ConfigFile is the path of a TOML or YAML variant file. If empty, the
	// built-in variants are used.
	ConfigFile string `flag:"config"`

	// Variant is the name of the variant to instantiate.
	Variant string `flag:"variant"`

	// Backend selects the guest memory backend: fake or host.
	Backend string `flag:"backend"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format"`

	// LogFilename is the file pattern logs are written to. Empty means
	// stderr. See log.BuildPath for the supported substitutions.
	LogFilename string `flag:"log"`

	// GuestPages is the size of guest memory in pages.
	GuestPages uint64 `flag:"guest-pages"`

	// Workers is the number of concurrent workers used by simulate.
	Workers int `flag:"workers"`

	// Iterations is the number of operations each simulate worker runs.
	Iterations int `flag:"iterations"`

	// Seed seeds the simulate workers' random sources.
	Seed int64 `flag:"seed"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML or YAML file describing device variants. Built-in variants are used if unset.")
	flagSet.String("variant", "generic", "name of the device variant to use.")
	flagSet.String("backend", BackendFake, "guest memory backend: fake (default) or host.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.String("log", "", "file path where logs are written, default is stderr. If it ends with '/', a file is created inside the directory. %TIMESTAMP% and %PID% are substituted.")
	flagSet.Uint64("guest-pages", 256, "guest memory size in pages.")
	flagSet.Int("workers", 4, "number of concurrent simulation workers.")
	flagSet.Int("iterations", 1000, "number of operations run by each simulation worker.")
	flagSet.Int64("seed", 1, "seed for the simulation's random sources.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendFake, BackendHost:
	default:
		return fmt.Errorf("invalid backend %q, must be %q or %q", c.Backend, BackendFake, BackendHost)
	}
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", c.LogFormat)
	}
	if c.GuestPages == 0 {
		return fmt.Errorf("guest-pages must be positive")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Iterations < 0 {
		return fmt.Errorf("iterations must not be negative, got %d", c.Iterations)
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags at their default value are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint64:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic(fmt.Sprintf("unsupported flag kind %v", field.Kind()))
	}
}

// Log logs important aspects of the configuration.
func (c *Config) Log() {
	log.Infof("Config: %s", c.ConfigFile)
	log.Infof("Variant: %s", c.Variant)
	log.Infof("Backend: %s", c.Backend)
	log.Infof("Guest pages: %d", c.GuestPages)
	log.Infof("Debug: %t", c.Debug)
}

// Variants loads the configured variant set.
func (c *Config) Variants() (*mdevconf.Config, error) {
	if c.ConfigFile == "" {
		return mdevconf.Default(), nil
	}
	return mdevconf.Load(c.ConfigFile)
}

// LookupVariant returns a copy of the configured variant.
func (c *Config) LookupVariant() (*mdevconf.Variant, error) {
	vc, err := c.Variants()
	if err != nil {
		return nil, err
	}
	return vc.Lookup(c.Variant)
}
