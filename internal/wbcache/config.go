// Copyright 2024 Google LLC
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

package wbcache

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Size constants from spec §6.
const (
	MaxVectorCount = 8

	MinWindowSize     = 512 * 1024
	DefaultWindowSize = 1024 * 1024
	MaxWindowSize     = 1024 * 1024 * 1024

	AggregateSize = 128 * 1024

	MaxDisableForFirstNBytes = 1024 * 1024
)

const (
	WindowSizeBelowMinError      = "the value of cache-size/window-size can't be less than 512KiB"
	WindowSizeAboveMaxError      = "the value of cache-size/window-size can't be more than 1GiB"
	WindowBelowAggregateError    = "window-size must be at least as large as aggregate-size"
	DisableForFirstNBytesTooHigh = "the value of disable-for-first-nbytes can't be more than 1MiB"
)

// Config holds the options named in spec §6. It is passed to NewCache, not
// read from a CLI or volfile directly; ConfigFromOptions bridges a generic
// options map (as a volfile parser or surrounding CLI would produce) into
// a validated Config.
type Config struct {
	// WindowSize caps window_conf (spec §3). Live-reconfigurable.
	WindowSize int64 `mapstructure:"cache-size"`

	// AggregateSize is the batch-flush threshold (spec §4.3, §6).
	AggregateSize int64 `mapstructure:"aggregate-size"`

	// FlushBehind, when true, acknowledges flush immediately and pushes it
	// asynchronously (spec §4.9). Live-reconfigurable.
	FlushBehind bool `mapstructure:"flush-behind"`

	// EnableOSync, when true, makes SYNC opens disable caching (spec §4.10).
	EnableOSync bool `mapstructure:"enable-O_SYNC"`

	// EnableTricklingWrites, when true, lets the scheduler ship pending
	// writes below the aggregate threshold (spec §4.3).
	EnableTricklingWrites bool `mapstructure:"enable-trickling-writes"`

	// DisableForFirstNBytes bypasses caching for the first N bytes of a
	// newly opened file (spec §4.10).
	DisableForFirstNBytes int64 `mapstructure:"disable-for-first-nbytes"`
}

// DefaultConfig returns the defaults named in spec §6, chosen so that
// WindowSize >= AggregateSize already holds without relying on the
// original translator's raise-with-a-warning behavior (see SPEC_FULL.md,
// SUPPLEMENTED FEATURES).
func DefaultConfig() Config {
	return Config{
		WindowSize:            DefaultWindowSize,
		AggregateSize:         AggregateSize,
		FlushBehind:           true,
		EnableOSync:           true,
		EnableTricklingWrites: true,
		DisableForFirstNBytes: 0,
	}
}

// Validate checks the invariants named in spec §6 ("window_conf >=
// aggregate_size is enforced at init", the documented min/max for
// cache-size, and the max for disable-for-first-nbytes).
func (c Config) Validate() error {
	if c.WindowSize < MinWindowSize {
		return fmt.Errorf(WindowSizeBelowMinError)
	}
	if c.WindowSize > MaxWindowSize {
		return fmt.Errorf(WindowSizeAboveMaxError)
	}
	if c.WindowSize < c.AggregateSize {
		return fmt.Errorf(WindowBelowAggregateError)
	}
	if c.DisableForFirstNBytes < 0 || c.DisableForFirstNBytes > MaxDisableForFirstNBytes {
		return fmt.Errorf(DisableForFirstNBytesTooHigh)
	}
	return nil
}

// byteSizeHook is a mapstructure decode hook that turns human-readable
// size strings like "1MiB" or "512KiB" into the int64 Config fields, the
// way GlusterFS's GF_OPTION_INIT(..., size, ...) parses cache-size/
// aggregate-size/disable-for-first-nbytes in the original translator this
// core was distilled from. ConfigFromOptions decodes plain int64 byte
// counts into the Config fields above directly; this hook lets callers
// pass either form in the options map.
func byteSizeHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}
		s := data.(string)
		n, err := parseByteSize(s)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
}

func parseByteSize(s string) (int64, error) {
	var n float64
	var unit string
	read, err := fmt.Sscanf(s, "%f%s", &n, &unit)
	if err != nil && read == 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	mult := int64(1)
	switch unit {
	case "", "B":
		mult = 1
	case "KiB":
		mult = 1024
	case "MiB":
		mult = 1024 * 1024
	case "GiB":
		mult = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("invalid size unit %q in %q", unit, s)
	}
	return int64(n) * mult, nil
}

// ConfigFromOptions decodes a generic options map (string keys matching
// the mapstructure tags above) into a validated Config, starting from
// DefaultConfig so unspecified options keep their default. This is the
// bridge a surrounding CLI or volfile parser uses instead of the core
// depending on any particular flags/CLI library directly (§1 treats the
// CLI/configuration surface as an external collaborator).
func ConfigFromOptions(options map[string]interface{}) (Config, error) {
	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			byteSizeHook(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(options); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
