// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config provides loading, validation and process-wide storage
// of playback settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"

	"github.com/kortschak/splash/config"
)

// Settings is the publicly visible settings type.
type Settings = config.Settings

var current atomic.Pointer[Settings]

// Current returns the process-wide settings. If Set has not been called
// the default settings are returned.
func Current() Settings {
	if s := current.Load(); s != nil {
		return *s
	}
	return config.Default()
}

// Set validates s and makes it the process-wide settings. Zero-valued
// fields are replaced with their defaults. Set should be called before
// any asset is opened; the effect of changing settings during playback
// is undefined.
func Set(s Settings) error {
	s = withDefaults(s)
	_, err := Validate(config.Schema, s)
	if err != nil {
		return err
	}
	current.Store(&s)
	return nil
}

// Reset restores the default process-wide settings.
func Reset() {
	current.Store(nil)
}

// Load reads the TOML settings file at path. Fields that are not present
// in the file take their default values. Unknown keys are an error.
func Load(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	return Parse(b)
}

// Parse parses TOML settings data. Fields that are not present take their
// default values. Unknown keys are an error.
func Parse(b []byte) (Settings, error) {
	s := config.Default()
	md, err := toml.Decode(string(b), &s)
	if err != nil {
		return Settings{}, err
	}
	if undec := md.Undecoded(); len(undec) != 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		return Settings{}, fmt.Errorf("unknown settings keys: %s", strings.Join(keys, " "))
	}
	paths, err := Validate(config.Schema, s)
	if err != nil {
		return Settings{}, errors.Join(fmt.Errorf("invalid settings: %q", paths), err)
	}
	return s, nil
}

func withDefaults(s Settings) Settings {
	def := config.Default()
	if s.PrefetchWindow == 0 {
		s.PrefetchWindow = def.PrefetchWindow
	}
	if s.MinFrameDuration == 0 {
		s.MinFrameDuration = def.MinFrameDuration
	}
	if s.MaxTickDuration == 0 {
		s.MaxTickDuration = def.MaxTickDuration
	}
	if s.TickInterval == 0 {
		s.TickInterval = def.TickInterval
	}
	if s.DecodeWorkers == 0 {
		s.DecodeWorkers = def.DecodeWorkers
	}
	return s
}
