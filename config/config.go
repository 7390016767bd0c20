// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config provides splash configuration types and schemas.
package config

import (
	"log/slog"
	"time"
)

// Settings holds the process-wide playback tunables. Settings are
// expected to be set once before the first asset is opened.
type Settings struct {
	// PrefetchWindow is the number of frames decoded ahead of
	// the displayed frame. Assets with no more frames than this
	// are decoded completely when they are opened.
	PrefetchWindow int `json:"prefetch_window" toml:"prefetch_window"`
	// MinFrameDuration is the floor applied to every frame's
	// display duration.
	MinFrameDuration time.Duration `json:"min_frame_duration" toml:"min_frame_duration"`
	// MaxTickDuration is the largest elapsed time a single
	// tick may contribute to playback.
	MaxTickDuration time.Duration `json:"max_tick_duration" toml:"max_tick_duration"`
	// TickInterval is the period of the playback tick source.
	TickInterval time.Duration `json:"tick_interval" toml:"tick_interval"`
	// DecodeWorkers is the number of background frame decoders
	// for each open asset.
	DecodeWorkers int `json:"decode_workers" toml:"decode_workers"`

	LogLevel  *slog.Level `json:"log_level,omitempty" toml:"log_level"`
	AddSource *bool       `json:"log_add_source,omitempty" toml:"log_add_source"`
}

// Default returns the default settings.
func Default() Settings {
	return Settings{
		PrefetchWindow:   10,
		MinFrameDuration: 10 * time.Millisecond,
		MaxTickDuration:  time.Second,
		TickInterval:     time.Second / 60,
		DecodeWorkers:    1,
	}
}

// Schema is the schema for a valid configuration. Durations are
// expressed in nanoseconds.
const Schema = `
{
	prefetch_window:    int & >=1
	min_frame_duration: int & >0
	max_tick_duration:  int & >=min_frame_duration
	tick_interval:      int & >0
	decode_workers:     int & >=1 & <=64
	log_level?:         _#log_level
	log_add_source?:    bool
}

_#log_level: =~"(?i)^(?:debug|info|warn|error)$"
`
