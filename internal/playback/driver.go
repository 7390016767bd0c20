// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package playback provides a tick-driven animation player.
package playback

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kortschak/splash/internal/config"
)

// Asset is an animation that can be played by a Driver. It is satisfied
// by *frames.Store.
type Asset interface {
	// Len returns the number of frames.
	Len() int
	// Duration returns the display duration of frame i.
	Duration(i int) (time.Duration, bool)
	// Frame returns the image for frame i, or nil if
	// no image is available.
	Frame(i int) image.Image
}

// State is the playback state of a Driver.
type State int

const (
	Stopped State = iota // No animation is installed.
	Paused
	Playing
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Paused:
		return "paused"
	case Playing:
		return "playing"
	default:
		return "invalid"
	}
}

// Driver converts elapsed time into frame advances of an installed Asset
// and holds the frame that should currently be displayed.
//
// Driver methods are safe for concurrent use, but the Asset is only
// accessed while the Driver's lock is held.
type Driver struct {
	maxTick    time.Duration
	maxAdvance int
	interval   time.Duration

	log *slog.Logger

	dirty   chan struct{}
	wake    chan struct{}
	running atomic.Bool

	mu      sync.Mutex
	asset   Asset
	state   State
	index   int
	acc     time.Duration
	current image.Image
}

// NewDriver returns a new Driver using the current process-wide settings.
func NewDriver(log *slog.Logger) *Driver {
	cfg := config.Current()
	maxAdvance := int((cfg.MaxTickDuration + cfg.MinFrameDuration - 1) / cfg.MinFrameDuration)
	return &Driver{
		maxTick:    cfg.MaxTickDuration,
		maxAdvance: max(maxAdvance, 1),
		interval:   cfg.TickInterval,
		log:        log.With(slog.String("component", "playback.driver")),
		dirty:      make(chan struct{}, 1),
		wake:       make(chan struct{}, 1),
	}
}

// Install resets playback and starts playing a. The first frame of a is
// made current before Install returns. If a is the currently installed
// asset, Install is a no-op. A previously installed asset that implements
// io.Closer is closed. Installing a nil Asset removes the current asset,
// leaving the current image in place.
func (d *Driver) Install(a Asset) {
	d.mu.Lock()
	if a == d.asset {
		d.mu.Unlock()
		return
	}
	old := d.asset
	d.asset = a
	d.index = 0
	d.acc = 0
	if a == nil {
		d.state = Stopped
	} else {
		if img := a.Frame(0); img != nil {
			d.current = img
		}
		d.state = Playing
	}
	d.mu.Unlock()

	d.release(old)
	d.markDirty()
	d.poke()
}

// SetStill removes any installed asset and makes img the current image.
func (d *Driver) SetStill(img image.Image) {
	d.mu.Lock()
	old := d.asset
	d.asset = nil
	d.index = 0
	d.acc = 0
	d.state = Stopped
	d.current = img
	d.mu.Unlock()

	d.release(old)
	d.markDirty()
}

func (d *Driver) release(a Asset) {
	c, ok := a.(io.Closer)
	if !ok {
		return
	}
	err := c.Close()
	if err != nil {
		d.log.LogAttrs(context.Background(), slog.LevelWarn, "close asset", slog.Any("error", err))
	}
}

// Play resumes playback of the installed asset.
func (d *Driver) Play() {
	d.mu.Lock()
	if d.asset != nil {
		d.state = Playing
	}
	d.mu.Unlock()
	d.poke()
}

// Pause pauses playback. The tick subscription remains registered and
// ticks are ignored until Play is called.
func (d *Driver) Pause() {
	d.mu.Lock()
	if d.state == Playing {
		d.state = Paused
	}
	d.mu.Unlock()
}

// Stop is equivalent to Pause.
func (d *Driver) Stop() {
	d.Pause()
}

// State returns the playback state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Playing returns whether an animation is playing.
func (d *Driver) Playing() bool {
	return d.State() == Playing
}

// Index returns the index of the current frame.
func (d *Driver) Index() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.index
}

// Current returns the image that should be displayed. It is nil only if
// no image has been installed.
func (d *Driver) Current() image.Image {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Dirty returns a channel that is sent on when the current image changes.
// Notifications are coalesced; a receiver that is slow to respond will
// see a single notification for several changes.
func (d *Driver) Dirty() <-chan struct{} {
	return d.dirty
}

func (d *Driver) markDirty() {
	select {
	case d.dirty <- struct{}{}:
	default:
	}
}

func (d *Driver) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Tick advances playback by dt of elapsed time and returns the number of
// frames advanced. A single tick contributes at most the maximum tick
// duration. After the first advance in a tick, the time required for each
// further frame is capped at dt so that a backlog is drained within the
// tick.
//
// The returned active flag is false when there is no asset with more
// than one frame, indicating that ticks are not needed.
func (d *Driver) Tick(dt time.Duration) (advanced int, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.asset
	if a == nil || a.Len() <= 1 {
		return 0, false
	}
	if d.state != Playing || dt <= 0 {
		return 0, true
	}
	n := a.Len()
	d.acc += min(d.maxTick, dt)
	required, ok := a.Duration(d.index)
	if !ok {
		required = dt
	}
	var changed bool
	for d.acc >= required {
		if advanced == d.maxAdvance {
			d.log.LogAttrs(context.Background(), slog.LevelDebug, "drop backlog",
				slog.Duration("backlog", d.acc),
				slog.Int("advanced", advanced),
			)
			d.acc = 0
			break
		}
		d.acc -= required
		d.index = (d.index + 1) % n
		advanced++
		if img := a.Frame(d.index); img != nil {
			d.current = img
			changed = true
		}
		if next, ok := a.Duration(d.index); ok {
			required = min(dt, next)
		}
	}
	if changed {
		d.markDirty()
	}
	return advanced, true
}

// ErrRunning is returned by Run if the Driver is already running.
var ErrRunning = errors.New("driver already running")

// Run subscribes the receiver to a ticker with the configured tick
// interval, calling Tick with the measured time between ticks until ctx
// is cancelled. When Tick reports that ticks are not needed the ticker is
// stopped until Install or Play is called. Only one call to Run may be
// active for a Driver.
func (d *Driver) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer d.running.Store(false)

	t := time.NewTicker(d.interval)
	defer t.Stop()
	last := time.Now()
	dormant := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
			if dormant {
				d.log.LogAttrs(ctx, slog.LevelDebug, "resume ticks")
				t.Reset(d.interval)
				last = time.Now()
				dormant = false
			}
		case now := <-t.C:
			dt := now.Sub(last)
			last = now
			_, active := d.Tick(dt)
			if !active {
				d.log.LogAttrs(ctx, slog.LevelDebug, "suspend ticks")
				t.Stop()
				dormant = true
			}
		}
	}
}
