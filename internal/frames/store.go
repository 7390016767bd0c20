// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package frames provides a bounded-memory store of decoded animation
// frames.
//
// A Store decodes a small number of frames when it is opened and then
// keeps a sliding window of frames decoded ahead of the most recently
// requested frame. Frames are decoded by background workers and are
// discarded once they have been read, with the exception of the first
// frame which is retained for the life of the Store and is used as a
// placeholder for frames that are not yet available.
package frames

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/kortschak/splash/internal/animation"
	"github.com/kortschak/splash/internal/config"
)

// ErrUnreadableSource is returned by Open when the data is not a
// recognised image.
var ErrUnreadableSource = errors.New("unreadable image source")

// DecodeFrameError is the error returned when a single frame fails to
// decode.
type DecodeFrameError struct {
	Index int
	Err   error
}

func (e *DecodeFrameError) Error() string {
	return fmt.Sprintf("decode frame %d: %v", e.Index, e.Err)
}

func (e *DecodeFrameError) Unwrap() error { return e.Err }

// Store holds an opened image and its decoded frames. A Store for a still
// image has a Len of zero and returns the still for every frame request.
type Store struct {
	src   animation.Source
	scale float64

	count     int
	durations []time.Duration
	total     time.Duration
	still     image.Image

	prefetch int
	jobs     chan int
	wg       sync.WaitGroup

	log *slog.Logger

	mu     sync.Mutex
	cache  map[int]slot
	closed bool
	stats  Stats
}

// slot is a frame cache entry. A slot with a nil img is a placeholder
// for a frame being decoded, or for a frame that failed to decode.
// Failed slots are kept for the life of the Store.
type slot struct {
	img     image.Image
	pending bool
	failed  bool
}

// Stats is a summary of a Store's decoding activity.
type Stats struct {
	// Cached is the number of decoded frames currently held.
	Cached int `json:"cached"`
	// Pending is the number of frames waiting for decoding.
	Pending int `json:"pending"`
	// Scheduled is the number of background decodes requested.
	Scheduled int `json:"scheduled"`
	// Decoded is the number of frames decoded.
	Decoded int `json:"decoded"`
	// Failed is the number of frame decodes that failed.
	Failed int `json:"failed"`
	// Stale is the number of decoded frames discarded because
	// the Store was closed.
	Stale int `json:"stale"`
}

// Open opens data with dec and returns a Store holding the result. Frames
// are resampled by scale; a scale of 1 or less than or equal to zero leaves
// frames at their native size. The process-wide settings in effect when
// Open is called are used for the life of the Store.
//
// If the data is not a multi-frame animation, the image is decoded
// immediately and no animation state is created. Otherwise the frame
// durations are collected and the first frames up to the prefetch window
// size are decoded before Open returns.
func Open(dec animation.Decoder, data []byte, scale float64, log *slog.Logger) (*Store, error) {
	ctx := context.Background()
	src, err := dec.Open(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableSource, err)
	}
	if scale <= 0 {
		scale = 1
	}
	cfg := config.Current()
	s := &Store{
		src:      src,
		scale:    scale,
		prefetch: cfg.PrefetchWindow,
		log:      log.With(slog.String("component", "frames.store"), slog.String("format", src.Format())),
	}

	if !src.Animated() || src.Len() < 2 {
		s.still, err = s.decode(0)
		if err != nil {
			return nil, err
		}
		s.log.LogAttrs(ctx, slog.LevelDebug, "opened still image", slog.Any("bounds", s.still.Bounds()))
		return s, nil
	}

	s.count = src.Len()
	s.durations = make([]time.Duration, s.count)
	s.cache = make(map[int]slot, min(s.count, s.prefetch+1))
	for i := range s.count {
		d, err := src.Delay(i)
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelWarn, "frame delay", slog.Int("index", i), slog.Any("error", err))
		}
		delay := d.Unclamped
		if delay <= 0 {
			delay = d.Clamped
		}
		s.total += delay
		s.durations[i] = max(delay, cfg.MinFrameDuration)
	}

	for i := range min(s.count, s.prefetch) {
		img, err := s.decode(i)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			s.log.LogAttrs(ctx, slog.LevelWarn, "initial frame decode", slog.Any("error", err))
			s.cache[i] = slot{failed: true}
			s.stats.Failed++
			continue
		}
		if i == 0 {
			s.still = img
		}
		s.cache[i] = slot{img: img}
		s.stats.Decoded++
	}

	if s.count > s.prefetch {
		workers := max(cfg.DecodeWorkers, 1)
		s.jobs = make(chan int, s.count)
		s.wg.Add(workers)
		for range workers {
			go s.worker()
		}
	}
	s.log.LogAttrs(ctx, slog.LevelDebug, "opened animation",
		slog.Int("frames", s.count),
		slog.Duration("total", s.total),
		slog.Int("prefetch", s.prefetch),
		slog.Bool("eager", s.count <= s.prefetch),
	)
	return s, nil
}

// Len returns the number of frames in an animated image. It is zero for
// still images.
func (s *Store) Len() int {
	return s.count
}

// Duration returns the display duration of frame i after the minimum
// frame duration has been applied.
func (s *Store) Duration(i int) (time.Duration, bool) {
	if i < 0 || i >= len(s.durations) {
		return 0, false
	}
	return s.durations[i], true
}

// Durations returns a copy of the frame display durations.
func (s *Store) Durations() []time.Duration {
	return append([]time.Duration(nil), s.durations...)
}

// TotalDuration returns the length of one loop of the animation as encoded
// in the image, before the minimum frame duration is applied.
func (s *Store) TotalDuration() time.Duration {
	return s.total
}

// Still returns the representative still image. For animations this is
// the first frame.
func (s *Store) Still() image.Image {
	return s.still
}

// Scale returns the resampling factor applied to frames.
func (s *Store) Scale() float64 {
	return s.scale
}

// Frame returns the decoded frame at index i. If the frame is not yet
// available or i is out of range, the representative still is returned.
//
// When the animation has more frames than the prefetch window, the
// returned frame is released from the cache, unless it is the first
// frame, and any frames in the window following i that are not held are
// scheduled for decoding. Frame never waits for a decode to complete.
func (s *Store) Frame(i int) image.Image {
	if i < 0 || i >= s.count {
		return s.still
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	img := s.still
	e, ok := s.cache[i]
	if ok && e.img != nil {
		img = e.img
	}
	if s.count > s.prefetch && !s.closed {
		if i != 0 && e.img != nil {
			delete(s.cache, i)
		}
		for off := 1; off <= s.prefetch; off++ {
			idx := (i + off) % s.count
			if _, ok := s.cache[idx]; ok {
				continue
			}
			s.cache[idx] = slot{pending: true}
			s.stats.Scheduled++
			s.jobs <- idx
		}
	}
	return img
}

// Stats returns a snapshot of the receiver's decoding statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	for _, e := range s.cache {
		switch {
		case e.pending:
			st.Pending++
		case e.img != nil:
			st.Cached++
		}
	}
	return st
}

// Close stops the receiver's background decoders. Decodes that are in
// progress are allowed to complete, but their results are discarded.
// Frame continues to return the decoded frames held at the time of the
// call. Close is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.jobs != nil {
		close(s.jobs)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Store) worker() {
	defer s.wg.Done()
	ctx := context.Background()
	for idx := range s.jobs {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			continue
		}
		img, err := s.decode(idx)
		s.mu.Lock()
		switch {
		case s.closed:
			s.stats.Stale++
		case err != nil:
			s.cache[idx] = slot{failed: true}
			s.stats.Failed++
			s.log.LogAttrs(ctx, slog.LevelDebug, "background decode", slog.Any("error", err))
		default:
			s.cache[idx] = slot{img: img}
			s.stats.Decoded++
		}
		s.mu.Unlock()
	}
}

// decode decodes and scales frame i of the receiver's source.
func (s *Store) decode(i int) (image.Image, error) {
	img, err := s.src.Frame(i)
	if err != nil {
		return nil, &DecodeFrameError{Index: i, Err: err}
	}
	if s.scale == 1 {
		return img, nil
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0,
		max(1, int(float64(b.Dx())*s.scale+0.5)),
		max(1, int(float64(b.Dy())*s.scale+0.5)),
	))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, nil
}

// DisplayDuration returns how long an asset should be shown when it is
// used as a splash image. A positive configured duration is used as is.
// Otherwise animations are shown for one loop and still images, or
// animations with no encoded delay, for the provided still duration.
func DisplayDuration(s *Store, configured, still time.Duration) time.Duration {
	switch {
	case configured > 0:
		return configured
	case s.Len() > 1 && s.TotalDuration() > 0:
		return s.TotalDuration()
	default:
		return still
	}
}
