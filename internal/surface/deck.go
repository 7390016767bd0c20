// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package surface

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"reflect"
	"sync"

	"github.com/kortschak/ardilla"
	"golang.org/x/image/draw"
)

// Panel is a grid of image keys.
type Panel interface {
	// Layout returns the number of key rows and columns.
	Layout() (rows, cols int)
	// Bounds returns the image bounds of a single key.
	Bounds() (image.Rectangle, error)
	// RawImage returns an image in the panel's internal
	// representation.
	RawImage(img image.Image) (image.Image, error)
	// SetImage renders img on the key at the given row
	// and column.
	SetImage(row, col int, img image.Image) error
	// Reset clears all the keys.
	Reset() error
	// Close releases the panel.
	Close() error
}

// OpenDeck opens the Stream Deck with the provided pid and serial and
// returns a Deck surface for it. The pid and serial parameters are
// interpreted according to the documentation for [ardilla.NewDeck].
// Up to cache shown images are retained in the device's internal format.
func OpenDeck(pid ardilla.PID, serial string, cache int, log *slog.Logger) (*Deck, error) {
	d, err := ardilla.NewDeck(pid, serial)
	if err != nil {
		return nil, err
	}
	if serial == "" {
		serial, err = d.Serial()
		if err != nil {
			return nil, errors.Join(err, d.Close())
		}
	}
	log.LogAttrs(context.Background(), slog.LevelInfo, "opened deck",
		slog.String("pid", fmt.Sprintf("0x%04x", uint16(d.PID()))),
		slog.String("model", d.PID().String()),
		slog.String("serial", serial),
	)
	deck, err := NewDeck(ardillaPanel{d}, cache, log)
	if err != nil {
		return nil, errors.Join(err, d.Close())
	}
	return deck, nil
}

// ardillaPanel is a Panel backed by an [ardilla.Deck].
type ardillaPanel struct {
	*ardilla.Deck
}

func (p ardillaPanel) RawImage(img image.Image) (image.Image, error) {
	return p.Deck.RawImage(img)
}

// Deck is a Surface that shows images spread across all the keys of a
// Panel.
type Deck struct {
	panel      Panel
	rows, cols int
	key        image.Rectangle
	cache      *rawCache
	log        *slog.Logger

	mu sync.Mutex
}

// NewDeck returns a Deck surface for the provided panel. Up to cache shown
// images are retained in the panel's internal format.
func NewDeck(p Panel, cache int, log *slog.Logger) (*Deck, error) {
	key, err := p.Bounds()
	if err != nil {
		return nil, err
	}
	rows, cols := p.Layout()
	if rows*cols == 0 {
		return nil, errors.New("panel has no keys")
	}
	return &Deck{
		panel: p,
		rows:  rows,
		cols:  cols,
		key:   key,
		cache: newRawCache(p.RawImage, cache),
		log:   log.With(slog.String("component", "surface.deck")),
	}, nil
}

// Show scales img to cover the receiver's keys and renders it.
func (d *Deck) Show(ctx context.Context, img image.Image) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tiles, ok := d.cache.get(img)
	if !ok {
		var err error
		tiles, err = d.cache.put(img, d.tiles(img))
		if err != nil {
			return err
		}
	}
	var errs []error
	for i, t := range tiles {
		err := d.panel.SetImage(i/d.cols, i%d.cols, t)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) != 0 {
		d.log.LogAttrs(ctx, slog.LevelDebug, "set images", slog.Int("failed", len(errs)))
	}
	return errors.Join(errs...)
}

// tiles returns img scaled to the full panel and cut into key images in
// row-major order.
func (d *Deck) tiles(img image.Image) []image.Image {
	kw, kh := d.key.Dx(), d.key.Dy()
	full := image.NewRGBA(image.Rect(0, 0, kw*d.cols, kh*d.rows))
	draw.ApproxBiLinear.Scale(full, full.Bounds(), img, img.Bounds(), draw.Src, nil)
	tiles := make([]image.Image, 0, d.rows*d.cols)
	for r := range d.rows {
		for c := range d.cols {
			tile := image.NewRGBA(image.Rect(0, 0, kw, kh))
			draw.Copy(tile, image.Point{}, full, image.Rect(c*kw, r*kh, (c+1)*kw, (r+1)*kh), draw.Src, nil)
			tiles = append(tiles, tile)
		}
	}
	return tiles
}

// Close resets and closes the receiver's panel.
func (d *Deck) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Join(d.panel.Reset(), d.panel.Close())
}

// rawCache is a bounded cache of panel-format key images keyed on the
// source image. When the cache is full it is emptied. Images with
// non-comparable dynamic types are not cached.
type rawCache struct {
	miss  func(image.Image) (image.Image, error)
	limit int

	mu    sync.Mutex
	cache map[image.Image][]image.Image
}

func newRawCache(miss func(image.Image) (image.Image, error), limit int) *rawCache {
	return &rawCache{
		miss:  miss,
		limit: limit,
		cache: make(map[image.Image][]image.Image),
	}
}

// get returns the cached raw images for the provided key image.
func (c *rawCache) get(key image.Image) ([]image.Image, bool) {
	if !reflect.TypeOf(key).Comparable() {
		return nil, false
	}
	c.mu.Lock()
	r, ok := c.cache[key]
	c.mu.Unlock()
	return r, ok
}

// put calculates and returns raw images for the provided tiles and
// caches the result for key.
func (c *rawCache) put(key image.Image, tiles []image.Image) ([]image.Image, error) {
	raw := make([]image.Image, len(tiles))
	for i, t := range tiles {
		r, err := c.miss(t)
		if err != nil {
			return nil, err
		}
		raw[i] = r
	}
	if c.limit <= 0 || !reflect.TypeOf(key).Comparable() {
		return raw, nil
	}
	c.mu.Lock()
	if len(c.cache) >= c.limit {
		clear(c.cache)
	}
	c.cache[key] = raw
	c.mu.Unlock()
	return raw, nil
}

func (c *rawCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
