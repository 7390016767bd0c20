// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"io"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

// IsGIF returns whether the data held by r is a GIF image.
func IsGIF(r ReadPeeker) bool {
	return hasMagic("GIF8?a", r)
}

// ReadPeeker is an io.Reader that can also peek n bytes ahead.
type ReadPeeker interface {
	io.Reader
	Peek(n int) ([]byte, error)
}

// AsReadPeeker converts an io.Reader to a ReadPeeker.
func AsReadPeeker(r io.Reader) ReadPeeker {
	if r, ok := r.(ReadPeeker); ok {
		return r
	}
	return bufio.NewReader(r)
}

// hasMagic returns whether r starts with the provided magic bytes.
func hasMagic(magic string, r ReadPeeker) bool {
	b, err := r.Peek(len(magic))
	if err != nil || len(b) != len(magic) {
		return false
	}
	for i, c := range b {
		if magic[i] != c && magic[i] != '?' {
			return false
		}
	}
	return true
}

const (
	// ShortDelay is the longest delay that is treated as
	// unintentionally short and replaced by ClampedDelay in
	// the Clamped field of a GIF frame's Delay.
	ShortDelay = 10 * time.Millisecond
	// ClampedDelay is the replacement for short delays.
	ClampedDelay = 100 * time.Millisecond
)

// GIF is a GIF image source. Frames are composited lazily from the
// paletted frame data held in the embedded gif.GIF, so only the
// compositing canvas is held at full resolution.
type GIF struct {
	*gif.GIF

	background image.Image

	mu      sync.Mutex
	canvas  *image.RGBA
	restore *image.RGBA
	next    int // index of the next frame to be drawn onto canvas
}

// DecodeGIF returns a *GIF decoded from the provided io.Reader. GIF delay,
// disposal and global background index values are checked for validity.
func DecodeGIF(r io.Reader) (*GIF, error) {
	g, err := gif.DecodeAll(r)
	if err != nil {
		return nil, err
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("no frames in gif")
	}
	if len(g.Image) != len(g.Delay) && g.Delay != nil {
		return nil, fmt.Errorf("mismatched image count and delay count: %d != %d", len(g.Image), len(g.Delay))
	}
	if len(g.Image) != len(g.Disposal) && g.Disposal != nil {
		return nil, fmt.Errorf("mismatched image count and disposal count: %d != %d", len(g.Image), len(g.Disposal))
	}
	// A GIF without a global colour table has a nil palette
	// and its background index is ignored.
	pal, ok := g.Config.ColorModel.(color.Palette)
	if idx := int(g.BackgroundIndex); ok && len(pal) != 0 && idx >= len(pal) {
		return nil, fmt.Errorf("global background colour index not in palette: %d", idx)
	}
	if g.Config.Width == 0 || g.Config.Height == 0 {
		b := g.Image[0].Bounds()
		for _, frame := range g.Image[1:] {
			b = b.Union(frame.Bounds())
		}
		g.Config.Width = b.Max.X
		g.Config.Height = b.Max.Y
	}
	return &GIF{GIF: g, background: image.Transparent}, nil
}

func (img *GIF) Format() string { return "gif" }
func (img *GIF) Animated() bool { return true }
func (img *GIF) Len() int       { return len(img.Image) }

// Delay returns the delay for frame i. The Clamped field replaces delays
// of ShortDelay or less with ClampedDelay.
func (img *GIF) Delay(i int) (Delay, error) {
	if i < 0 || i >= len(img.Image) {
		return Delay{}, fmt.Errorf("frame index out of range: %d", i)
	}
	if img.GIF.Delay == nil {
		return Delay{}, nil
	}
	d := 10 * time.Duration(img.GIF.Delay[i]) * time.Millisecond
	c := d
	if c <= ShortDelay {
		c = ClampedDelay
	}
	return Delay{Unclamped: d, Clamped: c}, nil
}

// Frame returns the fully composited image for frame i. The returned
// image is owned by the caller. Requests for frames at or after the
// last rendered frame continue from the current canvas state; earlier
// frames restart compositing from the first frame.
func (img *GIF) Frame(i int) (image.Image, error) {
	if i < 0 || i >= len(img.Image) {
		return nil, fmt.Errorf("frame index out of range: %d", i)
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.canvas == nil || i < img.next {
		img.reset()
	}
	for ; img.next <= i; img.next++ {
		img.dispose(img.next - 1)
		frame := img.Image[img.next]
		if img.disposal(img.next) == disposalPrevious {
			img.restore = image.NewRGBA(frame.Bounds())
			draw.Copy(img.restore, frame.Bounds().Min, img.canvas, frame.Bounds(), draw.Src, nil)
		}
		draw.Copy(img.canvas, frame.Bounds().Min, frame, frame.Bounds(), draw.Over, nil)
	}
	dst := image.NewRGBA(img.canvas.Bounds())
	copy(dst.Pix, img.canvas.Pix)
	return dst, nil
}

const (
	disposalBackground = 2
	disposalPrevious   = 3
)

func (img *GIF) disposal(i int) byte {
	if img.Disposal == nil {
		return 0
	}
	return img.Disposal[i]
}

func (img *GIF) reset() {
	r := image.Rect(0, 0, img.Config.Width, img.Config.Height)
	if img.canvas == nil {
		img.canvas = image.NewRGBA(r)
	} else {
		clear(img.canvas.Pix)
	}
	img.restore = nil
	img.next = 0
}

// dispose applies the disposal method of frame i to the canvas.
func (img *GIF) dispose(i int) {
	if i < 0 {
		return
	}
	b := img.Image[i].Bounds()
	switch img.disposal(i) {
	case disposalBackground:
		draw.Copy(img.canvas, b.Min, img.background, b, draw.Src, nil)
	case disposalPrevious:
		if img.restore != nil {
			draw.Copy(img.canvas, b.Min, img.restore, img.restore.Bounds(), draw.Src, nil)
			img.restore = nil
		}
	}
}
