// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package animation provides still and animated image sources that decode
// individual frames on request.
package animation

import (
	"bytes"
	"image"
	"time"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Decoder opens image data as a frame source.
type Decoder interface {
	Open(data []byte) (Source, error)
}

// Source is an opened image. Source implementations must be safe for
// concurrent use.
type Source interface {
	// Format is the name of the image format, as registered
	// with the image package.
	Format() string
	// Animated reports whether the format belongs to the
	// animated GIF family.
	Animated() bool
	// Len is the number of frames held by the source.
	Len() int
	// Delay returns the delay metadata for frame i.
	Delay(i int) (Delay, error)
	// Frame decodes the complete rendered image for frame i.
	Frame(i int) (image.Image, error)
}

// Delay is the delay metadata for a single frame. A zero value indicates
// that the value is absent from the image data.
type Delay struct {
	// Unclamped is the delay as written in the image.
	Unclamped time.Duration
	// Clamped is the delay after browser-style clamping of
	// very short delays.
	Clamped time.Duration
}

// Default is the decoder for all registered image formats. GIF data is
// opened as a *GIF and everything else as a *Still.
var Default Decoder = decoder{}

type decoder struct{}

func (decoder) Open(data []byte) (Source, error) {
	r := AsReadPeeker(bytes.NewReader(data))
	if IsGIF(r) {
		return DecodeGIF(r)
	}
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	return &Still{Image: img, Name: format}, nil
}
