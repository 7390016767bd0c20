// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package surface provides display surfaces for played animations.
package surface

import (
	"context"
	"errors"
	"image"
	"log/slog"
)

// Surface is a display that can show an image.
type Surface interface {
	Show(ctx context.Context, img image.Image) error
}

// Source is a source of images to show. It is satisfied by
// *playback.Driver.
type Source interface {
	// Current returns the image to show.
	Current() image.Image
	// Dirty returns a channel that is sent on
	// when the current image has changed.
	Dirty() <-chan struct{}
}

// Present shows the current image of src on dst each time it changes
// until ctx is cancelled. Errors from dst are logged and do not stop
// presentation.
func Present(ctx context.Context, src Source, dst Surface, log *slog.Logger) error {
	log = log.With(slog.String("component", "surface.present"))
	show := func() {
		img := src.Current()
		if img == nil {
			return
		}
		err := dst.Show(ctx, img)
		if err != nil {
			log.LogAttrs(ctx, slog.LevelWarn, "show image", slog.Any("error", err))
		}
	}
	show()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-src.Dirty():
			show()
		}
	}
}

// Multi returns a Surface that shows images on all the provided surfaces.
func Multi(s ...Surface) Surface {
	return multi(s)
}

type multi []Surface

func (m multi) Show(ctx context.Context, img image.Image) error {
	var errs []error
	for _, s := range m {
		err := s.Show(ctx, img)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
