// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package surface

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// CurrentName is the name of the file holding the most recently shown
// image in a Dir.
const CurrentName = "current.png"

// Dir is a Surface that writes shown images as PNG files to a directory.
// The directory is locked for the life of the Dir so that only one
// process writes to it.
type Dir struct {
	path string
	lock *flock.Flock
	log  *slog.Logger

	// sequence is whether each image is
	// also written to a numbered file.
	sequence bool

	mu  sync.Mutex
	n   int
	enc png.Encoder
}

// NewDir returns a new Dir writing to the directory at path, creating it
// if necessary. If sequence is true, each shown image is additionally
// written to frame-NNNNNN.png, numbered in order of presentation.
func NewDir(path string, sequence bool, log *slog.Logger) (*Dir, error) {
	err := os.MkdirAll(path, 0o755)
	if err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(path, ".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("output directory in use: %s", path)
	}
	return &Dir{
		path:     path,
		lock:     lock,
		log:      log.With(slog.String("component", "surface.dir"), slog.String("path", path)),
		sequence: sequence,
		enc:      png.Encoder{CompressionLevel: png.BestSpeed},
	}, nil
}

// Show writes img to the receiver's directory. The current image file is
// replaced atomically.
func (d *Dir) Show(ctx context.Context, img image.Image) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.write(CurrentName, img)
	if err != nil {
		return err
	}
	if d.sequence {
		err = d.write(fmt.Sprintf("frame-%06d.png", d.n), img)
		if err != nil {
			return err
		}
	}
	d.n++
	d.log.LogAttrs(ctx, slog.LevelDebug, "wrote image", slog.Int("count", d.n))
	return nil
}

func (d *Dir) write(name string, img image.Image) error {
	f, err := os.CreateTemp(d.path, ".tmp-*.png")
	if err != nil {
		return err
	}
	err = d.enc.Encode(f, img)
	if err != nil {
		return errors.Join(err, f.Close(), os.Remove(f.Name()))
	}
	err = f.Close()
	if err != nil {
		return errors.Join(err, os.Remove(f.Name()))
	}
	return os.Rename(f.Name(), filepath.Join(d.path, name))
}

// Count returns the number of images shown.
func (d *Dir) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

// Close releases the directory lock.
func (d *Dir) Close() error {
	err := d.lock.Unlock()
	return errors.Join(err, os.Remove(d.lock.Path()))
}
