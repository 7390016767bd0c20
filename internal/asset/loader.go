// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package asset provides lookup and change notification for image assets.
package asset

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

// ErrNotFound is returned when a named asset does not exist.
var ErrNotFound = errors.New("asset not found")

// Loader reads named assets from a file system.
type Loader struct {
	FS fs.FS
}

// Load returns the contents of the asset with the given name and extension.
// The extension may be given with or without a leading dot, and is not
// added if name already has it. If ext is empty, name is used as is.
func (l Loader) Load(name, ext string) ([]byte, error) {
	p := Path(name, ext)
	if !fs.ValidPath(p) {
		return nil, fmt.Errorf("%w: invalid path: %s", ErrNotFound, p)
	}
	b, err := fs.ReadFile(l.FS, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, err
	}
	return b, nil
}

// Path returns the slash-separated path of the asset with the given name
// and extension.
func Path(name, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" || strings.EqualFold(path.Ext(name), "."+ext) {
		return name
	}
	return name + "." + ext
}
