// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"fmt"
	"image"
)

// Still is a single frame image source.
type Still struct {
	image.Image

	// Name is the registered image format name.
	Name string
}

func (s *Still) Format() string { return s.Name }
func (s *Still) Animated() bool { return false }
func (s *Still) Len() int       { return 1 }

// Delay returns a zero Delay; stills carry no timing.
func (s *Still) Delay(i int) (Delay, error) {
	if i != 0 {
		return Delay{}, fmt.Errorf("frame index out of range: %d", i)
	}
	return Delay{}, nil
}

func (s *Still) Frame(i int) (image.Image, error) {
	if i != 0 {
		return nil, fmt.Errorf("frame index out of range: %d", i)
	}
	return s.Image, nil
}
