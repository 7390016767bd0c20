// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asset

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// LogValue returns a summary of the change without the asset data.
func (c Change) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Any("event", eventsValue(c.Event)),
		slog.Int("size", len(c.Data)),
	}
	if c.Data != nil {
		attrs = append(attrs, slog.String("sum", c.Sum.String()))
	}
	if c.Err != nil {
		attrs = append(attrs, slog.String("err", c.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

type eventValue struct {
	Name string `json:"name"`
	Op   string `json:"op"`
	Code int    `json:"op_code"`
}

type eventsValue []fsnotify.Event

func (v eventsValue) LogValue() slog.Value {
	events := make([]eventValue, len(v))
	for i, e := range v {
		events[i] = eventValue{
			Name: e.Name,
			Op:   e.Op.String(),
			Code: int(e.Op),
		}
	}
	return slog.AnyValue(events)
}
