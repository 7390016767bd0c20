// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asset

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileDebounce is the default duration we wait for the contents to have
// stabilised to work around some editors writing an empty file and then the
// buffer.
const FileDebounce = 10 * time.Millisecond

// Sum is the SHA-1 sum of an asset's contents.
type Sum [sha1.Size]byte

func (s Sum) String() string { return hex.EncodeToString(s[:]) }

// Change is an asset change identified by a Watcher. Data holds the new
// contents of the asset. Data is nil when the asset was removed.
type Change struct {
	Event []fsnotify.Event
	Data  []byte
	Sum   Sum
	Err   error
}

// Op returns an aggregated fsnotify.Op for all elements of the receivers'
// Event field.
func (c Change) Op() fsnotify.Op {
	var op fsnotify.Op
	for _, e := range c.Event {
		op |= e.Op
	}
	return op
}

// Watcher reports changes to the contents of a single asset file.
type Watcher struct {
	path     string
	dir      string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	changes  chan<- Change
	sum      Sum
	exists   bool
	log      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// Watch starts watching the file at path, sending content changes on the
// changes channel until ctx is cancelled or the Watcher is closed. The
// directory holding path is watched so that editors that replace files by
// renaming are followed. Changes that leave the contents unaltered are not
// sent. The debounce parameter specifies how long to wait after an
// fsnotify.Event before reading the file. If it is less than zero,
// FileDebounce is used.
func Watch(ctx context.Context, path string, changes chan<- Change, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	path = filepath.Clean(path)
	if debounce < 0 {
		debounce = FileDebounce
	}
	w := &Watcher{
		path:     path,
		dir:      filepath.Dir(path),
		debounce: debounce,
		changes:  changes,
		log:      log.With(slog.String("component", "asset.watcher"), slog.String("path", path)),
		done:     make(chan struct{}),
	}

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		w.sum = sha1.Sum(b)
		w.exists = true
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	w.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	err = w.watcher.Add(w.dir)
	if err != nil {
		w.watcher.Close()
		return nil, err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go func() {
		defer close(w.done)
		w.process(ctx)
	}()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.cancel()
	<-w.done
	return w.watcher.Close()
}

func (w *Watcher) process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			switch {
			case ev.Has(fsnotify.Write | fsnotify.Create):
				w.log.LogAttrs(ctx, slog.LevelDebug, "write", slog.String("op", ev.Op.String()))
				time.Sleep(w.debounce)

				b, err := os.ReadFile(w.path)
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) {
						// Removed while we waited; the
						// remove event will follow.
						continue
					}
					w.log.LogAttrs(ctx, slog.LevelError, "read file", slog.Any("error", err))
					w.send(ctx, Change{Event: []fsnotify.Event{ev}, Err: err})
					continue
				}
				sum := sha1.Sum(b)
				if w.exists && sum == w.sum {
					w.log.LogAttrs(ctx, slog.LevelDebug, "no change", slog.Any("sum", sum))
					continue
				}
				w.sum = sum
				w.exists = true
				w.send(ctx, Change{Event: []fsnotify.Event{ev}, Data: b, Sum: sum})

			case ev.Has(fsnotify.Remove | fsnotify.Rename):
				w.log.LogAttrs(ctx, slog.LevelDebug, "remove", slog.String("op", ev.Op.String()))
				if !w.exists {
					continue
				}
				w.exists = false
				w.sum = Sum{}
				w.send(ctx, Change{Event: []fsnotify.Event{ev}})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.send(ctx, Change{Err: err})
		}
	}
}

func (w *Watcher) send(ctx context.Context, c Change) {
	select {
	case <-ctx.Done():
	case w.changes <- c:
	}
}
