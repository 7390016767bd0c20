// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The splash executable plays an animated image asset on a set of display
// surfaces.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kortschak/ardilla"

	"github.com/kortschak/splash/internal/animation"
	"github.com/kortschak/splash/internal/asset"
	"github.com/kortschak/splash/internal/config"
	"github.com/kortschak/splash/internal/frames"
	"github.com/kortschak/splash/internal/playback"
	"github.com/kortschak/splash/internal/slogext"
	"github.com/kortschak/splash/internal/surface"
	"github.com/kortschak/splash/internal/version"
)

// Exit status codes.
const (
	success       = 0
	internalError = 1 << (iota - 1)
	invocationError
)

// StillDuration is the default display duration for still images.
const StillDuration = 3 * time.Second

func main() { os.Exit(Main()) }

func Main() int {
	logging := flag.String("log", "info", "logging level (debug, info, warn or error)")
	lines := flag.Bool("lines", false, "display source line details in logs")
	v := flag.Bool("version", false, "print version and exit")
	cfgPath := flag.String("config", "", "path to a TOML settings file")
	dir := flag.String("dir", ".", "asset directory")
	name := flag.String("asset", "", "asset name (required)")
	ext := flag.String("ext", "gif", "asset file extension")
	scale := flag.Float64("scale", 1, "frame scale factor")
	duration := flag.Duration("duration", 0, "display duration (zero for one loop of an animation, negative to run until interrupted)")
	still := flag.Duration("still", StillDuration, "display duration for still images")
	out := flag.String("out", "", "directory to write displayed frames to")
	seq := flag.Bool("seq", false, "write each displayed frame to a numbered file in the output directory")
	addr := flag.String("http", "", "address to serve the HTTP preview on")
	deck := flag.Bool("deck", false, "display on a Stream Deck")
	serial := flag.String("serial", "", "Stream Deck serial number (first device if empty)")
	deckCache := flag.Int("deck_cache", 16, "number of frames cached in Stream Deck format")
	watch := flag.Bool("watch", false, "reload the asset when it changes")
	flag.Parse()
	if *v {
		err := version.Fprint(os.Stdout)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		return success
	}
	if *name == "" {
		flag.Usage()
		return invocationError
	}
	if *out == "" && *addr == "" && !*deck {
		fmt.Fprintln(os.Stderr, "no display surface: need at least one of -out, -http or -deck")
		return invocationError
	}

	var level slog.LevelVar
	err := level.UnmarshalText([]byte(*logging))
	if err != nil {
		flag.Usage()
		return invocationError
	}
	addSource := slogext.NewAtomicBool(*lines)

	if *cfgPath != "" {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load settings: %v\n", err)
			return invocationError
		}
		err = config.Set(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid settings: %v\n", err)
			return invocationError
		}
		// Command line flags take precedence.
		set := make(map[string]bool)
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if cfg.LogLevel != nil && !set["log"] {
			level.Set(*cfg.LogLevel)
		}
		if cfg.AddSource != nil && !set["lines"] {
			addSource.Store(*cfg.AddSource)
		}
	}

	// log is the root logger.
	log := slog.New(slogext.GoID{Handler: slogext.NewJSONHandler(os.Stderr, &slogext.HandlerOptions{
		Level:     &level,
		AddSource: addSource,
	})})
	// mlog is the logger for main.
	mlog := log.With(slog.String("component", "splash.main"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	loader := asset.Loader{FS: os.DirFS(*dir)}
	data, err := loader.Load(*name, *ext)
	if err != nil {
		mlog.LogAttrs(ctx, slog.LevelError, "load asset", slog.Any("error", err))
		return internalError
	}
	store, err := frames.Open(animation.Default, data, *scale, log)
	if err != nil {
		mlog.LogAttrs(ctx, slog.LevelError, "open asset", slog.Any("error", err))
		return internalError
	}
	runFor := frames.DisplayDuration(store, *duration, *still)
	mlog.LogAttrs(ctx, slog.LevelInfo, "opened asset",
		slog.String("path", asset.Path(*name, *ext)),
		slog.Int("frames", store.Len()),
		slog.Duration("total", store.TotalDuration()),
		slog.Duration("display", runFor),
	)

	var surfaces []surface.Surface
	var closers []func() error
	defer func() {
		for _, c := range closers {
			err := c()
			if err != nil {
				mlog.LogAttrs(ctx, slog.LevelWarn, "close surface", slog.Any("error", err))
			}
		}
	}()
	if *out != "" {
		d, err := surface.NewDir(*out, *seq, log)
		if err != nil {
			mlog.LogAttrs(ctx, slog.LevelError, "open output directory", slog.Any("error", err))
			return internalError
		}
		surfaces = append(surfaces, d)
		closers = append(closers, d.Close)
	}
	if *deck {
		d, err := surface.OpenDeck(ardilla.PID(0), *serial, *deckCache, log)
		if err != nil {
			mlog.LogAttrs(ctx, slog.LevelError, "open deck", slog.Any("error", err))
			return internalError
		}
		surfaces = append(surfaces, d)
		closers = append(closers, d.Close)
	}

	driver := playback.NewDriver(log)
	install(ctx, driver, store, mlog)

	runCtx := ctx
	if runFor >= 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(ctx, runFor)
		defer stop()
	}

	var wg sync.WaitGroup
	if *watch {
		path := filepath.Join(*dir, filepath.FromSlash(asset.Path(*name, *ext)))
		w, err := watchAsset(runCtx, &wg, path, driver, *scale, log)
		if err != nil {
			mlog.LogAttrs(ctx, slog.LevelError, "watch asset", slog.Any("error", err))
			return internalError
		}
		defer w.Close()
	}

	var srv *http.Server
	if *addr != "" {
		gin.SetMode(gin.ReleaseMode)
		h := surface.NewHTTP(driver, log)
		surfaces = append(surfaces, h)
		ln, err := net.Listen("tcp", *addr)
		if err != nil {
			mlog.LogAttrs(ctx, slog.LevelError, "listen", slog.Any("error", err))
			return internalError
		}
		mlog.LogAttrs(ctx, slog.LevelInfo, "serving preview", slog.String("addr", ln.Addr().String()))
		srv = &http.Server{Handler: h.Handler()}
		go func() {
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				mlog.LogAttrs(ctx, slog.LevelError, "serve preview", slog.Any("error", err))
			}
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		driver.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		surface.Present(runCtx, driver, surface.Multi(surfaces...), log)
	}()

	<-runCtx.Done()
	wg.Wait()
	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
		err := srv.Shutdown(shutdownCtx)
		stop()
		if err != nil {
			mlog.LogAttrs(ctx, slog.LevelWarn, "shutdown preview", slog.Any("error", err))
		}
	}
	mlog.LogAttrs(ctx, slog.LevelInfo, "finished",
		slog.Int("index", driver.Index()),
		slog.String("state", driver.State().String()),
	)
	driver.Install(nil)
	return success
}

// install makes s the driver's asset. Still images are shown directly and
// their store is closed.
func install(ctx context.Context, d *playback.Driver, s *frames.Store, log *slog.Logger) {
	if s.Len() > 1 {
		d.Install(s)
		return
	}
	d.SetStill(s.Still())
	err := s.Close()
	if err != nil {
		log.LogAttrs(ctx, slog.LevelWarn, "close still", slog.Any("error", err))
	}
}

// watchAsset starts reloading the asset at path into d when the file
// changes. The reload goroutine is added to wg and exits when ctx is done.
func watchAsset(ctx context.Context, wg *sync.WaitGroup, path string, d *playback.Driver, scale float64, log *slog.Logger) (*asset.Watcher, error) {
	changes := make(chan asset.Change)
	w, err := asset.Watch(ctx, path, changes, -1, log)
	if err != nil {
		return nil, err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		reload(ctx, d, changes, scale, log)
	}()
	return w, nil
}

// reload installs new versions of the asset received on changes.
func reload(ctx context.Context, d *playback.Driver, changes <-chan asset.Change, scale float64, log *slog.Logger) {
	log = log.With(slog.String("component", "splash.reload"))
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-changes:
			if c.Err != nil {
				log.LogAttrs(ctx, slog.LevelWarn, "asset watch error", slog.Any("error", c.Err))
				continue
			}
			if c.Data == nil {
				log.LogAttrs(ctx, slog.LevelInfo, "asset removed", slog.Any("change", c))
				continue
			}
			s, err := frames.Open(animation.Default, c.Data, scale, log)
			if err != nil {
				log.LogAttrs(ctx, slog.LevelWarn, "open changed asset", slog.Any("error", err))
				continue
			}
			log.LogAttrs(ctx, slog.LevelInfo, "reloaded asset",
				slog.Any("change", c),
				slog.Int("frames", s.Len()),
			)
			install(ctx, d, s, log)
		}
	}
}
