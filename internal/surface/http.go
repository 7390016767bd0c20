// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package surface

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/kortschak/splash/internal/playback"
)

// Player is the playback control used by an HTTP surface. It is
// satisfied by *playback.Driver.
type Player interface {
	Play()
	Pause()
	State() playback.State
	Index() int
}

// HTTP is a Surface that serves the most recently shown image over HTTP
// and allows playback to be controlled.
//
// Routes:
//
//	GET  /frame.png  the current image
//	GET  /status     playback status as JSON
//	POST /play       resume playback
//	POST /pause      pause playback
type HTTP struct {
	player Player
	log    *slog.Logger
	enc    png.Encoder

	mu     sync.Mutex
	frame  []byte
	shown  int
	bounds image.Rectangle
}

// Status is the JSON status reported by an HTTP surface.
type Status struct {
	State  string `json:"state"`
	Index  int    `json:"index"`
	Shown  int    `json:"shown"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// NewHTTP returns a new HTTP surface controlling player.
func NewHTTP(player Player, log *slog.Logger) *HTTP {
	return &HTTP{
		player: player,
		log:    log.With(slog.String("component", "surface.http")),
		enc:    png.Encoder{CompressionLevel: png.BestSpeed},
	}
}

// Show encodes img for serving.
func (h *HTTP) Show(_ context.Context, img image.Image) error {
	var buf bytes.Buffer
	err := h.enc.Encode(&buf, img)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.frame = buf.Bytes()
	h.bounds = img.Bounds()
	h.shown++
	h.mu.Unlock()
	return nil
}

// Handler returns the receiver's HTTP handler.
func (h *HTTP) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), h.logRequests)
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Length", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	r.GET("/frame.png", h.handleFrame)
	r.GET("/status", h.handleStatus)
	r.POST("/play", h.handlePlay)
	r.POST("/pause", h.handlePause)
	return r
}

func (h *HTTP) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.log.LogAttrs(c.Request.Context(), slog.LevelDebug, "request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.Int("status", c.Writer.Status()),
		slog.Duration("latency", time.Since(start)),
	)
}

func (h *HTTP) handleFrame(c *gin.Context) {
	h.mu.Lock()
	frame, shown := h.frame, h.shown
	h.mu.Unlock()
	if frame == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no image shown"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Frame-Count", strconv.Itoa(shown))
	c.Data(http.StatusOK, "image/png", frame)
}

func (h *HTTP) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.status())
}

func (h *HTTP) handlePlay(c *gin.Context) {
	h.player.Play()
	c.JSON(http.StatusOK, h.status())
}

func (h *HTTP) handlePause(c *gin.Context) {
	h.player.Pause()
	c.JSON(http.StatusOK, h.status())
}

func (h *HTTP) status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		State:  h.player.State().String(),
		Index:  h.player.Index(),
		Shown:  h.shown,
		Width:  h.bounds.Dx(),
		Height: h.bounds.Dy(),
	}
}
