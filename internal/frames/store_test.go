// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frames

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kortschak/splash/internal/animation"
	"github.com/kortschak/splash/internal/config"
	"github.com/kortschak/splash/internal/locked"
	"github.com/kortschak/splash/internal/slogext"
)

var (
	verbose = flag.Bool("verbose_log", false, "print full logging")
	lines   = flag.Bool("show_lines", false, "log source code position")
)

// source is an animation.Source with controllable decoding.
type source struct {
	animated bool
	delays   []animation.Delay
	fail     map[int]bool

	// gate, if not nil, blocks background
	// decodes until it is closed.
	gate    chan struct{}
	started chan int

	mu    sync.Mutex
	calls map[int]int
}

func newSource(delays ...animation.Delay) *source {
	return &source{animated: true, delays: delays, calls: make(map[int]int)}
}

func (s *source) Open([]byte) (animation.Source, error) { return s, nil }

func (s *source) Format() string { return "test" }
func (s *source) Animated() bool { return s.animated }
func (s *source) Len() int       { return len(s.delays) }

func (s *source) Delay(i int) (animation.Delay, error) {
	if i < 0 || i >= len(s.delays) {
		return animation.Delay{}, fmt.Errorf("frame index out of range: %d", i)
	}
	return s.delays[i], nil
}

func (s *source) Frame(i int) (image.Image, error) {
	s.mu.Lock()
	s.calls[i]++
	n := s.calls[i]
	s.mu.Unlock()
	// Only gate background decodes.
	if s.gate != nil && n == 1 && i != 0 && i >= len(s.delays)/2 {
		if s.started != nil {
			s.started <- i
		}
		<-s.gate
	}
	if s.fail[i] {
		return nil, errors.New("bad frame")
	}
	return frame(i), nil
}

func (s *source) callsFor(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

// frame returns a 1×1 image identifying frame i.
func frame(i int) image.Image {
	img := image.NewGray(image.Rect(0, 0, 1, 1))
	img.Pix[0] = uint8(i)
	return img
}

func frameIndex(img image.Image) int {
	return int(img.(*image.Gray).Pix[0])
}

func delays(d ...time.Duration) []animation.Delay {
	s := make([]animation.Delay, len(d))
	for i, v := range d {
		s[i] = animation.Delay{Unclamped: v, Clamped: v}
	}
	return s
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	var logBuf locked.BytesBuffer
	t.Cleanup(func() {
		if *verbose {
			t.Logf("log:\n%s\n", &logBuf)
		}
	})
	return slog.New(slogext.NewJSONHandler(&logBuf, &slogext.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: slogext.NewAtomicBool(*lines),
	}))
}

func setPrefetch(t *testing.T, n int) {
	t.Helper()
	err := config.Set(config.Settings{PrefetchWindow: n})
	if err != nil {
		t.Fatalf("unexpected error setting prefetch window: %v", err)
	}
	t.Cleanup(config.Reset)
}

// settle waits for all scheduled decodes in s to complete.
func settle(t *testing.T, s *Store) Stats {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := s.Stats()
		if st.Pending == 0 {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for decodes: %+v", st)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStill(t *testing.T) {
	src := newSource(delays(0)...)
	src.animated = false
	s, err := Open(src, nil, 1, testLogger(t))
	if err != nil {
		t.Fatalf("unexpected error opening still: %v", err)
	}
	defer s.Close()

	if s.Len() != 0 {
		t.Errorf("unexpected frame count for still: got:%d want:0", s.Len())
	}
	want := s.Still()
	for _, i := range []int{0, 1, 5, -1, 0} {
		if got := s.Frame(i); got != want {
			t.Errorf("unexpected image for frame %d", i)
		}
	}
	if n := src.callsFor(0); n != 1 {
		t.Errorf("unexpected number of decodes: got:%d want:1", n)
	}
	if _, ok := s.Duration(0); ok {
		t.Error("unexpected duration for still image")
	}
}

func TestSingleFrameAnimation(t *testing.T) {
	src := newSource(delays(100 * time.Millisecond)...)
	s, err := Open(src, nil, 1, testLogger(t))
	if err != nil {
		t.Fatalf("unexpected error opening image: %v", err)
	}
	defer s.Close()
	if s.Len() != 0 {
		t.Errorf("unexpected frame count for single frame: got:%d want:0", s.Len())
	}
}

func TestDurations(t *testing.T) {
	src := newSource(
		animation.Delay{Unclamped: 0, Clamped: 100 * time.Millisecond},
		animation.Delay{Unclamped: 5 * time.Millisecond, Clamped: 100 * time.Millisecond},
		animation.Delay{Unclamped: 30 * time.Millisecond, Clamped: 30 * time.Millisecond},
		animation.Delay{},
		animation.Delay{Unclamped: -time.Second, Clamped: 20 * time.Millisecond},
	)
	s, err := Open(src, nil, 1, testLogger(t))
	if err != nil {
		t.Fatalf("unexpected error opening animation: %v", err)
	}
	defer s.Close()

	floor := config.Current().MinFrameDuration
	wantDurations := []time.Duration{
		100 * time.Millisecond,
		floor,
		30 * time.Millisecond,
		floor,
		20 * time.Millisecond,
	}
	if got := s.Durations(); !cmp.Equal(wantDurations, got) {
		t.Errorf("unexpected durations:\n--- want:\n+++ got:\n%s", cmp.Diff(wantDurations, got))
	}
	for i, d := range s.Durations() {
		if d < floor {
			t.Errorf("duration %d below floor: %v < %v", i, d, floor)
		}
	}

	// The total is the sum of the raw delays.
	wantTotal := 100*time.Millisecond + 5*time.Millisecond + 30*time.Millisecond + 20*time.Millisecond
	if got := s.TotalDuration(); got != wantTotal {
		t.Errorf("unexpected total duration: got:%v want:%v", got, wantTotal)
	}
}

func TestEagerLoad(t *testing.T) {
	src := newSource(delays(100*time.Millisecond, 100*time.Millisecond, 200*time.Millisecond)...)
	s, err := Open(src, nil, 1, testLogger(t))
	if err != nil {
		t.Fatalf("unexpected error opening animation: %v", err)
	}
	defer s.Close()

	for round := 0; round < 3; round++ {
		for i := 0; i < s.Len(); i++ {
			if got := frameIndex(s.Frame(i)); got != i {
				t.Errorf("unexpected frame in round %d: got:%d want:%d", round, got, i)
			}
		}
	}
	st := s.Stats()
	want := Stats{Cached: 3, Decoded: 3}
	if !cmp.Equal(want, st) {
		t.Errorf("unexpected stats:\n--- want:\n+++ got:\n%s", cmp.Diff(want, st))
	}
	if got := frameIndex(s.Frame(3)); got != 0 {
		t.Errorf("unexpected out of range frame: got:%d want:0", got)
	}
}

func TestWindow(t *testing.T) {
	setPrefetch(t, 2)
	src := newSource(delays(
		10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond,
		10*time.Millisecond, 10*time.Millisecond,
	)...)
	s, err := Open(src, nil, 1, testLogger(t))
	if err != nil {
		t.Fatalf("unexpected error opening animation: %v", err)
	}
	defer s.Close()

	if st := s.Stats(); st.Cached != 2 || st.Scheduled != 0 {
		t.Errorf("unexpected stats after open: %+v", st)
	}

	// Play through the animation twice, waiting for the
	// background decodes between each frame request.
	for n := 0; n < 2*s.Len(); n++ {
		i := n % s.Len()
		got := frameIndex(s.Frame(i))
		if got != i {
			t.Errorf("unexpected frame at step %d: got:%d want:%d", n, got, i)
		}
		st := settle(t, s)
		// The cache holds at most the window and
		// the pinned first frame.
		if st.Cached > 3 {
			t.Errorf("too many cached frames at step %d: %+v", n, st)
		}
	}

	// The first frame is never evicted.
	for range 3 {
		if got := frameIndex(s.Frame(0)); got != 0 {
			t.Errorf("unexpected first frame: got:%d want:0", got)
		}
	}
	if got := frameIndex(s.Still()); got != 0 {
		t.Errorf("unexpected still: got:%d want:0", got)
	}
}

func TestCoalescedDecode(t *testing.T) {
	setPrefetch(t, 2)
	src := newSource(delays(
		10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond,
		10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond,
	)...)
	src.gate = make(chan struct{})
	s, err := Open(src, nil, 1, testLogger(t))
	if err != nil {
		t.Fatalf("unexpected error opening animation: %v", err)
	}
	defer s.Close()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Only the first request sees frame 1,
			// later requests get the placeholder.
			img := s.Frame(1)
			if got := frameIndex(img); got != 1 && got != 0 {
				t.Errorf("unexpected frame: got:%d", got)
			}
		}()
	}
	wg.Wait()
	if st := s.Stats(); st.Scheduled != 2 {
		t.Errorf("unexpected number of scheduled decodes: got:%d want:2", st.Scheduled)
	}

	// Frame 3 is gated, so it cannot be ready.
	if got := frameIndex(s.Frame(3)); got != 0 {
		t.Errorf("expected placeholder for pending frame: got:%d", got)
	}
	close(src.gate)
	st := settle(t, s)
	if st.Scheduled != 4 {
		t.Errorf("unexpected number of scheduled decodes: got:%d want:4", st.Scheduled)
	}
	for _, i := range []int{2, 3, 4, 5} {
		if n := src.callsFor(i); n != 1 {
			t.Errorf("unexpected number of decodes for frame %d: got:%d want:1", i, n)
		}
	}
	if got := frameIndex(s.Frame(3)); got != 3 {
		t.Errorf("unexpected frame after decode: got:%d want:3", got)
	}
}

func TestDecodeFailure(t *testing.T) {
	setPrefetch(t, 2)
	src := newSource(delays(
		10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond,
		10*time.Millisecond, 10*time.Millisecond,
	)...)
	src.fail = map[int]bool{3: true}
	s, err := Open(src, nil, 1, testLogger(t))
	if err != nil {
		t.Fatalf("unexpected error opening animation: %v", err)
	}
	defer s.Close()

	for n := 0; n < 3*s.Len(); n++ {
		i := n % s.Len()
		img := s.Frame(i)
		want := i
		if i == 3 {
			want = 0
		}
		if got := frameIndex(img); got != want {
			t.Errorf("unexpected frame at step %d: got:%d want:%d", n, got, want)
		}
		settle(t, s)
	}
	if n := src.callsFor(3); n != 1 {
		t.Errorf("failed frame decoded more than once: got:%d", n)
	}
	if st := s.Stats(); st.Failed != 1 {
		t.Errorf("unexpected failure count: got:%d want:1", st.Failed)
	}
}

func TestEagerDecodeFailure(t *testing.T) {
	setPrefetch(t, 2)
	src := newSource(delays(
		10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond,
		10*time.Millisecond, 10*time.Millisecond,
	)...)
	src.fail = map[int]bool{1: true}
	s, err := Open(src, nil, 1, testLogger(t))
	if err != nil {
		t.Fatalf("unexpected error opening animation: %v", err)
	}
	defer s.Close()
	if st := s.Stats(); st.Failed != 1 {
		t.Errorf("unexpected failure count after open: got:%d want:1", st.Failed)
	}

	for n := 0; n < 2*s.Len(); n++ {
		i := n % s.Len()
		img := s.Frame(i)
		want := i
		if i == 1 {
			want = 0
		}
		if got := frameIndex(img); got != want {
			t.Errorf("unexpected frame at step %d: got:%d want:%d", n, got, want)
		}
		settle(t, s)
	}
	if n := src.callsFor(1); n != 1 {
		t.Errorf("failed initial frame decoded more than once: got:%d", n)
	}
	if st := s.Stats(); st.Failed != 1 {
		t.Errorf("unexpected failure count: got:%d want:1", st.Failed)
	}
}

func TestCloseDiscardsStale(t *testing.T) {
	setPrefetch(t, 2)
	src := newSource(delays(
		10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond,
		10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond,
	)...)
	src.gate = make(chan struct{})
	src.started = make(chan int, 1)
	s, err := Open(src, nil, 1, testLogger(t))
	if err != nil {
		t.Fatalf("unexpected error opening animation: %v", err)
	}

	s.Frame(2) // Schedules 3 and 4.
	idx := <-src.started

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	// Wait for Close to mark the store closed.
	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(src.gate)
	<-done

	st := s.Stats()
	if st.Stale != 1 {
		t.Errorf("unexpected stale count: got:%d want:1", st.Stale)
	}
	if got := frameIndex(s.Frame(idx)); got != 0 {
		t.Errorf("stale frame applied after close: got:%d want:0", got)
	}
	if err := s.Close(); err != nil {
		t.Errorf("unexpected error from second close: %v", err)
	}
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(animation.Default, []byte("not an image"), 1, testLogger(t))
	if !errors.Is(err, ErrUnreadableSource) {
		t.Errorf("unexpected error for unreadable data: %v", err)
	}

	src := newSource(delays(10*time.Millisecond, 10*time.Millisecond)...)
	src.fail = map[int]bool{0: true}
	_, err = Open(src, nil, 1, testLogger(t))
	var decErr *DecodeFrameError
	if !errors.As(err, &decErr) {
		t.Fatalf("unexpected error for failed first frame: %v", err)
	}
	if decErr.Index != 0 {
		t.Errorf("unexpected failed frame index: got:%d want:0", decErr.Index)
	}
}

func TestGIFScale(t *testing.T) {
	pal := color.Palette{color.Black, color.White}
	g := &gif.GIF{
		Delay:  []int{10, 20},
		Config: image.Config{ColorModel: pal, Width: 3, Height: 2},
	}
	for range 2 {
		g.Image = append(g.Image, image.NewPaletted(image.Rect(0, 0, 3, 2), pal))
	}
	var buf bytes.Buffer
	err := gif.EncodeAll(&buf, g)
	if err != nil {
		t.Fatalf("unexpected error encoding gif: %v", err)
	}

	s, err := Open(animation.Default, buf.Bytes(), 2, testLogger(t))
	if err != nil {
		t.Fatalf("unexpected error opening gif: %v", err)
	}
	defer s.Close()
	if s.Len() != 2 {
		t.Errorf("unexpected frame count: got:%d want:2", s.Len())
	}
	want := image.Rect(0, 0, 6, 4)
	for i := range s.Len() {
		if got := s.Frame(i).Bounds(); got != want {
			t.Errorf("unexpected bounds for frame %d: got:%v want:%v", i, got, want)
		}
	}
	if got, want := s.TotalDuration(), 300*time.Millisecond; got != want {
		t.Errorf("unexpected total duration: got:%v want:%v", got, want)
	}
}

func TestDisplayDuration(t *testing.T) {
	src := newSource(delays(100*time.Millisecond, 150*time.Millisecond)...)
	anim, err := Open(src, nil, 1, testLogger(t))
	if err != nil {
		t.Fatalf("unexpected error opening animation: %v", err)
	}
	defer anim.Close()
	zero, err := Open(newSource(delays(0, 0)...), nil, 1, testLogger(t))
	if err != nil {
		t.Fatalf("unexpected error opening zero delay animation: %v", err)
	}
	defer zero.Close()
	stillSrc := newSource(delays(0)...)
	stillSrc.animated = false
	still, err := Open(stillSrc, nil, 1, testLogger(t))
	if err != nil {
		t.Fatalf("unexpected error opening still: %v", err)
	}

	tests := []struct {
		name       string
		store      *Store
		configured time.Duration
		want       time.Duration
	}{
		{name: "configured", store: anim, configured: time.Second, want: time.Second},
		{name: "animation", store: anim, want: 250 * time.Millisecond},
		{name: "zero_delay_animation", store: zero, want: 3 * time.Second},
		{name: "still", store: still, want: 3 * time.Second},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := DisplayDuration(test.store, test.configured, 3*time.Second)
			if got != test.want {
				t.Errorf("unexpected display duration: got:%v want:%v", got, test.want)
			}
		})
	}
}
