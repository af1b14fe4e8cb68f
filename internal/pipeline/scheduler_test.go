package pipeline

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dudu/facepreview/internal/detector"
	"github.com/dudu/facepreview/internal/frame"
	"github.com/dudu/facepreview/internal/geometry"
	"github.com/dudu/facepreview/internal/overlay"
)

// testImage counts how often it is released
type testImage struct {
	releases atomic.Int32
}

func (i *testImage) Close() error {
	i.releases.Add(1)
	return nil
}

func (i *testImage) released() bool { return i.releases.Load() > 0 }

func newFrame(seq uint64, width, height, rotation int) (*frame.Frame, *testImage) {
	img := &testImage{}
	f := frame.New(img, width, height, rotation, nil)
	f.Seq = seq
	return f, img
}

// request is one Submit call seen by the fake detector
type request struct {
	frame *frame.Frame
	ch    chan detector.Result
	once  sync.Once
	d     *fakeDetector
}

func (r *request) respond(res detector.Result) {
	r.once.Do(func() {
		if r.frame.Image.(*testImage).released() {
			r.d.useAfterRelease.Store(true)
		}
		r.d.active.Add(-1)
		r.ch <- res
	})
}

// fakeDetector hands every request to the test, which answers it. Requests
// whose context ends are answered with the context error.
type fakeDetector struct {
	notReady        atomic.Bool
	requests        chan *request
	active          atomic.Int32
	maxActive       atomic.Int32
	useAfterRelease atomic.Bool
	closed          atomic.Int32
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{requests: make(chan *request, 64)}
}

func (d *fakeDetector) Ready() bool { return !d.notReady.Load() }

func (d *fakeDetector) Submit(ctx context.Context, f *frame.Frame) <-chan detector.Result {
	n := d.active.Add(1)
	for {
		m := d.maxActive.Load()
		if n <= m || d.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	req := &request{frame: f, ch: make(chan detector.Result, 1), d: d}
	go func() {
		<-ctx.Done()
		req.respond(detector.Result{Err: ctx.Err()})
	}()
	d.requests <- req
	return req.ch
}

func (d *fakeDetector) Close() error {
	d.closed.Add(1)
	return nil
}

func (d *fakeDetector) next(t *testing.T) *request {
	t.Helper()
	select {
	case r := <-d.requests:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a detector request")
		return nil
	}
}

func (d *fakeDetector) expectIdle(t *testing.T) {
	t.Helper()
	select {
	case r := <-d.requests:
		t.Fatalf("Unexpected detector request for frame %d", r.frame.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

type countingRenderer struct {
	n atomic.Int32
}

func (r *countingRenderer) Invalidate() { r.n.Add(1) }

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type harness struct {
	sched    *Scheduler
	det      *fakeDetector
	overlay  *overlay.State
	renderer *countingRenderer
	viewport atomic.Value // geometry.Viewport
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		det:      newFakeDetector(),
		overlay:  overlay.New(),
		renderer: &countingRenderer{},
	}
	h.viewport.Store(geometry.Viewport{Width: 640, Height: 480})

	cfg := Config{
		Detector:        h.det,
		Overlay:         h.overlay,
		Renderer:        h.renderer,
		Viewport:        func() geometry.Viewport { return h.viewport.Load().(geometry.Viewport) },
		AnalysisTimeout: time.Minute,
		Logger:          quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	h.sched = s
	t.Cleanup(func() { s.Close() })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	waitFor(t, "scheduler idle", func() bool {
		st := h.sched.Stats()
		return !st.InFlight && !st.Pending
	})
}

func faces(n int) []geometry.Region {
	out := make([]geometry.Region, n)
	for i := range out {
		f := float32(10 * i)
		out[i] = geometry.Region{Left: f, Top: f, Right: f + 5, Bottom: f + 5, Score: 0.9}
	}
	return out
}

func TestNewValidatesConfig(t *testing.T) {
	vp := FixedViewport(1, 1)
	det := newFakeDetector()
	cases := map[string]Config{
		"no detector": {Overlay: overlay.New(), Viewport: vp},
		"no overlay":  {Detector: det, Viewport: vp},
		"no viewport": {Detector: det, Overlay: overlay.New()},
	}
	for name, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestBackpressureBound(t *testing.T) {
	h := newHarness(t, nil)

	first, firstImg := newFrame(1, 640, 480, 0)
	h.sched.OnFrame(first)
	req := h.det.next(t)
	if req.frame != first {
		t.Fatalf("Expected first frame submitted, got seq %d", req.frame.Seq)
	}

	const burst = 10
	imgs := make([]*testImage, 0, burst)
	for i := 0; i < burst; i++ {
		f, img := newFrame(uint64(i+2), 640, 480, 0)
		imgs = append(imgs, img)
		h.sched.OnFrame(f)

		st := h.sched.Stats()
		if !st.InFlight || !st.Pending {
			t.Fatalf("Expected one in flight and one pending, got %+v", st)
		}
	}
	h.det.expectIdle(t)

	for i, img := range imgs[:burst-1] {
		if got := img.releases.Load(); got != 1 {
			t.Errorf("Replaced frame %d released %d times, want 1", i+2, got)
		}
	}
	last := imgs[burst-1]
	if last.released() {
		t.Fatal("Newest pending frame must not be released before analysis")
	}
	if firstImg.released() {
		t.Fatal("In-flight frame must not be released before the detector answers")
	}
	if st := h.sched.Stats(); st.Replaced != burst-1 || st.Submitted != 1 {
		t.Errorf("Unexpected stats %+v", st)
	}

	req.respond(detector.Result{Regions: faces(1)})
	next := h.det.next(t)
	if next.frame.Seq != burst+1 {
		t.Errorf("Expected newest frame %d next, got %d", burst+1, next.frame.Seq)
	}
	waitFor(t, "first frame release", firstImg.released)

	next.respond(detector.Result{Regions: faces(2)})
	h.waitIdle(t)
	waitFor(t, "last frame release", last.released)

	if got := h.det.maxActive.Load(); got != 1 {
		t.Errorf("Detector saw %d concurrent requests, want 1", got)
	}
	if h.det.useAfterRelease.Load() {
		t.Error("A frame was released while the detector still held it")
	}
}

func TestReleaseExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)

	var imgs []*testImage
	deliver := func(seq uint64) {
		f, img := newFrame(seq, 320, 240, 90)
		imgs = append(imgs, img)
		h.sched.OnFrame(f)
	}

	// success, then failure, with replacements in between
	deliver(1)
	r1 := h.det.next(t)
	deliver(2)
	deliver(3)
	r1.respond(detector.Result{Regions: faces(1)})
	r3 := h.det.next(t)
	deliver(4)
	r3.respond(detector.Result{Err: errors.New("model crashed")})
	r4 := h.det.next(t)
	r4.respond(detector.Result{Regions: nil})
	h.waitIdle(t)

	// not ready
	h.det.notReady.Store(true)
	deliver(5)
	deliver(6)
	h.det.notReady.Store(false)

	// in flight and pending at shutdown
	deliver(7)
	h.det.next(t)
	deliver(8)
	if err := h.sched.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// after shutdown
	deliver(9)

	for i, img := range imgs {
		if got := img.releases.Load(); got != 1 {
			t.Errorf("Frame %d released %d times, want 1", i+1, got)
		}
	}

	st := h.sched.Stats()
	if st.Delivered != 9 {
		t.Errorf("Expected 9 delivered, got %d", st.Delivered)
	}
	if st.DroppedNotReady != 2 || st.DroppedClosed != 1 || st.Replaced != 1 {
		t.Errorf("Unexpected drop counters %+v", st)
	}
	if h.det.useAfterRelease.Load() {
		t.Error("A frame was released while the detector still held it")
	}
}

func TestPublishesMappedRegions(t *testing.T) {
	h := newHarness(t, nil)
	h.viewport.Store(geometry.Viewport{Width: 1080, Height: 1920})

	f, _ := newFrame(42, 640, 480, 90)
	h.sched.OnFrame(f)
	h.det.next(t).respond(detector.Result{Regions: []geometry.Region{
		{Left: 40, Top: 100, Right: 120, Bottom: 220, Score: 0.8},
		{Left: 0, Top: 0, Right: 480, Bottom: 640, Score: 0.5},
	}})
	waitFor(t, "publish", func() bool { return h.overlay.Version() == 1 })

	want := []geometry.Region{
		{Left: 90, Top: 300, Right: 270, Bottom: 660, Score: 0.8, Space: geometry.DisplaySpace},
		{Left: 0, Top: 0, Right: 1080, Bottom: 1920, Score: 0.5, Space: geometry.DisplaySpace},
	}
	if got := h.overlay.Current(); !reflect.DeepEqual(got, want) {
		t.Errorf("Overlay = %+v, want %+v", got, want)
	}
	if snap := h.overlay.Snapshot(); snap.FrameSeq != 42 {
		t.Errorf("Expected frame seq 42, got %d", snap.FrameSeq)
	}
	waitFor(t, "invalidate", func() bool { return h.renderer.n.Load() == 1 })
}

func TestMirror(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Mirror = true })

	f, _ := newFrame(1, 640, 480, 0)
	h.sched.OnFrame(f)
	h.det.next(t).respond(detector.Result{Regions: []geometry.Region{{Left: 100, Top: 10, Right: 200, Bottom: 60}}})
	waitFor(t, "publish", func() bool { return h.overlay.Version() == 1 })

	got := h.overlay.Current()
	if len(got) != 1 || got[0].Left != 440 || got[0].Right != 540 {
		t.Errorf("Expected mirrored region 440..540, got %+v", got)
	}
}

func TestStaleOverlayOnFailure(t *testing.T) {
	h := newHarness(t, nil)

	f1, _ := newFrame(1, 640, 480, 0)
	h.sched.OnFrame(f1)
	h.det.next(t).respond(detector.Result{Regions: faces(2)})
	waitFor(t, "publish", func() bool { return h.overlay.Version() == 1 })
	before := h.overlay.Current()

	f2, img2 := newFrame(2, 640, 480, 0)
	h.sched.OnFrame(f2)
	h.det.next(t).respond(detector.Result{Err: errors.New("inference failed")})
	waitFor(t, "failed frame release", img2.released)
	h.waitIdle(t)

	if got := h.overlay.Current(); !reflect.DeepEqual(got, before) {
		t.Errorf("Overlay changed after a failed analysis: %+v, want %+v", got, before)
	}
	if h.overlay.Version() != 1 {
		t.Errorf("Expected no publish on failure, version %d", h.overlay.Version())
	}
	if st := h.sched.Stats(); st.Failed != 1 || st.Completed != 1 {
		t.Errorf("Unexpected stats %+v", st)
	}
	if h.renderer.n.Load() != 1 {
		t.Errorf("Renderer must only be invalidated on publish, got %d", h.renderer.n.Load())
	}

	// pipeline continues
	f3, _ := newFrame(3, 640, 480, 0)
	h.sched.OnFrame(f3)
	h.det.next(t).respond(detector.Result{Regions: faces(1)})
	waitFor(t, "second publish", func() bool { return h.overlay.Version() == 2 })
}

func TestDetectorNotReady(t *testing.T) {
	h := newHarness(t, nil)
	h.det.notReady.Store(true)

	var imgs []*testImage
	for i := 0; i < 5; i++ {
		f, img := newFrame(uint64(i), 640, 480, 0)
		imgs = append(imgs, img)
		h.sched.OnFrame(f)
	}
	h.det.expectIdle(t)

	for i, img := range imgs {
		if !img.released() {
			t.Errorf("Frame %d not released while detector not ready", i)
		}
	}
	st := h.sched.Stats()
	if st.DroppedNotReady != 5 || st.InFlight || st.Pending {
		t.Errorf("Unexpected stats %+v", st)
	}

	h.det.notReady.Store(false)
	f, _ := newFrame(9, 640, 480, 0)
	h.sched.OnFrame(f)
	if req := h.det.next(t); req.frame.Seq != 9 {
		t.Errorf("Expected frame 9 once ready, got %d", req.frame.Seq)
	}
}

func TestInvalidFrames(t *testing.T) {
	h := newHarness(t, nil)

	h.sched.OnFrame(nil)

	bad := []struct {
		w, h, rot int
	}{
		{0, 480, 0},
		{640, -1, 0},
		{640, 480, 45},
	}
	var imgs []*testImage
	for _, b := range bad {
		f, img := newFrame(1, b.w, b.h, b.rot)
		imgs = append(imgs, img)
		h.sched.OnFrame(f)
	}
	h.sched.OnFrame(frame.New(nil, 640, 480, 0, nil))

	h.det.expectIdle(t)
	for i, img := range imgs {
		if img.releases.Load() != 1 {
			t.Errorf("Malformed frame %d released %d times, want 1", i, img.releases.Load())
		}
	}
	st := h.sched.Stats()
	if st.DroppedInvalid != 5 || st.Submitted != 0 || st.InFlight {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestZeroViewportSkipsPublish(t *testing.T) {
	h := newHarness(t, nil)
	h.viewport.Store(geometry.Viewport{Width: 0, Height: 480})

	f, img := newFrame(1, 640, 480, 0)
	h.sched.OnFrame(f)
	h.det.next(t).respond(detector.Result{Regions: faces(1)})
	waitFor(t, "release", img.released)
	h.waitIdle(t)

	if h.overlay.Version() != 0 {
		t.Error("Expected no publish for a zero-size surface")
	}
	if st := h.sched.Stats(); st.SkippedViewport != 1 {
		t.Errorf("Expected 1 skipped publish, got %+v", st)
	}
}

func TestAnalysisTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AnalysisTimeout = 30 * time.Millisecond })

	f1, img1 := newFrame(1, 640, 480, 0)
	h.sched.OnFrame(f1)
	h.det.next(t) // never answered, the deadline resolves it
	waitFor(t, "timed out frame release", img1.released)

	waitFor(t, "failure recorded", func() bool { return h.sched.Stats().Failed == 1 })
	if h.overlay.Version() != 0 {
		t.Error("Timed out analysis must not publish")
	}

	f2, _ := newFrame(2, 640, 480, 0)
	h.sched.OnFrame(f2)
	h.det.next(t).respond(detector.Result{Regions: faces(1)})
	waitFor(t, "publish after timeout", func() bool { return h.overlay.Version() == 1 })
}

func TestCloseOrder(t *testing.T) {
	h := newHarness(t, nil)

	f1, img1 := newFrame(1, 640, 480, 0)
	h.sched.OnFrame(f1)
	h.det.next(t)
	f2, img2 := newFrame(2, 640, 480, 0)
	h.sched.OnFrame(f2)

	done := make(chan error, 1)
	go func() { done <- h.sched.Close() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the in-flight analysis")
	}

	if !img1.released() || !img2.released() {
		t.Error("Close must release both the in-flight and the pending frame")
	}
	if got := h.det.closed.Load(); got != 1 {
		t.Errorf("Expected detector closed once, got %d", got)
	}
	if h.det.useAfterRelease.Load() {
		t.Error("In-flight frame released before the detector answered")
	}

	// idempotent
	if err := h.sched.Close(); err != nil {
		t.Errorf("Second Close returned %v", err)
	}
	if got := h.det.closed.Load(); got != 1 {
		t.Errorf("Detector closed %d times", got)
	}
}

func TestConcurrentProducer(t *testing.T) {
	h := newHarness(t, nil)

	// answer everything immediately
	stop := make(chan struct{})
	var answered sync.WaitGroup
	answered.Add(1)
	go func() {
		defer answered.Done()
		for {
			select {
			case r := <-h.det.requests:
				r.respond(detector.Result{Regions: faces(1)})
			case <-stop:
				return
			}
		}
	}()

	var imgs []*testImage
	for i := 0; i < 200; i++ {
		f, img := newFrame(uint64(i), 640, 480, 0)
		imgs = append(imgs, img)
		h.sched.OnFrame(f)
	}
	h.waitIdle(t)
	close(stop)
	answered.Wait()
	h.sched.Close()

	for i, img := range imgs {
		if got := img.releases.Load(); got != 1 {
			t.Errorf("Frame %d released %d times", i, got)
		}
	}
	if got := h.det.maxActive.Load(); got != 1 {
		t.Errorf("Detector saw %d concurrent requests", got)
	}
	st := h.sched.Stats()
	if st.Submitted+st.Replaced != 200 {
		t.Errorf("Every frame must be submitted or replaced: %+v", st)
	}
}
