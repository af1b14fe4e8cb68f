package ui

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/dudu/facepreview/internal/geometry"
	"github.com/dudu/facepreview/internal/overlay"
)

// ErrCanvasUnavailable means there is nothing to draw on yet (no camera image
// or a zero-size surface). The render pass is skipped.
var ErrCanvasUnavailable = errors.New("canvas unavailable")

const (
	boxThickness = 8
	minViewport  = 160
)

var (
	boxColor  = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	textColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}
)

// Config holds preview window configuration
type Config struct {
	Name     string
	Viewport geometry.Viewport
	Mirror   bool // flip the camera image, matching mirrored regions
	ShowFPS  bool
	Logger   *logrus.Entry
}

// Window manages the preview display. The camera goroutine feeds it through
// Update, the scheduler through Invalidate; Run must be called from the main
// OS thread.
type Window struct {
	window *gocv.Window
	name   string
	cfg    Config
	log    *logrus.Entry
	state  *overlay.State

	mu      sync.Mutex
	preview gocv.Mat // latest upright camera image
	fresh   bool
	vp      geometry.Viewport

	dirty atomic.Bool

	canvas     gocv.Mat
	lastFrame  time.Time
	frameCount int
	fps        float64
	skipped    uint64
}

// NewWindow creates a new preview window
func NewWindow(cfg Config, state *overlay.State) *Window {
	if cfg.Name == "" {
		cfg.Name = "facepreview"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	window := gocv.NewWindow(cfg.Name)
	// Force window to appear on macOS
	window.ResizeWindow(cfg.Viewport.Width, cfg.Viewport.Height)
	window.MoveWindow(100, 100)

	return &Window{
		window:    window,
		name:      cfg.Name,
		cfg:       cfg,
		log:       cfg.Logger,
		state:     state,
		preview:   gocv.NewMat(),
		vp:        cfg.Viewport,
		canvas:    gocv.NewMat(),
		lastFrame: time.Now(),
	}
}

// Update stores an upright copy of a camera image for the next render pass
func (w *Window) Update(mat gocv.Mat, rotation int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch rotation {
	case 90:
		gocv.Rotate(mat, &w.preview, gocv.Rotate90Clockwise)
	case 180:
		gocv.Rotate(mat, &w.preview, gocv.Rotate180Clockwise)
	case 270:
		gocv.Rotate(mat, &w.preview, gocv.Rotate90CounterClockwise)
	default:
		mat.CopyTo(&w.preview)
	}
	w.fresh = true
}

// Invalidate marks the overlay as changed
func (w *Window) Invalidate() {
	w.dirty.Store(true)
}

// Viewport returns the current drawing surface size
func (w *Window) Viewport() geometry.Viewport {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.vp
}

// Resize changes the drawing surface. Regions published for the old size are
// replaced by the next analysis.
func (w *Window) Resize(vp geometry.Viewport) {
	if vp.Width < minViewport || vp.Height < minViewport {
		return
	}
	w.mu.Lock()
	w.vp = vp
	w.mu.Unlock()
	w.window.ResizeWindow(vp.Width, vp.Height)
}

// Render draws the latest camera image with the overlay on top
func (w *Window) Render() error {
	w.mu.Lock()
	vp := w.vp
	if w.preview.Empty() || !vp.Usable() {
		w.mu.Unlock()
		return ErrCanvasUnavailable
	}
	if !w.fresh && !w.dirty.Load() {
		w.mu.Unlock()
		return nil
	}
	gocv.Resize(w.preview, &w.canvas, image.Pt(vp.Width, vp.Height), 0, 0, gocv.InterpolationLinear)
	w.fresh = false
	w.mu.Unlock()

	w.dirty.Store(false)
	if w.cfg.Mirror {
		gocv.Flip(w.canvas, &w.canvas, 1)
	}

	for _, r := range w.state.Current() {
		gocv.Rectangle(&w.canvas, r.Rect(), boxColor, boxThickness)
	}

	w.frameCount++
	now := time.Now()
	if elapsed := now.Sub(w.lastFrame); elapsed >= time.Second {
		w.fps = float64(w.frameCount) / elapsed.Seconds()
		w.frameCount = 0
		w.lastFrame = now
	}
	if w.cfg.ShowFPS {
		gocv.PutText(&w.canvas, fmt.Sprintf("FPS: %.1f", w.fps), image.Pt(10, 30),
			gocv.FontHersheyPlain, 2, textColor, 2)
	}

	w.window.IMShow(w.canvas)
	return nil
}

// Key codes handled by Poll
const (
	KeyNone = -1
	KeyQuit = 'q'
	KeyEsc  = 27
	KeyGrow = '+'
	KeyDrop = '-'
)

// Poll renders once and handles a key press. It reports false when the user
// asked to quit.
func (w *Window) Poll(delayMs int) bool {
	if err := w.Render(); err != nil {
		if errors.Is(err, ErrCanvasUnavailable) {
			w.skipped++
		} else {
			w.log.WithField("error", err.Error()).Warn("render failed")
		}
	}

	switch key := w.window.WaitKey(delayMs); key {
	case KeyQuit, KeyEsc:
		return false
	case KeyGrow:
		vp := w.Viewport()
		w.Resize(geometry.Viewport{Width: vp.Width * 5 / 4, Height: vp.Height * 5 / 4})
	case KeyDrop:
		vp := w.Viewport()
		w.Resize(geometry.Viewport{Width: vp.Width * 4 / 5, Height: vp.Height * 4 / 5})
	}
	return w.window.IsOpen()
}

// FPS returns current frames per second
func (w *Window) FPS() float64 {
	return w.fps
}

// Skipped returns how many render passes had no canvas
func (w *Window) Skipped() uint64 {
	return w.skipped
}

// Close closes the window
func (w *Window) Close() error {
	w.mu.Lock()
	w.preview.Close()
	w.mu.Unlock()
	w.canvas.Close()

	if w.window != nil {
		return w.window.Close()
	}
	return nil
}
