// Package detector defines the asynchronous face detection capability used by
// the analysis pipeline, plus the backends that implement it.
package detector

import (
	"context"
	"errors"

	"github.com/dudu/facepreview/internal/frame"
	"github.com/dudu/facepreview/internal/geometry"
)

var (
	// ErrNotReady is returned while a detector is still starting up
	ErrNotReady = errors.New("detector not ready")
	// ErrClosed is returned for requests made after Close
	ErrClosed = errors.New("detector closed")
	// ErrUnsupportedImage is returned when a frame's image cannot be read by
	// the backend
	ErrUnsupportedImage = errors.New("unsupported frame image")
)

// Result is the outcome of one analysis. Regions are in the source space of
// the upright frame.
type Result struct {
	Regions []geometry.Region
	Err     error
}

// Detector analyses one frame at a time, asynchronously.
//
// Submit never blocks on inference; the returned channel receives exactly one
// Result. The detector only reads the frame; releasing it stays with the
// caller, which must not do so before the result has arrived.
type Detector interface {
	Ready() bool
	Submit(ctx context.Context, f *frame.Frame) <-chan Result
	Close() error
}

// Backend is a synchronous detector
type Backend interface {
	Detect(ctx context.Context, f *frame.Frame) ([]geometry.Region, error)
	Close() error
}

// Warmer is implemented by backends that need preparation (model warmup,
// connecting to a service) before they can serve requests.
type Warmer interface {
	Warmup(ctx context.Context) error
}

// resolved returns a channel already holding r
func resolved(r Result) <-chan Result {
	ch := make(chan Result, 1)
	ch <- r
	return ch
}
