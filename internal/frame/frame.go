package frame

import (
	"sync"
	"time"
)

// Image is the pixel payload of a frame. Implementations usually own native
// memory (a gocv.Mat, a pooled buffer) and are handed back to their source
// when the frame is released.
type Image interface {
	Close() error
}

// Frame is one captured image plus the metadata needed to interpret it.
//
// Ownership moves with the pointer: whoever holds the frame must call Release
// exactly once when done with it. Release is safe to call more than once; only
// the first call reaches the source.
type Frame struct {
	Image     Image
	Width     int
	Height    int
	Rotation  int // clockwise degrees needed to display the frame upright
	Timestamp time.Time
	Seq       uint64

	once    sync.Once
	release func(*Frame)
}

// New wraps an image into a frame. release is invoked exactly once, from the
// first Release call; nil means the image is closed directly.
func New(img Image, width, height, rotation int, release func(*Frame)) *Frame {
	return &Frame{
		Image:     img,
		Width:     width,
		Height:    height,
		Rotation:  rotation,
		Timestamp: time.Now(),
		release:   release,
	}
}

// Release returns the frame's buffer to its source.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		if f.release != nil {
			f.release(f)
			return
		}
		if f.Image != nil {
			f.Image.Close()
		}
	})
}

// Valid reports whether the frame can be analysed: it has an image, positive
// dimensions and one of the four right-angle rotations.
func (f *Frame) Valid() bool {
	if f == nil || f.Image == nil {
		return false
	}
	if f.Width <= 0 || f.Height <= 0 {
		return false
	}
	return ValidRotation(f.Rotation)
}

// ValidRotation reports whether deg is 0, 90, 180 or 270.
func ValidRotation(deg int) bool {
	switch deg {
	case 0, 90, 180, 270:
		return true
	}
	return false
}
