package geometry

import (
	"image"
	"math"
)

// Space identifies the coordinate system a region is expressed in
type Space uint8

const (
	// SourceSpace is the pixel grid of the captured frame as reported by the
	// detector (upright orientation, unscaled)
	SourceSpace Space = iota
	// DisplaySpace is the pixel grid of the drawing surface
	DisplaySpace
)

func (s Space) String() string {
	switch s {
	case SourceSpace:
		return "source"
	case DisplaySpace:
		return "display"
	default:
		return "unknown"
	}
}

// Region represents a face bounding box
type Region struct {
	Left, Top     float32
	Right, Bottom float32
	Score         float32
	Space         Space
}

// Width returns region width
func (r Region) Width() float32 {
	return r.Right - r.Left
}

// Height returns region height
func (r Region) Height() float32 {
	return r.Bottom - r.Top
}

// Area returns region area
func (r Region) Area() float32 {
	return r.Width() * r.Height()
}

// Empty reports whether the region has no area
func (r Region) Empty() bool {
	return r.Right <= r.Left || r.Bottom <= r.Top
}

// Rect converts the region to an integer rectangle for drawing.
// Edges are rounded to the nearest pixel; out-of-surface values are kept.
func (r Region) Rect() image.Rectangle {
	return image.Rect(
		int(math.Round(float64(r.Left))),
		int(math.Round(float64(r.Top))),
		int(math.Round(float64(r.Right))),
		int(math.Round(float64(r.Bottom))),
	)
}

// Viewport is the size of a drawing surface at the moment of mapping
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Usable reports whether both dimensions are positive
func (v Viewport) Usable() bool {
	return v.Width > 0 && v.Height > 0
}
