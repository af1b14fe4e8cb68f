package detector

import "github.com/dudu/facepreview/internal/geometry"

// BoundingBox represents a face bounding box
type BoundingBox struct {
	X1, Y1 float32 // top-left
	X2, Y2 float32 // bottom-right
}

// Width returns box width
func (b BoundingBox) Width() float32 {
	return b.X2 - b.X1
}

// Height returns box height
func (b BoundingBox) Height() float32 {
	return b.Y2 - b.Y1
}

// Area returns box area
func (b BoundingBox) Area() float32 {
	return b.Width() * b.Height()
}

// Face represents a detected face
type Face struct {
	BoundingBox BoundingBox
	Score       float32
}

// Region converts the face to a source-space region
func (f Face) Region() geometry.Region {
	return geometry.Region{
		Left:   f.BoundingBox.X1,
		Top:    f.BoundingBox.Y1,
		Right:  f.BoundingBox.X2,
		Bottom: f.BoundingBox.Y2,
		Score:  f.Score,
		Space:  geometry.SourceSpace,
	}
}

// Regions converts faces in order
func Regions(faces []Face) []geometry.Region {
	out := make([]geometry.Region, len(faces))
	for i, f := range faces {
		out[i] = f.Region()
	}
	return out
}
