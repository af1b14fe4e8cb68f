package pipeline

import "github.com/dudu/facepreview/internal/geometry"

// Renderer is told when a new overlay has been published. Implementations
// schedule a redraw and read the overlay themselves; Invalidate must not block.
type Renderer interface {
	Invalidate()
}

// RendererFunc adapts a function to Renderer
type RendererFunc func()

func (f RendererFunc) Invalidate() { f() }

// Renderers fans one invalidation out to several renderers
type Renderers []Renderer

func (rs Renderers) Invalidate() {
	for _, r := range rs {
		r.Invalidate()
	}
}

// ViewportFunc reports the current size of the drawing surface. It is called
// once per completed analysis, so a resized surface is picked up on the next
// result.
type ViewportFunc func() geometry.Viewport

// FixedViewport returns a ViewportFunc for a surface that never resizes
func FixedViewport(width, height int) ViewportFunc {
	vp := geometry.Viewport{Width: width, Height: height}
	return func() geometry.Viewport { return vp }
}
