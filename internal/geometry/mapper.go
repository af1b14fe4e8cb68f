package geometry

// NormalizeRotation folds any angle in degrees into [0, 360).
func NormalizeRotation(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}

// Transposed reports whether a frame rotated by deg is displayed with its
// width and height swapped.
func Transposed(deg int) bool {
	switch NormalizeRotation(deg) {
	case 90, 270:
		return true
	}
	return false
}

// Map scales a source-space region into the display space of a viewport.
//
// The detector reports boxes in the upright frame, so the only effect of the
// rotation is which sensor axis ends up horizontal on screen: for 90/270 the
// horizontal scale is viewportWidth/sourceHeight and the vertical scale is
// viewportHeight/sourceWidth. Every edge is scaled on its own, nothing is
// clamped, and a zero or negative dimension yields an empty region at the
// origin.
func Map(r Region, sourceWidth, sourceHeight, rotation, viewportWidth, viewportHeight int) Region {
	out := Region{Score: r.Score, Space: DisplaySpace}
	if sourceWidth <= 0 || sourceHeight <= 0 || viewportWidth <= 0 || viewportHeight <= 0 {
		return out
	}

	srcW, srcH := float32(sourceWidth), float32(sourceHeight)
	if Transposed(rotation) {
		srcW, srcH = srcH, srcW
	}
	scaleX := float32(viewportWidth) / srcW
	scaleY := float32(viewportHeight) / srcH

	out.Left = r.Left * scaleX
	out.Top = r.Top * scaleY
	out.Right = r.Right * scaleX
	out.Bottom = r.Bottom * scaleY
	return out
}

// MapAll maps every region in order into a new slice.
func MapAll(regions []Region, sourceWidth, sourceHeight, rotation int, vp Viewport) []Region {
	out := make([]Region, len(regions))
	for i, r := range regions {
		out[i] = Map(r, sourceWidth, sourceHeight, rotation, vp.Width, vp.Height)
	}
	return out
}

// Mirror flips a display-space region about the vertical centre line of a
// surface viewportWidth pixels wide (front-facing cameras).
func Mirror(r Region, viewportWidth int) Region {
	w := float32(viewportWidth)
	left, right := w-r.Right, w-r.Left
	r.Left, r.Right = left, right
	return r
}
