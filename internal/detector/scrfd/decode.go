package scrfd

import "github.com/dudu/facepreview/internal/detector"

// strides of the three feature pyramid levels
var strides = []int{8, 16, 32}

const anchorsPerCell = 2

func anchorCount(inputSize, stride int) int {
	cells := inputSize / stride
	return cells * cells * anchorsPerCell
}

// decode turns raw network outputs into faces in the coordinates of the
// image that was letterboxed with scale. outputs holds the score tensors of
// every level followed by their box tensors. The exported graphs end in a
// sigmoid, so scores are already probabilities. Boxes are not clamped to the
// image.
func decode(outputs [][]float32, inputSize int, scale, threshold float32) []detector.Face {
	var faces []detector.Face

	for level, stride := range strides {
		cells := inputSize / stride
		scores := outputs[level]
		boxes := outputs[level+len(strides)]
		s := float32(stride)

		anchor := 0
		for y := 0; y < cells; y++ {
			for x := 0; x < cells; x++ {
				for a := 0; a < anchorsPerCell; a++ {
					score := scores[anchor]
					if score > threshold {
						cx := float32(x) * s
						cy := float32(y) * s

						// distances from the anchor centre to each edge
						b := boxes[anchor*4 : anchor*4+4]
						faces = append(faces, detector.Face{
							BoundingBox: detector.BoundingBox{
								X1: (cx - b[0]*s) / scale,
								Y1: (cy - b[1]*s) / scale,
								X2: (cx + b[2]*s) / scale,
								Y2: (cy + b[3]*s) / scale,
							},
							Score: score,
						})
					}
					anchor++
				}
			}
		}
	}

	return faces
}
