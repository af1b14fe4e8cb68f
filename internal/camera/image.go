package camera

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// MatImage is a frame image backed by an OpenCV Mat. It is reused through the
// source's pool, so it must not be kept after the frame is released.
type MatImage struct {
	mat gocv.Mat
}

// NewMatImage allocates an empty Mat
func NewMatImage() *MatImage {
	return &MatImage{mat: gocv.NewMat()}
}

// WrapMat takes ownership of an existing Mat
func WrapMat(mat gocv.Mat) *MatImage {
	return &MatImage{mat: mat}
}

// Mat returns the underlying Mat. The Mat is owned by the image.
func (m *MatImage) Mat() gocv.Mat {
	return m.mat
}

// EncodeJPEG serialises the pixels as a JPEG
func (m *MatImage) EncodeJPEG() ([]byte, error) {
	if m.mat.Empty() {
		return nil, errors.New("empty image")
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, m.mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	defer buf.Close()

	data := buf.GetBytes()
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Close frees the Mat
func (m *MatImage) Close() error {
	return m.mat.Close()
}
