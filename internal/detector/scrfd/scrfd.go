// Package scrfd runs the SCRFD face detector on ONNX Runtime. Only boxes and
// scores are decoded; the landmark heads of the model are not requested.
package scrfd

import (
	"context"
	"fmt"
	"image"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/dudu/facepreview/internal/detector"
	"github.com/dudu/facepreview/internal/frame"
	"github.com/dudu/facepreview/internal/geometry"
	"github.com/dudu/facepreview/internal/inference"
)

const warmupRuns = 3

// Config holds detector configuration
type Config struct {
	ModelPath     string
	InputSize     int // square network input, multiple of 32
	ConfThreshold float32
	NMSThreshold  float32
	CoreML        bool
	Threads       int
	Logger        *logrus.Entry
}

// MatImage is implemented by frame images backed by an OpenCV Mat
type MatImage interface {
	Mat() gocv.Mat
}

// Detector implements the SCRFD face detector. It is not safe for concurrent
// use; wrap it in detector.Async.
type Detector struct {
	cfg     Config
	session *inference.Session
	log     *logrus.Entry

	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32] // score_8, score_16, score_32, bbox_8, bbox_16, bbox_32
}

// New creates a new SCRFD detector. inference.Initialize must have been
// called.
func New(cfg Config) (*Detector, error) {
	if cfg.InputSize <= 0 || cfg.InputSize%32 != 0 {
		return nil, fmt.Errorf("input size %d is not a positive multiple of 32", cfg.InputSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	inputNames := []string{"input.1"}
	outputNames := []string{
		"score_8", "score_16", "score_32",
		"bbox_8", "bbox_16", "bbox_32",
	}

	session, err := inference.NewSession(cfg.ModelPath, inputNames, outputNames, inference.Options{
		CoreML:  cfg.CoreML,
		Threads: cfg.Threads,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SCRFD session: %w", err)
	}

	d := &Detector{cfg: cfg, session: session, log: cfg.Logger}
	if err := d.allocate(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// allocate creates the input and output tensors once; every run reuses them.
func (d *Detector) allocate() error {
	size := int64(d.cfg.InputSize)
	input, err := inference.CreateEmptyTensor[float32]([]int64{1, 3, size, size})
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}
	d.input = input

	d.outputs = make([]*ort.Tensor[float32], 0, 2*len(strides))
	for _, width := range []int64{1, 4} {
		for _, stride := range strides {
			anchors := int64(anchorCount(d.cfg.InputSize, stride))
			t, err := inference.CreateEmptyTensor[float32]([]int64{anchors, width})
			if err != nil {
				return fmt.Errorf("failed to create output tensor: %w", err)
			}
			d.outputs = append(d.outputs, t)
		}
	}
	return nil
}

func (d *Detector) run() error {
	outputs := make([]ort.Value, len(d.outputs))
	for i, t := range d.outputs {
		outputs[i] = t
	}
	if err := d.session.Run([]ort.Value{d.input}, outputs); err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}
	return nil
}

// Warmup runs the network a few times on a blank input so the first real
// frame does not pay for graph compilation.
func (d *Detector) Warmup(ctx context.Context) error {
	clear(d.input.GetData())
	for i := 0; i < warmupRuns; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.run(); err != nil {
			return fmt.Errorf("warmup: %w", err)
		}
	}
	return nil
}

// Detect finds faces in the frame. Boxes are reported in the upright frame:
// the image is first rotated by the frame's rotation.
func (d *Detector) Detect(ctx context.Context, f *frame.Frame) ([]geometry.Region, error) {
	img, ok := f.Image.(MatImage)
	if !ok {
		return nil, fmt.Errorf("%w: %T has no Mat", detector.ErrUnsupportedImage, f.Image)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	upright, err := rotate(img.Mat(), f.Rotation)
	if err != nil {
		return nil, err
	}
	defer upright.Close()

	scale := d.preprocess(upright)
	if err := d.run(); err != nil {
		return nil, err
	}

	faces := decode(d.outputData(), d.cfg.InputSize, scale, d.cfg.ConfThreshold)
	faces = detector.NMS(faces, d.cfg.NMSThreshold)
	return detector.Regions(faces), nil
}

func (d *Detector) outputData() [][]float32 {
	data := make([][]float32, len(d.outputs))
	for i, t := range d.outputs {
		data[i] = t.GetData()
	}
	return data
}

// rotate returns an upright copy of src
func rotate(src gocv.Mat, rotation int) (gocv.Mat, error) {
	dst := gocv.NewMat()
	switch rotation {
	case 0:
		src.CopyTo(&dst)
	case 90:
		gocv.Rotate(src, &dst, gocv.Rotate90Clockwise)
	case 180:
		gocv.Rotate(src, &dst, gocv.Rotate180Clockwise)
	case 270:
		gocv.Rotate(src, &dst, gocv.Rotate90CounterClockwise)
	default:
		dst.Close()
		return gocv.Mat{}, fmt.Errorf("invalid rotation %d", rotation)
	}
	return dst, nil
}

// preprocess letterboxes img into the network input (top-left aligned, zero
// padded), normalises to (x - 127.5) / 128 in RGB order and writes the NCHW
// blob into the input tensor. It returns the resize scale.
func (d *Detector) preprocess(img gocv.Mat) float32 {
	size := d.cfg.InputSize
	height := img.Rows()
	width := img.Cols()

	scale := float32(size) / float32(max(height, width))
	newWidth := int(float32(width) * scale)
	newHeight := int(float32(height) * scale)

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, image.Pt(newWidth, newHeight), 0, 0, gocv.InterpolationLinear)

	padded := gocv.NewMatWithSize(size, size, gocv.MatTypeCV8UC3)
	defer padded.Close()
	padded.SetTo(gocv.NewScalar(0, 0, 0, 0))

	roi := padded.Region(image.Rect(0, 0, newWidth, newHeight))
	resized.CopyTo(&roi)
	roi.Close()

	blob := gocv.BlobFromImage(padded, 1.0/128.0, image.Pt(size, size),
		gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	src, err := blob.DataPtrFloat32()
	if err == nil {
		copy(d.input.GetData(), src)
	}
	return scale
}

// Provider names the execution provider inference runs on
func (d *Detector) Provider() string {
	return d.session.Provider()
}

// Close releases detector resources
func (d *Detector) Close() error {
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	for _, t := range d.outputs {
		t.Destroy()
	}
	d.outputs = nil
	return d.session.Destroy()
}
