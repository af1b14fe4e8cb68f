package camera

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
	"golang.org/x/time/rate"

	"github.com/dudu/facepreview/internal/frame"
	"github.com/dudu/facepreview/internal/logger"
)

const (
	// DefaultPoolSize covers one frame being read, one in flight and one
	// pending in the scheduler, plus one spare
	DefaultPoolSize = 4

	maxReadFailures = 50
)

// ErrCameraLost is returned by Run when the device stops delivering frames
var ErrCameraLost = errors.New("camera stopped delivering frames")

// Config configures a frame source
type Config struct {
	DeviceID  int
	Width     int
	Height    int
	TargetFPS int
	Rotation  int // clockwise degrees to display frames upright
	PoolSize  int
	Logger    *logrus.Entry
}

// Sink receives every captured frame and takes ownership of it
type Sink func(*frame.Frame)

// PreviewFunc sees each captured image before it is handed to the sink. It
// must copy what it needs and not keep the Mat.
type PreviewFunc func(mat gocv.Mat, rotation int)

// Stats holds capture counters
type Stats struct {
	Captured      uint64
	ReadFailures  uint64
	PoolExhausted uint64
}

// Source captures frames from a webcam into a bounded pool of Mats and pushes
// them to a sink at no more than the target frame rate.
type Source struct {
	cfg     Config
	capture *Capture
	pool    *frame.Pool
	limiter *rate.Limiter
	log     *logrus.Entry
	session string

	seq           atomic.Uint64
	readFailures  atomic.Uint64
	poolExhausted atomic.Uint64
}

// Open opens the camera described by cfg
func Open(cfg Config) (*Source, error) {
	if !frame.ValidRotation(cfg.Rotation) {
		return nil, fmt.Errorf("invalid rotation %d", cfg.Rotation)
	}
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = 30
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Component("camera")
	}

	capture, err := OpenCapture(cfg.DeviceID, cfg.Width, cfg.Height, cfg.TargetFPS)
	if err != nil {
		return nil, err
	}

	session := uuid.NewString()
	s := &Source{
		cfg:     cfg,
		capture: capture,
		pool: frame.NewPool(cfg.PoolSize, func() frame.Image {
			return NewMatImage()
		}),
		limiter: rate.NewLimiter(rate.Limit(cfg.TargetFPS), 1),
		log:     cfg.Logger.WithField("session", session),
		session: session,
	}

	s.log.WithFields(logrus.Fields{
		"device": cfg.DeviceID,
		"width":  capture.Width(),
		"height": capture.Height(),
		"fps":    capture.FPS(),
	}).Info("camera opened")

	return s, nil
}

// Width returns the delivered frame width
func (s *Source) Width() int {
	return s.capture.Width()
}

// Height returns the delivered frame height
func (s *Source) Height() int {
	return s.capture.Height()
}

// Session identifies this capture run in logs
func (s *Source) Session() string {
	return s.session
}

// Run captures until ctx is done or the camera stops delivering frames.
// preview may be nil.
func (s *Source) Run(ctx context.Context, sink Sink, preview PreviewFunc) error {
	failures := 0

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		img, err := s.pool.Get()
		if err != nil {
			if errors.Is(err, frame.ErrPoolClosed) {
				return nil
			}
			// every buffer is still owned downstream, skip this tick
			s.poolExhausted.Add(1)
			continue
		}

		mi := img.(*MatImage)
		if !s.capture.Read(&mi.mat) || mi.mat.Empty() {
			s.pool.Put(img)
			s.readFailures.Add(1)
			failures++
			if failures >= maxReadFailures {
				return fmt.Errorf("%w after %d failed reads", ErrCameraLost, failures)
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		failures = 0

		if preview != nil {
			preview(mi.mat, s.cfg.Rotation)
		}

		f := frame.New(img, mi.mat.Cols(), mi.mat.Rows(), s.cfg.Rotation, s.pool.Release())
		f.Seq = s.seq.Add(1)
		sink(f)
	}
}

// Stats returns capture counters
func (s *Source) Stats() Stats {
	return Stats{
		Captured:      s.seq.Load(),
		ReadFailures:  s.readFailures.Load(),
		PoolExhausted: s.poolExhausted.Load(),
	}
}

// Close releases the camera and the free buffers. Buffers still held by
// frames are freed when those frames are released.
func (s *Source) Close() error {
	return errors.Join(s.capture.Close(), s.pool.Close())
}
