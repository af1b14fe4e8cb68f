// Package pipeline feeds camera frames to a face detector and publishes the
// mapped results to the overlay.
//
// The scheduler applies latest-only backpressure: one frame is analysed at a
// time and at most one more waits behind it. A newer frame replaces the
// waiting one, which is released without analysis. Every delivered frame is
// released exactly once, whatever happens to it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dudu/facepreview/internal/detector"
	"github.com/dudu/facepreview/internal/frame"
	"github.com/dudu/facepreview/internal/geometry"
	"github.com/dudu/facepreview/internal/logger"
	"github.com/dudu/facepreview/internal/overlay"
)

// DefaultAnalysisTimeout bounds a single detector request
const DefaultAnalysisTimeout = 2 * time.Second

// Config holds scheduler configuration
type Config struct {
	Detector detector.Detector // owned by the scheduler, closed by Close
	Overlay  *overlay.State
	Renderer Renderer // optional
	Viewport ViewportFunc

	AnalysisTimeout time.Duration
	Mirror          bool // flip regions horizontally (front camera)
	Logger          *logrus.Entry
}

// Stats is a point-in-time view of the scheduler counters
type Stats struct {
	Delivered       uint64 // frames passed to OnFrame
	Submitted       uint64 // frames handed to the detector
	Completed       uint64 // analyses that succeeded
	Failed          uint64 // analyses the detector reported an error for
	Replaced        uint64 // pending frames replaced by a newer one
	DroppedNotReady uint64
	DroppedInvalid  uint64
	DroppedClosed   uint64
	SkippedViewport uint64 // successful analyses not published, surface had no size
	InFlight        bool
	Pending         bool
	LastLatency     time.Duration
}

// Scheduler is the analysis scheduler
type Scheduler struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	cond     *sync.Cond
	pending  *frame.Frame
	inFlight bool
	closed   bool
	stats    Stats

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New creates a scheduler and starts its worker. The scheduler takes
// ownership of cfg.Detector.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Detector == nil {
		return nil, errors.New("pipeline: detector is required")
	}
	if cfg.Overlay == nil {
		return nil, errors.New("pipeline: overlay state is required")
	}
	if cfg.Viewport == nil {
		return nil, errors.New("pipeline: viewport func is required")
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = DefaultAnalysisTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Component("scheduler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	go s.run()
	return s, nil
}

// OnFrame hands a frame to the scheduler. It never blocks on analysis;
// ownership of f passes to the scheduler in every case.
func (s *Scheduler) OnFrame(f *frame.Frame) {
	if !f.Valid() {
		s.mu.Lock()
		s.stats.Delivered++
		s.stats.DroppedInvalid++
		s.mu.Unlock()

		s.log.Debug("dropping malformed frame")
		f.Release()
		return
	}

	s.mu.Lock()
	s.stats.Delivered++
	if s.closed {
		s.stats.DroppedClosed++
		s.mu.Unlock()
		f.Release()
		return
	}
	if !s.cfg.Detector.Ready() {
		s.stats.DroppedNotReady++
		s.mu.Unlock()
		f.Release()
		return
	}

	replaced := s.pending
	s.pending = f
	if replaced != nil {
		s.stats.Replaced++
	}
	s.cond.Signal()
	s.mu.Unlock()

	replaced.Release()
}

// run is the single worker: it claims the pending frame, analyses it and
// repeats until Close.
func (s *Scheduler) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		for s.pending == nil && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		f := s.pending
		s.pending = nil
		s.inFlight = true
		s.stats.Submitted++
		s.mu.Unlock()

		s.analyse(f)

		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}
}

// analyse runs one detection and publishes its result. The frame is released
// only after the detector has answered.
func (s *Scheduler) analyse(f *frame.Frame) {
	defer f.Release()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AnalysisTimeout)
	defer cancel()

	start := time.Now()
	res := <-s.cfg.Detector.Submit(ctx, f)
	latency := time.Since(start)

	if res.Err != nil {
		s.mu.Lock()
		s.stats.Failed++
		s.stats.LastLatency = latency
		s.mu.Unlock()
		s.reportFailure(f, res.Err)
		return
	}

	vp := s.cfg.Viewport()
	if !vp.Usable() {
		s.mu.Lock()
		s.stats.Completed++
		s.stats.SkippedViewport++
		s.stats.LastLatency = latency
		s.mu.Unlock()

		s.log.WithFields(logrus.Fields{
			"seq":      f.Seq,
			"viewport": fmt.Sprintf("%dx%d", vp.Width, vp.Height),
		}).Debug("surface has no size, result not published")
		return
	}

	regions := geometry.MapAll(res.Regions, f.Width, f.Height, f.Rotation, vp)
	if s.cfg.Mirror {
		for i := range regions {
			regions[i] = geometry.Mirror(regions[i], vp.Width)
		}
	}
	s.cfg.Overlay.PublishFrame(regions, f.Seq, vp)

	s.mu.Lock()
	s.stats.Completed++
	s.stats.LastLatency = latency
	s.mu.Unlock()

	if s.cfg.Renderer != nil {
		s.cfg.Renderer.Invalidate()
	}
}

func (s *Scheduler) reportFailure(f *frame.Frame, err error) {
	fields := logger.Fields{
		"seq":   f.Seq,
		"error": err.Error(),
	}

	switch {
	case errors.Is(err, detector.ErrNotReady), errors.Is(err, detector.ErrClosed):
		s.log.WithFields(fields).Debug("detector unavailable, frame skipped")
	case errors.Is(err, context.Canceled) && s.ctx.Err() != nil:
		s.log.WithFields(fields).Debug("analysis cancelled by shutdown")
	default:
		logger.ErrorWithTraceID(s.log, fields, "face detection failed, keeping previous overlay")
	}
}

// Stats returns a snapshot of the scheduler counters
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.InFlight = s.inFlight
	st.Pending = s.pending != nil
	return st
}

// Close stops intake, releases the pending frame, cancels the running
// analysis, waits for the worker to release it and finally closes the
// detector. Frames delivered afterwards are released immediately.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := s.pending
		s.pending = nil
		s.cond.Broadcast()
		s.mu.Unlock()

		pending.Release()
		s.cancel()
		<-s.done

		if err := s.cfg.Detector.Close(); err != nil {
			s.closeErr = fmt.Errorf("failed to close detector: %w", err)
		}

		st := s.Stats()
		s.log.WithFields(logrus.Fields{
			"delivered": st.Delivered,
			"submitted": st.Submitted,
			"completed": st.Completed,
			"failed":    st.Failed,
			"replaced":  st.Replaced,
		}).Info("scheduler stopped")
	})
	return s.closeErr
}
