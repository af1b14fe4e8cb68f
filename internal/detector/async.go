package detector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dudu/facepreview/internal/frame"
)

// DefaultWarmupRetry is the pause between failed warmup attempts
const DefaultWarmupRetry = 2 * time.Second

// AsyncConfig configures an Async detector
type AsyncConfig struct {
	WarmupRetry time.Duration
	Logger      *logrus.Entry
}

// Async turns a synchronous Backend into a Detector. Each Submit runs the
// backend on its own goroutine. When the backend implements Warmer, the
// detector reports ready only after a warmup succeeded; failed warmups are
// retried until Close.
type Async struct {
	backend Backend
	log     *logrus.Entry
	retry   time.Duration

	ready atomic.Bool

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// NewAsync wraps backend and starts its warmup in the background
func NewAsync(backend Backend, cfg AsyncConfig) *Async {
	if cfg.WarmupRetry <= 0 {
		cfg.WarmupRetry = DefaultWarmupRetry
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Async{
		backend: backend,
		log:     cfg.Logger,
		retry:   cfg.WarmupRetry,
		ctx:     ctx,
		cancel:  cancel,
	}

	w, ok := backend.(Warmer)
	if !ok {
		a.ready.Store(true)
		return a
	}

	a.wg.Add(1)
	go a.warmup(w)
	return a
}

func (a *Async) warmup(w Warmer) {
	defer a.wg.Done()

	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := w.Warmup(a.ctx)
		if err == nil {
			a.ready.Store(true)
			a.log.WithField("took", time.Since(start)).Info("detector ready")
			return
		}
		if a.ctx.Err() != nil {
			return
		}
		a.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err.Error(),
		}).Warn("detector warmup failed, retrying")

		select {
		case <-a.ctx.Done():
			return
		case <-time.After(a.retry):
		}
	}
}

// Ready reports whether the backend can take requests
func (a *Async) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ready.Load() && !a.closed
}

// Submit runs the backend on f. A result that arrives after ctx is done is
// discarded and reported as the context error.
func (a *Async) Submit(ctx context.Context, f *frame.Frame) <-chan Result {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return resolved(Result{Err: ErrClosed})
	}
	if !a.ready.Load() {
		return resolved(Result{Err: ErrNotReady})
	}
	if err := ctx.Err(); err != nil {
		return resolved(Result{Err: err})
	}

	ch := make(chan Result, 1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ch <- a.detect(ctx, f)
	}()
	return ch
}

func (a *Async) detect(ctx context.Context, f *frame.Frame) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("detector panic: %v", r)}
		}
	}()

	regions, err := a.backend.Detect(ctx, f)
	if err != nil {
		return Result{Err: err}
	}
	if err := ctx.Err(); err != nil {
		return Result{Err: err}
	}
	return Result{Regions: regions}
}

// Close stops warmup, waits for running detections and closes the backend.
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()

		a.cancel()
		a.wg.Wait()
		a.closeErr = a.backend.Close()
	})
	return a.closeErr
}
