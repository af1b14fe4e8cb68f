package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gocv.io/x/gocv"

	"github.com/dudu/facepreview/internal/camera"
	"github.com/dudu/facepreview/internal/config"
	"github.com/dudu/facepreview/internal/detector"
	"github.com/dudu/facepreview/internal/detector/scrfd"
	"github.com/dudu/facepreview/internal/inference"
	"github.com/dudu/facepreview/internal/logger"
	"github.com/dudu/facepreview/internal/overlay"
	"github.com/dudu/facepreview/internal/pipeline"
	"github.com/dudu/facepreview/internal/ui"
	"github.com/dudu/facepreview/internal/ws"
)

// runFlags mirror config fields; only flags set on the command line override
// the environment.
var runFlags config.Config

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open the camera and show detected faces live",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyRunFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runPreview(cmd.Context(), cfg)
	},
}

func init() {
	d := config.Default()
	f := runCmd.Flags()
	f.IntVarP(&runFlags.CameraIndex, "camera", "c", d.CameraIndex, "Camera device index")
	f.IntVar(&runFlags.Width, "width", d.Width, "Requested capture width (0 keeps the camera default)")
	f.IntVar(&runFlags.Height, "height", d.Height, "Requested capture height (0 keeps the camera default)")
	f.IntVar(&runFlags.TargetFPS, "fps", d.TargetFPS, "Target capture frame rate")
	f.IntVarP(&runFlags.Rotation, "rotation", "r", d.Rotation, "Clockwise rotation to make frames upright: 0, 90, 180 or 270")
	f.StringVarP(&runFlags.Backend, "backend", "b", d.Backend, "Detector backend: onnx or remote")
	f.StringVarP(&runFlags.ModelPath, "model", "m", d.ModelPath, "SCRFD model path")
	f.StringVar(&runFlags.OrtLibPath, "ort-lib", d.OrtLibPath, "ONNX Runtime shared library")
	f.IntVar(&runFlags.DetectionSize, "det-size", d.DetectionSize, "Detector input size: 320, 480 or 640")
	f.Float32Var(&runFlags.ConfThreshold, "threshold", d.ConfThreshold, "Face score threshold")
	f.BoolVar(&runFlags.CoreML, "coreml", d.CoreML, "Use the CoreML execution provider")
	f.StringVar(&runFlags.RemoteURL, "remote-url", d.RemoteURL, "Detection service websocket URL (remote backend)")
	f.DurationVar(&runFlags.AnalysisTimeout, "timeout", d.AnalysisTimeout, "Per-frame analysis timeout")
	f.BoolVar(&runFlags.Preview, "preview", d.Preview, "Show the preview window")
	f.BoolVar(&runFlags.Mirror, "mirror", d.Mirror, "Mirror the preview and overlay")
	f.StringVar(&runFlags.OverlayAddr, "overlay-addr", d.OverlayAddr, "Serve the overlay feed on this address (e.g. :8090)")

	rootCmd.AddCommand(runCmd)
}

func applyRunFlags(cmd *cobra.Command, c *config.Config) {
	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("camera", func() { c.CameraIndex = runFlags.CameraIndex })
	set("width", func() { c.Width = runFlags.Width })
	set("height", func() { c.Height = runFlags.Height })
	set("fps", func() { c.TargetFPS = runFlags.TargetFPS })
	set("rotation", func() { c.Rotation = runFlags.Rotation })
	set("backend", func() { c.Backend = runFlags.Backend })
	set("model", func() { c.ModelPath = runFlags.ModelPath })
	set("ort-lib", func() { c.OrtLibPath = runFlags.OrtLibPath })
	set("det-size", func() { c.DetectionSize = runFlags.DetectionSize })
	set("threshold", func() { c.ConfThreshold = runFlags.ConfThreshold })
	set("coreml", func() { c.CoreML = runFlags.CoreML })
	set("remote-url", func() { c.RemoteURL = runFlags.RemoteURL })
	set("timeout", func() { c.AnalysisTimeout = runFlags.AnalysisTimeout })
	set("preview", func() { c.Preview = runFlags.Preview })
	set("mirror", func() { c.Mirror = runFlags.Mirror })
	set("overlay-addr", func() { c.OverlayAddr = runFlags.OverlayAddr })
}

// newDetector builds the configured backend behind the async adapter.
// cleanup must run after the detector is closed.
func newDetector(c config.Config) (det detector.Detector, cleanup func(), err error) {
	asyncCfg := detector.AsyncConfig{Logger: logger.Component("detector")}

	switch c.Backend {
	case config.BackendRemote:
		remote := detector.NewRemote(detector.RemoteConfig{
			URL:    c.RemoteURL,
			Logger: logger.Component("remote"),
		})
		return detector.NewAsync(remote, asyncCfg), func() {}, nil

	default:
		if err := inference.Initialize(c.OrtLibPath); err != nil {
			return nil, nil, err
		}
		backend, err := scrfd.New(scrfd.Config{
			ModelPath:     c.ModelPath,
			InputSize:     c.DetectionSize,
			ConfThreshold: c.ConfThreshold,
			NMSThreshold:  c.NMSThreshold,
			CoreML:        c.CoreML,
			Threads:       c.Threads,
			Logger:        logger.Component("scrfd"),
		})
		if err != nil {
			inference.Shutdown()
			return nil, nil, fmt.Errorf("failed to load detector: %w", err)
		}
		return detector.NewAsync(backend, asyncCfg), func() { inference.Shutdown() }, nil
	}
}

func runPreview(ctx context.Context, c config.Config) error {
	log := logger.Component("run")

	det, cleanup, err := newDetector(c)
	if err != nil {
		return err
	}
	defer cleanup()

	src, err := camera.Open(camera.Config{
		DeviceID:  c.CameraIndex,
		Width:     c.Width,
		Height:    c.Height,
		TargetFPS: c.TargetFPS,
		Rotation:  c.Rotation,
		PoolSize:  c.PoolSize,
		Logger:    logger.Component("camera"),
	})
	if err != nil {
		det.Close()
		return err
	}
	defer src.Close()

	state := overlay.New()
	renderers := pipeline.Renderers{}
	viewport := pipeline.FixedViewport(c.ViewportWidth, c.ViewportHeight)

	var window *ui.Window
	if c.Preview {
		window = ui.NewWindow(ui.Config{
			Name:     "facepreview",
			Viewport: viewport(),
			Mirror:   c.Mirror,
			ShowFPS:  c.ShowFPS,
			Logger:   logger.Component("ui"),
		}, state)
		defer window.Close()
		renderers = append(renderers, window)
		viewport = window.Viewport
	}

	var hub *ws.Hub
	if c.OverlayAddr != "" {
		hub = ws.NewHub(state, logger.Component("overlay"))
		defer hub.Close()
		renderers = append(renderers, hub)
	}

	sched, err := pipeline.New(pipeline.Config{
		Detector:        det,
		Overlay:         state,
		Renderer:        renderers,
		Viewport:        viewport,
		AnalysisTimeout: c.AnalysisTimeout,
		Mirror:          c.Mirror,
		Logger:          logger.Component("scheduler"),
	})
	if err != nil {
		det.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var preview camera.PreviewFunc
	if window != nil {
		preview = func(mat gocv.Mat, rotation int) { window.Update(mat, rotation) }
	}

	captureDone := make(chan error, 1)
	go func() {
		captureDone <- src.Run(ctx, sched.OnFrame, preview)
	}()

	serverDone := make(chan error, 1)
	if hub != nil {
		go func() {
			serverDone <- ws.Serve(ctx, c.OverlayAddr, ws.NewMux(hub, func() any { return sched.Stats() }), logger.Component("http"))
		}()
	}

	log.WithFields(logger.Fields{
		"backend":  c.Backend,
		"rotation": c.Rotation,
		"session":  src.Session(),
		"source":   fmt.Sprintf("%dx%d", src.Width(), src.Height()),
	}).Info("preview started")

	runErr := wait(ctx, window, captureDone, serverDone)

	// camera first so nothing new reaches the scheduler
	cancel()
	if err := <-captureDone; err != nil && runErr == nil {
		runErr = err
	}
	if err := sched.Close(); err != nil {
		log.WithField("error", err.Error()).Warn("detector close failed")
	}
	// viewers still connected see the faces disappear
	state.Clear()
	renderers.Invalidate()

	st := src.Stats()
	log.WithFields(logger.Fields{
		"captured":       st.Captured,
		"read_failures":  st.ReadFailures,
		"pool_exhausted": st.PoolExhausted,
	}).Info("preview stopped")
	return runErr
}

// wait blocks until the user quits, the context ends or a background task
// fails. With a window it drives the UI on the calling (main) thread.
func wait(ctx context.Context, window *ui.Window, captureDone, serverDone chan error) error {
	check := func() (bool, error) {
		select {
		case <-ctx.Done():
			return true, nil
		case err := <-captureDone:
			// put it back for the shutdown path
			captureDone <- err
			return true, err
		case err := <-serverDone:
			return true, err
		default:
			return false, nil
		}
	}

	if window == nil {
		select {
		case <-ctx.Done():
			return nil
		case err := <-captureDone:
			captureDone <- err
			return err
		case err := <-serverDone:
			return err
		}
	}

	for window.Poll(1) {
		if done, err := check(); done {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
	return nil
}
