package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gocv.io/x/gocv"

	"github.com/dudu/facepreview/internal/camera"
	"github.com/dudu/facepreview/internal/detector/scrfd"
	"github.com/dudu/facepreview/internal/frame"
	"github.com/dudu/facepreview/internal/inference"
	"github.com/dudu/facepreview/internal/logger"
)

var benchOpts struct {
	Image      string
	Iterations int
	Rotation   int
	CoreML     bool
}

var benchCmd = &cobra.Command{
	Use:   "bench <model.onnx>",
	Short: "Measure detector latency on a still image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("coreml") {
			cfg.CoreML = benchOpts.CoreML
		}
		return runBench(cmd.Context(), args[0])
	},
}

func init() {
	benchCmd.Flags().StringVarP(&benchOpts.Image, "image", "i", "", "Image to run on (blank 1280x720 frame when empty)")
	benchCmd.Flags().IntVarP(&benchOpts.Iterations, "iterations", "n", 100, "Timed iterations")
	benchCmd.Flags().IntVarP(&benchOpts.Rotation, "rotation", "r", 0, "Frame rotation")
	benchCmd.Flags().BoolVar(&benchOpts.CoreML, "coreml", false, "Use the CoreML execution provider")
	rootCmd.AddCommand(benchCmd)
}

func benchImage(path string) (gocv.Mat, error) {
	if path == "" {
		return gocv.NewMatWithSize(720, 1280, gocv.MatTypeCV8UC3), nil
	}
	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		mat.Close()
		return mat, fmt.Errorf("failed to read image %s", path)
	}
	return mat, nil
}

func runBench(ctx context.Context, modelPath string) error {
	if benchOpts.Iterations < 1 {
		return fmt.Errorf("iterations must be positive")
	}
	switch benchOpts.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("invalid rotation: %d", benchOpts.Rotation)
	}

	if err := inference.Initialize(cfg.OrtLibPath); err != nil {
		return err
	}
	defer inference.Shutdown()

	det, err := scrfd.New(scrfd.Config{
		ModelPath:     modelPath,
		InputSize:     cfg.DetectionSize,
		ConfThreshold: cfg.ConfThreshold,
		NMSThreshold:  cfg.NMSThreshold,
		CoreML:        cfg.CoreML,
		Threads:       cfg.Threads,
		Logger:        logger.Component("scrfd"),
	})
	if err != nil {
		return fmt.Errorf("failed to load detector: %w", err)
	}
	defer det.Close()

	mat, err := benchImage(benchOpts.Image)
	if err != nil {
		return err
	}
	img := camera.WrapMat(mat)
	defer img.Close()

	fmt.Fprintf(os.Stderr, "Warming up (%s)...\n", modelPath)
	if err := det.Warmup(ctx); err != nil {
		return err
	}

	bar := progressbar.NewOptions(benchOpts.Iterations,
		progressbar.OptionSetDescription("Benchmarking"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	var (
		total time.Duration
		best  = time.Duration(1<<63 - 1)
		worst time.Duration
		faces int
	)
	for i := 0; i < benchOpts.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		f := frame.New(img, mat.Cols(), mat.Rows(), benchOpts.Rotation, nil)
		start := time.Now()
		regions, err := det.Detect(ctx, f)
		elapsed := time.Since(start)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}

		faces = len(regions)
		total += elapsed
		best = min(best, elapsed)
		worst = max(worst, elapsed)
		bar.Add(1)
	}
	bar.Finish()

	avg := total / time.Duration(benchOpts.Iterations)
	fmt.Fprintf(os.Stderr, "\nSCRFD %dpx on %s: %.1f ms avg (%.1f FPS), best %.1f ms, worst %.1f ms, %d faces\n",
		cfg.DetectionSize, det.Provider(), ms(avg), 1000/ms(avg), ms(best), ms(worst), faces)
	return nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
