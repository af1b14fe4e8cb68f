package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tsawler/go-metal/checkpoints"

	"github.com/dudu/facepreview/internal/inference"
)

var inspectMetal bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <model.onnx>",
	Short: "Print a model's inputs, outputs and metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0], cfg.OrtLibPath, inspectMetal)
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectMetal, "metal", false, "Also check whether go-metal can import the graph")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(modelPath, libPath string, metal bool) error {
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("model not found: %w", err)
	}

	if err := inference.Initialize(libPath); err != nil {
		return err
	}
	defer inference.Shutdown()

	info, err := inference.Inspect(modelPath)
	if err != nil {
		return err
	}

	fmt.Printf("Model: %s\n", modelPath)
	fmt.Printf("\nInputs (%d):\n", len(info.Inputs))
	for _, t := range info.Inputs {
		fmt.Printf("  %s: shape=%v, type=%s\n", t.Name, t.Shape, t.DataType)
	}
	fmt.Printf("\nOutputs (%d):\n", len(info.Outputs))
	for _, t := range info.Outputs {
		fmt.Printf("  %s: shape=%v, type=%s\n", t.Name, t.Shape, t.DataType)
	}

	fmt.Println("\nMetadata:")
	fmt.Printf("  Producer: %s\n", info.Producer)
	fmt.Printf("  Version: %d\n", info.Version)
	if info.Domain != "" {
		fmt.Printf("  Domain: %s\n", info.Domain)
	}
	if info.Description != "" {
		fmt.Printf("  Description: %s\n", info.Description)
	}

	if metal {
		inspectMetalImport(modelPath)
	}
	return nil
}

// inspectMetalImport reports whether go-metal's importer understands the
// graph. Detection models usually use operators it does not support, which is
// reported rather than treated as an error.
func inspectMetalImport(modelPath string) {
	fmt.Println("\ngo-metal import:")
	checkpoint, err := checkpoints.NewONNXImporter().ImportFromONNX(modelPath)
	if err != nil {
		fmt.Printf("  not supported: %v\n", err)
		return
	}

	fmt.Printf("  Layers: %d\n", len(checkpoint.ModelSpec.Layers))
	fmt.Printf("  Weights: %d tensors\n", len(checkpoint.Weights))
	for i, layer := range checkpoint.ModelSpec.Layers {
		fmt.Printf("  %d: %s (%s)\n", i+1, layer.Name, layer.Type)
	}
}
