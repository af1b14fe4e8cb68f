package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dudu/facepreview/internal/config"
	"github.com/dudu/facepreview/internal/logger"
)

// Version is the application version.
const Version = "0.1.0"

var (
	envFile string
	logOpts logger.Options
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:           "facepreview",
	Short:         "Live camera preview with face detection overlay",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(envFile)
		if err != nil {
			return err
		}
		cfg = loaded

		// flags win over the environment
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logOpts.Level
		}
		if cmd.Flags().Changed("log-file") {
			cfg.LogFile = logOpts.File
		}
		logger.Setup(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile, NoColor: logOpts.NoColor})
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load (ignored when missing)")
	rootCmd.PersistentFlags().StringVar(&logOpts.Level, "log-level", "info", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logOpts.File, "log-file", "", "Rotating log file (disabled when empty)")
	rootCmd.PersistentFlags().BoolVar(&logOpts.NoColor, "no-color", false, "Disable colored log output")
}
