package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/VsevolodSauta/queuectl"
	"github.com/spf13/cobra"
)

const (
	defaultDataDir      = "./queuectl-data"
	defaultSettingsFile = "queuectl_config.json"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	settings, err := queuectl.NewSettings(defaultSettingsFile)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	backend, err := queuectl.NewBadgerBackend(defaultDataDir, logger)
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}
	defer backend.Close()

	rootCmd := &cobra.Command{
		Use:   "queuectl",
		Short: "A CLI-based background job queue for shell commands",
	}

	rootCmd.AddCommand(enqueueCmd(backend, settings))
	rootCmd.AddCommand(listCmd(backend))
	rootCmd.AddCommand(statusCmd(backend))
	rootCmd.AddCommand(workerCmd(backend, settings, logger))
	rootCmd.AddCommand(dlqCmd(backend, logger))
	rootCmd.AddCommand(configCmd(settings))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
