// Package main implements the quarry command: the indexing and retrieval
// service plus operational subcommands for the change feed.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:          "quarry",
		Short:        "Embedding indexing and retrieval service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML config file")

	root.AddCommand(newServeCmd(logger))
	root.AddCommand(newIndexCmd(logger))
	root.AddCommand(newReprocessCmd())

	if err := root.Execute(); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}
