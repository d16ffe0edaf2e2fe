// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package main is the entry point for the actilog CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tviviano/actilog/internal/config"
)

const (
	defaultConfigPath = "config.json"
	version           = "actilog v0.3.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "actilog",
		Short:        "Activity log storage service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "",
		"config file, JSON or YAML (default: $ACTILOG_CONFIG or config.json)")

	load := func() (*config.Config, error) {
		return loadConfig(configPath)
	}

	root.AddCommand(
		newServeCmd(load),
		newSimulateCmd(load),
		newDumpCmd(load),
		newCalcCmd(load),
		&cobra.Command{
			Use:   "version",
			Short: "Show version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath
		if envPath := os.Getenv("ACTILOG_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.LoadFromEnv()
	return cfg, nil
}

func newLogger(mode string) (*zap.Logger, error) {
	if mode == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func formatNumber(n uint64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
