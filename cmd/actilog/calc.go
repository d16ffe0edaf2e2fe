// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tviviano/actilog/internal/config"
	"github.com/tviviano/actilog/pkg/block"
	"github.com/tviviano/actilog/pkg/store"
)

func newCalcCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		files  uint32
		blocks uint32
		epoch  int
	)

	cmd := &cobra.Command{
		Use:   "calc",
		Short: "Calculate storage footprint and retention",
		Long: `Calculate the storage footprint and the retention window of a log
configuration. Values not given as flags come from the config file.

Examples:
  actilog calc
  actilog calc --files 8 --blocks 512 --epoch 30`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			sc, err := cfg.StoreConfig()
			if err != nil {
				return err
			}
			if files > 0 {
				sc.NumFiles = files
			}
			if blocks > 0 {
				sc.BlocksPerFile = blocks
			}
			if epoch > 0 {
				sc.EpochInterval = time.Duration(epoch) * time.Second
			}
			if err := sc.Validate(); err != nil {
				return err
			}
			printFootprint(cmd.OutOrStdout(), sc)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&files, "files", 0, "files in the rotation")
	cmd.Flags().Uint32Var(&blocks, "blocks", 0, "blocks per file")
	cmd.Flags().IntVar(&epoch, "epoch", 0, "epoch length in seconds")
	return cmd
}

func printFootprint(w io.Writer, sc store.Config) {
	fileSize := uint64(sc.FileSize())
	total := fileSize * uint64(sc.NumFiles)

	fmt.Fprintln(w, "=== Storage Footprint ===")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Configuration:\n")
	fmt.Fprintf(w, "  Files:            %d\n", sc.NumFiles)
	fmt.Fprintf(w, "  Blocks per file:  %s\n", formatNumber(uint64(sc.BlocksPerFile)))
	fmt.Fprintf(w, "  Block size:       %d bytes (%d epochs)\n", block.Size, block.RecordsPerBlock)
	fmt.Fprintf(w, "  Epoch:            %s\n", sc.EpochInterval)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Per file:        %s (%s)\n", formatNumber(fileSize), formatBytes(fileSize))
	fmt.Fprintf(w, "Total footprint: %s (%s)\n", formatNumber(total), formatBytes(total))
	fmt.Fprintln(w)

	// Retention drops by one file right after an eviction.
	blockSpan := time.Duration(block.RecordsPerBlock) * sc.EpochInterval
	worst := time.Duration(uint64(sc.NumFiles-1)*uint64(sc.BlocksPerFile)) * blockSpan

	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"", "Blocks", "Epochs", "Window"})
	tbl.Append([]string{"Full rotation",
		formatNumber(sc.Capacity()),
		formatNumber(sc.Capacity() * block.RecordsPerBlock),
		formatRetention(sc.Retention())})
	tbl.Append([]string{"After eviction",
		formatNumber(uint64(sc.NumFiles-1) * uint64(sc.BlocksPerFile)),
		formatNumber(uint64(sc.NumFiles-1) * uint64(sc.BlocksPerFile) * block.RecordsPerBlock),
		formatRetention(worst)})
	tbl.Render()
}

func formatRetention(d time.Duration) string {
	if d < 24*time.Hour {
		return d.Round(time.Minute).String()
	}
	hours := int(d / time.Hour)
	return fmt.Sprintf("%dd %dh", hours/24, hours%24)
}
