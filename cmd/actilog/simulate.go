// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tviviano/actilog/internal/config"
	"github.com/tviviano/actilog/pkg/epoch"
	"github.com/tviviano/actilog/pkg/store"
)

// simStart is the simulated clock origin, aligned to a minute.
var simStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type simOptions struct {
	epochs        int
	files         uint32
	blocksPerFile uint32
	restartEvery  int
}

func newSimulateCmd(load func() (*config.Config, error)) *cobra.Command {
	var opts simOptions

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive an in-memory log with a synthetic sensor feed",
		Long: `Drive an in-memory log with a synthetic accelerometer feed on a
simulated clock, then print the resulting log state.

Examples:
  actilog simulate --epochs 1440
  actilog simulate --epochs 500 --files 2 --blocks 4 --restart-every 100`,
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
			if opts.files > 0 {
				sc.NumFiles = opts.files
			}
			if opts.blocksPerFile > 0 {
				sc.BlocksPerFile = opts.blocksPerFile
			}

			st, err := simulate(afero.NewMemMapFs(), sc, opts)
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.epochs, "epochs", 60, "epochs to simulate")
	cmd.Flags().Uint32Var(&opts.files, "files", 0, "files in the rotation (default from config)")
	cmd.Flags().Uint32Var(&opts.blocksPerFile, "blocks", 0, "blocks per file (default from config)")
	cmd.Flags().IntVar(&opts.restartEvery, "restart-every", 0, "reopen the log every N epochs")
	return cmd
}

// simulate runs opts.epochs epochs through a log on fs and returns the
// state just before the final close.
func simulate(fs afero.Fs, sc store.Config, opts simOptions) (store.Stats, error) {
	if opts.epochs <= 0 {
		return store.Stats{}, errors.New("epochs must be greater than 0")
	}

	now := simStart
	clock := func() time.Time { return now }
	open := func() (*store.Log, error) {
		return store.Open(fs, sc, store.WithClock(clock))
	}

	log, err := open()
	if err != nil {
		return store.Stats{}, err
	}

	seconds := int(sc.EpochInterval / time.Second)
	batch := make([]epoch.Sample, sc.SampleRate)
	for e := 0; e < opts.epochs; e++ {
		if opts.restartEvery > 0 && e > 0 && e%opts.restartEvery == 0 {
			if err := log.Close(); err != nil {
				return store.Stats{}, err
			}
			if log, err = open(); err != nil {
				return store.Stats{}, err
			}
		}

		for s := 0; s < seconds; s++ {
			fillSynthetic(batch, e*seconds+s)
			log.AddSamples(batch)
			if (e+s)%3 == 0 {
				log.AddSteps(uint32(1 + e%4))
			}
			now = now.Add(time.Second)
			log.Update(now)
		}
	}

	st := log.Stats()
	return st, log.Close()
}

// fillSynthetic writes a slow triangle wave on each axis around 1 g.
func fillSynthetic(batch []epoch.Sample, second int) {
	for i := range batch {
		phase := int16((second*len(batch) + i) % 64)
		if phase >= 32 {
			phase = 63 - phase
		}
		batch[i] = epoch.Sample{X: phase * 16, Y: -phase * 8, Z: 4096 - phase*4}
	}
}

func printStats(w io.Writer, st store.Stats) {
	fmt.Fprintf(w, "Active block:    %d (file %d, %d epochs)\n",
		st.ActiveLogicalBlock, st.ActiveFile, st.ActiveEpochs)
	if st.HasEarliest {
		fmt.Fprintf(w, "Earliest block:  %d\n", st.EarliestLogicalBlock)
	}
	fmt.Fprintf(w, "Stored blocks:   %s\n", formatNumber(uint64(st.StoredBlocks)))
	fmt.Fprintf(w, "Recovery:        %s\n", st.Recovery)
	fmt.Fprintln(w)

	d := st.Diagnostics
	fmt.Fprintf(w, "Epochs written:  %s\n", formatNumber(uint64(d.EpochsWritten)))
	fmt.Fprintf(w, "Blocks written:  %s\n", formatNumber(uint64(d.BlocksWritten)))
	fmt.Fprintf(w, "Files evicted:   %d\n", d.FilesEvicted)
	fmt.Fprintf(w, "Append failures: %d\n", d.AppendFailures)
	fmt.Fprintf(w, "Time jumps:      %d\n", d.TimeDiscontinuity)
	fmt.Fprintln(w)

	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"File", "Blocks", "First", "Last", "Errors", "Active"})
	for _, f := range st.Files {
		first, last := "-", "-"
		if f.Blocks > 0 {
			first = strconv.FormatUint(uint64(f.First), 10)
			last = strconv.FormatUint(uint64(f.Last), 10)
		}
		active := ""
		if f.WriteFocus {
			active = "*"
		}
		tbl.Append([]string{
			f.Name,
			strconv.FormatUint(uint64(f.Blocks), 10),
			first,
			last,
			fmt.Sprintf("%#x", uint32(f.ErrorBits)),
			active,
		})
	}
	tbl.Render()
}
