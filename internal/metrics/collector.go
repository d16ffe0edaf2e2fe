// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package metrics exports the activity log state to Prometheus.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tviviano/actilog/internal/service"
	"github.com/tviviano/actilog/pkg/store"
)

const namespace = "actilog"

// StatsFunc returns the current log snapshot.
type StatsFunc func(ctx context.Context) (service.Stats, error)

type counter struct {
	desc  *prometheus.Desc
	value func(*service.Stats) float64
}

// Collector reads a fresh snapshot on every scrape.
type Collector struct {
	stats   StatsFunc
	timeout time.Duration
	logger  *zap.Logger

	counters    []counter
	active      *prometheus.Desc
	earliest    *prometheus.Desc
	stored      *prometheus.Desc
	activeEpoch *prometheus.Desc
	dropped     *prometheus.Desc
	fileBlocks  *prometheus.Desc
	fileErrors  *prometheus.Desc
	readByWhy   *prometheus.Desc
	appendByWhy *prometheus.Desc
	up          *prometheus.Desc
}

// NewCollector creates a collector over stats.
func NewCollector(stats StatsFunc, logger *zap.Logger) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	diag := func(name, help string, v func(*service.Stats) uint32) counter {
		return counter{
			desc:  desc(name, help),
			value: func(s *service.Stats) float64 { return float64(v(s)) },
		}
	}

	return &Collector{
		stats:   stats,
		timeout: 2 * time.Second,
		logger:  logger,
		counters: []counter{
			diag("read_failures_total", "Physical block reads that failed.",
				func(s *service.Stats) uint32 { return s.Diagnostics.ReadFailures }),
			diag("append_failures_total", "Physical block appends that failed.",
				func(s *service.Stats) uint32 { return s.Diagnostics.AppendFailures }),
			diag("write_exhausted_total", "Blocks dropped because no file accepted the write.",
				func(s *service.Stats) uint32 { return s.Diagnostics.WriteExhausted }),
			diag("index_mismatches_total", "Reads whose header index differed from the map.",
				func(s *service.Stats) uint32 { return s.Diagnostics.IndexMismatches }),
			diag("blocks_written_total", "Blocks appended to files.",
				func(s *service.Stats) uint32 { return s.Diagnostics.BlocksWritten }),
			diag("files_evicted_total", "Files deleted to make room.",
				func(s *service.Stats) uint32 { return s.Diagnostics.FilesEvicted }),
			diag("wipes_total", "Times all data was destroyed.",
				func(s *service.Stats) uint32 { return s.Diagnostics.Wipes }),
			diag("epochs_written_total", "Epoch records written into blocks.",
				func(s *service.Stats) uint32 { return s.Diagnostics.EpochsWritten }),
			diag("time_discontinuities_total", "Epoch clock jumps that forced a flush.",
				func(s *service.Stats) uint32 { return s.Diagnostics.TimeDiscontinuity }),
		},
		active:      desc("active_logical_block", "Logical index of the in-RAM block."),
		earliest:    desc("earliest_logical_block", "Oldest readable logical index."),
		stored:      desc("stored_blocks", "Blocks held in files."),
		activeEpoch: desc("active_block_epochs", "Epoch records in the in-RAM block."),
		dropped:     desc("dropped_samples_total", "Sensor samples lost between polls."),
		fileBlocks:  desc("file_blocks", "Blocks held per file.", "file"),
		fileErrors:  desc("file_error_bits", "Sticky error bitmap per file.", "file"),
		readByWhy:   desc("read_failures_by_reason_total", "Failed physical reads by reason.", "reason"),
		appendByWhy: desc("append_failures_by_reason_total", "Failed physical appends by reason.", "reason"),
		up:          desc("up", "Whether the log service answered the scrape."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, ctr := range c.counters {
		ch <- ctr.desc
	}
	ch <- c.active
	ch <- c.earliest
	ch <- c.stored
	ch <- c.activeEpoch
	ch <- c.dropped
	ch <- c.fileBlocks
	ch <- c.fileErrors
	ch <- c.readByWhy
	ch <- c.appendByWhy
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	st, err := c.stats(ctx)
	if err != nil {
		c.logger.Debug("metrics scrape without stats", zap.Error(err))
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)

	for _, ctr := range c.counters {
		ch <- prometheus.MustNewConstMetric(ctr.desc, prometheus.CounterValue, ctr.value(&st))
	}
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(st.ActiveLogicalBlock))
	if st.HasEarliest {
		ch <- prometheus.MustNewConstMetric(c.earliest, prometheus.GaugeValue, float64(st.EarliestLogicalBlock))
	}
	ch <- prometheus.MustNewConstMetric(c.stored, prometheus.GaugeValue, float64(st.StoredBlocks))
	ch <- prometheus.MustNewConstMetric(c.activeEpoch, prometheus.GaugeValue, float64(st.ActiveEpochs))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(st.DroppedSamples))

	emitReasons(ch, c.readByWhy, st.Diagnostics.ReadFailuresByReason)
	emitReasons(ch, c.appendByWhy, st.Diagnostics.AppendFailuresByReason)

	for i, f := range st.Files {
		file := strconv.Itoa(i)
		ch <- prometheus.MustNewConstMetric(c.fileBlocks, prometheus.GaugeValue, float64(f.Blocks), file)
		ch <- prometheus.MustNewConstMetric(c.fileErrors, prometheus.GaugeValue, float64(f.ErrorBits), file)
	}
}

// emitReasons exports the non-zero counters only.
func emitReasons(ch chan<- prometheus.Metric, desc *prometheus.Desc, counts store.ReasonCounts) {
	for r, n := range counts {
		if n == 0 {
			continue
		}
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(n), store.Reason(r).String())
	}
}
