// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the PolyForm Noncommercial License 1.0.0
// See LICENSE file for details.

package store

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tviviano/actilog/pkg/block"
	"github.com/tviviano/actilog/pkg/epoch"
)

var ErrLogClosed = errors.New("activity log is closed")

// FlushFunc is called after a block has been appended to a file.
type FlushFunc func(index uint32, b block.Block)

// EpochFunc is called after an epoch record has been written into the
// active block.
type EpochFunc func(start time.Time, r block.Record)

type options struct {
	logger  *zap.Logger
	clock   func() time.Time
	onFlush FlushFunc
	onEpoch EpochFunc
}

// Option configures a Log.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the time source used when opening or wiping the log.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithFlushHook registers fn to run after every successful append.
func WithFlushHook(fn FlushFunc) Option {
	return func(o *options) { o.onFlush = fn }
}

// WithEpochHook registers fn to run after every finalized epoch.
func WithEpochHook(fn EpochFunc) Option {
	return func(o *options) { o.onEpoch = fn }
}

// Log is an open activity log. A Log is not safe for concurrent use: all
// calls must come from one goroutine.
type Log struct {
	config Config
	opts   options
	logger *zap.Logger

	files  *fileStore
	acc    *epoch.Accumulator
	active activeBlock

	activeIndex uint32
	activeFile  int
	epoch       int64

	battery    uint8
	hasBattery bool
	temp       int8
	hasTemp    bool

	recovery RecoveryState
	diag     Diagnostics
	closed   bool
}

// Open scans the files in fs, rebuilds the logical map (wiping the files
// if they are inconsistent) and starts a new active block.
func Open(fs afero.Fs, config Config, opts ...Option) (*Log, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	o := options{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	l := &Log{
		config: config,
		opts:   o,
		logger: o.logger,
		acc:    epoch.NewAccumulator(config.epochConfig()),
	}
	l.files = newFileStore(fs, &l.config, &l.diag, l.logger)

	l.recover()

	now := o.clock()
	l.epoch = l.epochOf(now)
	l.startNewBlock(l.epochStart(l.epoch))
	l.acc.RecordEvent(block.EventRestart)

	l.logger.Info("activity log opened",
		zap.Stringer("recovery", l.recovery),
		zap.Uint32("active", l.activeIndex),
		zap.Int("file", l.activeFile),
		zap.Uint32("stored", l.files.totalBlocks()))
	return l, nil
}

// Close writes out the active block if it holds any complete epoch and
// releases the read handle. The epoch in progress is discarded.
func (l *Log) Close() error {
	if l.closed {
		return ErrLogClosed
	}
	if l.active.count > 0 {
		l.writeActive()
	}
	l.files.close()
	l.closed = true
	return nil
}

// Config returns the log configuration.
func (l *Log) Config() Config {
	return l.config
}

// Update advances the epoch clock. Crossing an epoch boundary finalizes
// the epoch into the active block, flushing the block when it is full or
// when the new epoch does not directly follow the previous one.
func (l *Log) Update(now time.Time) {
	if l.closed {
		return
	}
	next := l.epochOf(now)
	if next == l.epoch {
		return
	}

	start := l.acc.Start()
	rec := l.acc.Finalize()
	l.active.write(rec)
	l.diag.EpochsWritten++
	if l.opts.onEpoch != nil {
		l.opts.onEpoch(start, rec)
	}

	contiguous := next == l.epoch+1
	if !contiguous {
		l.diag.TimeDiscontinuity++
		l.logger.Info("epoch clock jumped",
			zap.Int64("from", l.epoch), zap.Int64("to", next))
	}
	l.epoch = next

	nextStart := l.epochStart(next)
	if l.active.full() || !contiguous {
		l.flush(nextStart)
		return
	}
	l.acc.StartEpoch(nextStart)
}

// AddSample adds one fixed-rate sample to the current epoch.
func (l *Log) AddSample(s epoch.Sample) {
	l.acc.AddSample(s.X, s.Y, s.Z)
}

// AddSamples adds a batch of fixed-rate samples to the current epoch.
func (l *Log) AddSamples(samples []epoch.Sample) {
	l.acc.AddSamples(samples)
}

// AddSteps adds to the current epoch's step count.
func (l *Log) AddSteps(n uint32) {
	l.acc.AddSteps(n)
}

// RecordEvent ORs flags into the current epoch.
func (l *Log) RecordEvent(flags block.EventFlags) {
	l.acc.RecordEvent(flags)
}

// RecordPrompt counts a delivered or muted prompt in the current epoch.
func (l *Log) RecordPrompt(muted bool) {
	l.acc.RecordPrompt(muted)
}

// SetPowered records the external power state.
func (l *Log) SetPowered(on bool) {
	l.acc.SetLevel(block.EventPowered, block.EventPowerChanged, on)
}

// SetConnected records the transfer link state.
func (l *Log) SetConnected(on bool) {
	l.acc.SetLevel(block.EventConnected, block.EventConnectionChanged, on)
}

// SetBattery records the battery level written into block headers.
func (l *Log) SetBattery(percent uint8) {
	l.battery, l.hasBattery = percent, true
}

// SetTemperature records the temperature written into block headers.
func (l *Log) SetTemperature(celsius int8) {
	l.temp, l.hasTemp = celsius, true
}

// ReadLogicalBlock copies logical block idx into out. The active block is
// finalized on demand. out is always filled: with 0xFF when idx is not
// available, in which case the result is false.
func (l *Log) ReadLogicalBlock(idx uint32, out *block.Block) bool {
	if l.closed {
		out.Erase()
		return false
	}
	if idx == l.activeIndex {
		l.finalizeActive()
		*out = l.active.buf
		return true
	}

	file, n, ok := l.logicalToPhysical(idx)
	if !ok {
		out.Erase()
		return false
	}
	got, ok := l.files.readPhysical(file, n, out)
	if !ok {
		return false
	}
	if got != idx {
		l.diag.IndexMismatches++
		l.diag.LastReadFailure = ReasonIndexMismatch
		l.files.files[file].errorBits.set(ReasonIndexMismatch)
		l.logger.Warn("logical index mismatch",
			zap.Uint32("want", idx), zap.Uint32("got", got), zap.Int("file", file))
		out.Erase()
		return false
	}
	return true
}

// DestroyData deletes every file and restarts the log at logical index 0.
func (l *Log) DestroyData() {
	if l.closed {
		return
	}
	l.destroyFiles()
	l.epoch = l.epochOf(l.opts.clock())
	l.startNewBlock(l.epochStart(l.epoch))
}

// Diagnostics returns a copy of the sticky counters.
func (l *Log) Diagnostics() Diagnostics {
	return l.diag
}

// Stats returns a snapshot of the log state.
func (l *Log) Stats() Stats {
	s := newStats(&l.config)
	s.ActiveLogicalBlock = l.activeIndex
	s.EarliestLogicalBlock, s.HasEarliest = l.EarliestLogicalBlock()
	s.ActiveFile = l.activeFile
	s.ActiveEpochs = l.active.count
	s.ActiveStart = l.active.start
	s.StoredBlocks = l.files.totalBlocks()
	s.Recovery = l.recovery.String()
	s.Diagnostics = l.diag
	s.Files = make([]FileStats, len(l.files.files))
	for i := range l.files.files {
		m := &l.files.files[i]
		fs := FileStats{
			Name:       l.files.name(i),
			Blocks:     m.blockCount,
			ErrorBits:  m.errorBits,
			WriteFocus: i == l.activeFile,
		}
		if m.blockCount > 0 {
			fs.First, fs.Last = m.first(), m.lastLogical
		}
		s.Files[i] = fs
	}
	return s
}

func (l *Log) epochOf(t time.Time) int64 {
	sec := t.Unix()
	iv := l.config.intervalSeconds()
	e := sec / iv
	if sec < 0 && sec%iv != 0 {
		e--
	}
	return e
}

func (l *Log) epochStart(e int64) time.Time {
	return time.Unix(e*l.config.intervalSeconds(), 0).UTC()
}
