// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the PolyForm Noncommercial License 1.0.0
// See LICENSE file for details.

// Package service runs the activity log control loop.
//
// The log is single-threaded: every call into it happens on the goroutine
// running LogService.Run. Other goroutines submit closures and wait for them.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tviviano/actilog/pkg/block"
	"github.com/tviviano/actilog/pkg/epoch"
	"github.com/tviviano/actilog/pkg/resample"
	"github.com/tviviano/actilog/pkg/store"
)

var ErrStopped = errors.New("log service is not running")

// BlockSink receives every block appended to a file. Implementations must
// not block.
type BlockSink interface {
	BlockFlushed(index uint32, b block.Block)
}

// EpochSink receives every finalized epoch. Implementations must not block.
type EpochSink interface {
	EpochFinalized(start time.Time, r block.Record)
}

// Stats is the log snapshot plus service-level counters.
type Stats struct {
	store.Stats
	BootID         string `json:"boot_id"`
	DroppedSamples uint64 `json:"dropped_samples"`
	Running        bool   `json:"running"`
}

type options struct {
	logger    *zap.Logger
	clock     func() time.Time
	tick      time.Duration
	inputRate uint32
}

// Option configures a Service.
type Option func(*options)

// WithLogger sets the logger used by the service and the log.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the time source. Tests drive the loop with a fake clock.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithTick sets how often the loop calls Update.
func WithTick(d time.Duration) Option {
	return func(o *options) { o.tick = d }
}

// WithInputRate sets the rate the sensor driver delivers samples at. The
// default is the log's own sample rate.
func WithInputRate(hz uint32) Option {
	return func(o *options) { o.inputRate = hz }
}

// LogService owns an open activity log and its control loop.
type LogService struct {
	log     *store.Log
	adapter *resample.Adapter
	opts    options
	logger  *zap.Logger
	bootID  string

	cmds    chan func()
	stopped chan struct{}
	once    sync.Once

	mu         sync.RWMutex
	blockSinks map[int]BlockSink
	epochSinks map[int]EpochSink
	nextSink   int
}

// New opens the log on fs and prepares the control loop. Call Run to
// start it.
func New(fs afero.Fs, config store.Config, opts ...Option) (*LogService, error) {
	o := options{
		logger:    zap.NewNop(),
		clock:     time.Now,
		tick:      time.Second,
		inputRate: config.SampleRate,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &LogService{
		opts:       o,
		logger:     o.logger,
		bootID:     uuid.NewString(),
		cmds:       make(chan func()),
		stopped:    make(chan struct{}),
		blockSinks: make(map[int]BlockSink),
		epochSinks: make(map[int]EpochSink),
	}

	conv, err := resample.NewLinear(o.inputRate, config.SampleRate)
	if err != nil {
		return nil, errors.Wrapf(err, "resample %d Hz to %d Hz", o.inputRate, config.SampleRate)
	}

	log, err := store.Open(fs, config,
		store.WithLogger(o.logger.Named("store")),
		store.WithClock(o.clock),
		store.WithFlushHook(s.blockFlushed),
		store.WithEpochHook(s.epochFinalized))
	if err != nil {
		return nil, err
	}
	s.log = log
	s.adapter = resample.NewAdapter(conv, log.AddSamples)

	s.logger.Info("log service ready", zap.String("boot_id", s.bootID))
	return s, nil
}

// BootID identifies this run of the service.
func (s *LogService) BootID() string {
	return s.bootID
}

// Config returns the log configuration.
func (s *LogService) Config() store.Config {
	return s.log.Config()
}

// Run executes the control loop until ctx is done, then closes the log.
func (s *LogService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.tick)
	defer ticker.Stop()
	defer s.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.log.Update(s.opts.clock())
		case fn := <-s.cmds:
			fn()
		}
	}
}

func (s *LogService) stop() {
	s.once.Do(func() {
		if err := s.log.Close(); err != nil {
			s.logger.Warn("close log", zap.Error(err))
		}
		close(s.stopped)
		s.logger.Info("log service stopped")
	})
}

// do runs fn on the loop goroutine and waits for it to finish. Once the
// loop has accepted fn it always runs to completion.
func (s *LogService) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case s.cmds <- wrapped:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Tick runs Update with the current time without waiting for the ticker.
func (s *LogService) Tick(ctx context.Context) error {
	return s.do(ctx, func() { s.log.Update(s.opts.clock()) })
}

// ReadBlock copies logical block idx. ok is false (and the block all
// 0xFF) when idx is not available.
func (s *LogService) ReadBlock(ctx context.Context, idx uint32) (b block.Block, ok bool, err error) {
	err = s.do(ctx, func() {
		ok = s.log.ReadLogicalBlock(idx, &b)
	})
	if err != nil {
		b.Erase()
	}
	return b, ok, err
}

// Active returns the logical index of the in-RAM block.
func (s *LogService) Active(ctx context.Context) (idx uint32, err error) {
	err = s.do(ctx, func() {
		idx = s.log.ActiveLogicalBlock()
	})
	return idx, err
}

// Earliest returns the oldest readable logical index.
func (s *LogService) Earliest(ctx context.Context) (idx uint32, err error) {
	err = s.do(ctx, func() {
		var ok bool
		if idx, ok = s.log.EarliestLogicalBlock(); !ok {
			idx = block.InvalidIndex
		}
	})
	return idx, err
}

// Stats returns a snapshot of the log and service state.
func (s *LogService) Stats(ctx context.Context) (Stats, error) {
	st := Stats{BootID: s.bootID}
	err := s.do(ctx, func() {
		st.Stats = s.log.Stats()
		st.DroppedSamples = s.adapter.Dropped()
		st.Running = true
	})
	return st, err
}

// DeliverSamples passes a polled driver batch through the resampling
// adapter. total is the driver's running sample counter. It returns the
// number of samples that reached the log.
func (s *LogService) DeliverSamples(ctx context.Context, batch []epoch.Sample, total uint64) (n int, err error) {
	err = s.do(ctx, func() {
		n = s.adapter.Deliver(batch, total)
	})
	return n, err
}

// AddSteps adds to the current epoch's step count.
func (s *LogService) AddSteps(ctx context.Context, steps uint32) error {
	return s.do(ctx, func() { s.log.AddSteps(steps) })
}

// RecordEvent ORs flags into the current epoch.
func (s *LogService) RecordEvent(ctx context.Context, flags block.EventFlags) error {
	return s.do(ctx, func() { s.log.RecordEvent(flags) })
}

// RecordPrompt counts a prompt in the current epoch.
func (s *LogService) RecordPrompt(ctx context.Context, muted bool) error {
	return s.do(ctx, func() { s.log.RecordPrompt(muted) })
}

// SetPowered records the external power state.
func (s *LogService) SetPowered(ctx context.Context, on bool) error {
	return s.do(ctx, func() { s.log.SetPowered(on) })
}

// SetConnected records the transfer link state.
func (s *LogService) SetConnected(ctx context.Context, on bool) error {
	return s.do(ctx, func() { s.log.SetConnected(on) })
}

// SetBattery records the battery level.
func (s *LogService) SetBattery(ctx context.Context, percent uint8) error {
	return s.do(ctx, func() { s.log.SetBattery(percent) })
}

// SetTemperature records the device temperature.
func (s *LogService) SetTemperature(ctx context.Context, celsius int8) error {
	return s.do(ctx, func() { s.log.SetTemperature(celsius) })
}

// EpochInput is a set of epoch events and device state applied together.
// Nil fields are left unchanged.
type EpochInput struct {
	Steps        uint32
	Events       block.EventFlags
	Prompts      int
	MutedPrompts int
	Powered      *bool
	Connected    *bool
	Battery      *uint8
	Temperature  *int8
}

// Record applies in as one step of the control loop, so every field lands
// in the same epoch.
func (s *LogService) Record(ctx context.Context, in EpochInput) error {
	return s.do(ctx, func() {
		if in.Steps > 0 {
			s.log.AddSteps(in.Steps)
		}
		if in.Events != 0 {
			s.log.RecordEvent(in.Events)
		}
		for i := 0; i < in.Prompts; i++ {
			s.log.RecordPrompt(false)
		}
		for i := 0; i < in.MutedPrompts; i++ {
			s.log.RecordPrompt(true)
		}
		if in.Powered != nil {
			s.log.SetPowered(*in.Powered)
		}
		if in.Connected != nil {
			s.log.SetConnected(*in.Connected)
		}
		if in.Battery != nil {
			s.log.SetBattery(*in.Battery)
		}
		if in.Temperature != nil {
			s.log.SetTemperature(*in.Temperature)
		}
	})
}

// Destroy deletes all stored data and restarts at logical index 0.
func (s *LogService) Destroy(ctx context.Context) error {
	return s.do(ctx, func() {
		s.log.DestroyData()
		s.logger.Warn("log destroyed on request", zap.String("boot_id", s.bootID))
	})
}

// AddBlockSink registers sink and returns a function removing it.
func (s *LogService) AddBlockSink(sink BlockSink) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSink
	s.nextSink++
	s.blockSinks[id] = sink
	return func() {
		s.mu.Lock()
		delete(s.blockSinks, id)
		s.mu.Unlock()
	}
}

// AddEpochSink registers sink and returns a function removing it.
func (s *LogService) AddEpochSink(sink EpochSink) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSink
	s.nextSink++
	s.epochSinks[id] = sink
	return func() {
		s.mu.Lock()
		delete(s.epochSinks, id)
		s.mu.Unlock()
	}
}

func (s *LogService) blockFlushed(index uint32, b block.Block) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sink := range s.blockSinks {
		sink.BlockFlushed(index, b)
	}
}

func (s *LogService) epochFinalized(start time.Time, r block.Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sink := range s.epochSinks {
		sink.EpochFinalized(start, r)
	}
}
