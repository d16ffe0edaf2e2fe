// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package epoch reduces a fixed-rate accelerometer stream to one summary
// record per epoch.
package epoch

import (
	"time"

	"github.com/tviviano/actilog/pkg/block"
)

// Sample is one accelerometer reading, scaled so that OneG is 1 g.
type Sample struct {
	X, Y, Z int16
}

// OneG is the sample value of 1 g.
const OneG = 4096

// Config sets the expected sample rate and epoch length.
type Config struct {
	SampleRate uint32 // Hz, after resampling
	Interval   time.Duration
}

// Expected returns the number of samples a complete epoch holds.
func (c Config) Expected() uint32 {
	return c.SampleRate * uint32(c.Interval/time.Second)
}

// Accumulator collects one epoch of statistics. Call StartEpoch at every
// epoch boundary and Finalize to produce the record.
type Accumulator struct {
	config Config
	start  time.Time

	sum     uint64
	count   uint32
	events  block.EventFlags
	levels  block.EventFlags
	steps   uint32
	prompts uint8
	muted   uint8
}

// NewAccumulator creates an accumulator for the given configuration.
func NewAccumulator(config Config) *Accumulator {
	return &Accumulator{config: config}
}

// StartEpoch resets every counter and records the epoch start. Level
// flags set with SetLevel carry into the new epoch.
func (a *Accumulator) StartEpoch(start time.Time) {
	a.start = start
	a.sum = 0
	a.count = 0
	a.events = a.levels
	a.steps = 0
	a.prompts = 0
	a.muted = 0
}

// Start returns the start time of the current epoch.
func (a *Accumulator) Start() time.Time {
	return a.start
}

// SampleCount returns how many samples the current epoch holds.
func (a *Accumulator) SampleCount() uint32 {
	return a.count
}

// AddSample folds one sample's vector magnitude into the epoch.
func (a *Accumulator) AddSample(x, y, z int16) {
	a.sum += uint64(SVM(x, y, z))
	a.count++
}

// AddSamples folds a batch of samples.
func (a *Accumulator) AddSamples(samples []Sample) {
	for _, s := range samples {
		a.AddSample(s.X, s.Y, s.Z)
	}
}

// AddSteps adds to the epoch step count.
func (a *Accumulator) AddSteps(n uint32) {
	a.steps += n
	if a.steps > block.MaxSteps {
		a.steps = block.MaxSteps
	}
}

// RecordEvent ORs flags into the epoch bitmap.
func (a *Accumulator) RecordEvent(flags block.EventFlags) {
	a.events |= flags
}

// SetLevel sets or clears a level flag. A level flag is present in every
// epoch for as long as it is set; changing it raises transition once.
func (a *Accumulator) SetLevel(flag, transition block.EventFlags, on bool) {
	was := a.levels&flag != 0
	if on {
		a.levels |= flag
		a.events |= flag
	} else {
		a.levels &^= flag
	}
	if was != on {
		a.events |= transition
	}
}

// RecordPrompt counts a delivered prompt, or a muted one.
func (a *Accumulator) RecordPrompt(muted bool) {
	if muted {
		if a.muted < block.MaxMutedPrompts {
			a.muted++
		}
		return
	}
	if a.prompts < block.MaxPrompts {
		a.prompts++
	}
}

// Finalize produces the epoch record. The mean is only reported when at
// least half of the expected samples were seen.
func (a *Accumulator) Finalize() block.Record {
	r := block.Record{
		Events:       a.events,
		Prompts:      a.prompts,
		MutedPrompts: a.muted,
		Steps:        uint16(a.steps),
	}
	expected := uint64(a.config.Expected())
	if a.count > 0 && uint64(a.count)*2 >= expected {
		mean := a.sum / uint64(a.count)
		if mean > uint64(block.MeanMax) {
			mean = uint64(block.MeanMax)
		}
		r.MeanSVM = uint16(mean)
		r.HasMean = true
	}
	return r
}
