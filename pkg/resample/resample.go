// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package resample converts a sensor stream delivered at the sensor's own
// rate into the fixed rate expected by the epoch accumulator.
package resample

import (
	"github.com/cockroachdb/errors"

	"github.com/tviviano/actilog/pkg/epoch"
)

var ErrInvalidRate = errors.New("resample: rates must be greater than 0")

// Converter changes the rate of a 3-axis stream. Push consumes input
// samples and returns the output samples they complete.
type Converter interface {
	Push(in []epoch.Sample) []epoch.Sample
	Reset()
}

const fracOne = 1 << 16

// Linear is a fixed-point linear interpolating converter.
type Linear struct {
	step    int64 // input samples per output sample, Q16
	next    int64 // next output position relative to prev, Q16
	prev    epoch.Sample
	started bool
}

// NewLinear returns a converter from inRate to outRate (both Hz).
func NewLinear(inRate, outRate uint32) (*Linear, error) {
	if inRate == 0 || outRate == 0 {
		return nil, ErrInvalidRate
	}
	l := &Linear{step: int64(inRate) * fracOne / int64(outRate)}
	if l.step == 0 {
		l.step = 1
	}
	l.Reset()
	return l, nil
}

// Reset forgets the stream position.
func (l *Linear) Reset() {
	l.next = fracOne
	l.started = false
}

// Push implements Converter.
func (l *Linear) Push(in []epoch.Sample) []epoch.Sample {
	var out []epoch.Sample
	for _, cur := range in {
		if !l.started {
			l.prev = cur
			l.started = true
		}
		for l.next <= fracOne {
			out = append(out, lerp(l.prev, cur, l.next))
			l.next += l.step
		}
		l.next -= fracOne
		l.prev = cur
	}
	return out
}

func lerp(a, b epoch.Sample, frac int64) epoch.Sample {
	mix := func(p, q int16) int16 {
		return int16(int64(p) + (int64(q)-int64(p))*frac/fracOne)
	}
	return epoch.Sample{X: mix(a.X, b.X), Y: mix(a.Y, b.Y), Z: mix(a.Z, b.Z)}
}

// Adapter receives polled sample batches from the sensor driver and
// forwards only genuinely new samples, converted, to the sink.
type Adapter struct {
	conv      Converter
	sink      func([]epoch.Sample)
	lastTotal uint64
	seeded    bool
	dropped   uint64
}

// NewAdapter wires a converter to a sink.
func NewAdapter(conv Converter, sink func([]epoch.Sample)) *Adapter {
	return &Adapter{conv: conv, sink: sink}
}

// Deliver takes the driver's latest batch and its running total sample
// counter. Samples already seen in a previous poll are skipped; if the
// counter moved further than the batch covers, the gap is counted as
// dropped and the converter restarts. A counter below the previous one
// means the driver restarted: the converter is reset and the batch is
// taken as the last total samples since the restart.
func (a *Adapter) Deliver(batch []epoch.Sample, total uint64) int {
	fresh := batch
	if a.seeded {
		if total == a.lastTotal {
			return 0
		}
		n := total - a.lastTotal
		if total < a.lastTotal {
			a.conv.Reset()
			n = total
		}
		if n < uint64(len(batch)) {
			fresh = batch[uint64(len(batch))-n:]
		} else if n > uint64(len(batch)) {
			a.dropped += n - uint64(len(batch))
			a.conv.Reset()
		}
	}
	a.lastTotal = total
	a.seeded = true

	out := a.conv.Push(fresh)
	if len(out) > 0 && a.sink != nil {
		a.sink(out)
	}
	return len(out)
}

// Dropped returns how many samples were lost between polls.
func (a *Adapter) Dropped() uint64 {
	return a.dropped
}
