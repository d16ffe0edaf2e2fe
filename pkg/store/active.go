// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package store

import (
	"time"

	"github.com/tviviano/actilog/pkg/block"
)

// activeBlock is the single in-RAM block accepting epoch records.
type activeBlock struct {
	buf   block.Block
	start time.Time
	count int
}

func (a *activeBlock) reset(start time.Time) {
	a.buf.Erase()
	a.start = start
	a.count = 0
}

// write stores r in the next free slot. A full block drops the record;
// callers flush before that can happen.
func (a *activeBlock) write(r block.Record) bool {
	if !a.buf.SetRecord(a.count, r) {
		return false
	}
	a.count++
	return true
}

func (a *activeBlock) full() bool {
	return a.count >= block.RecordsPerBlock
}

// finalize writes the header and checksum over the current contents. It
// may be called any number of times.
func (a *activeBlock) finalize(h *block.Header) {
	h.StartTime = uint32(a.start.Unix())
	h.SampleCount = a.count
	a.buf.SetHeader(h)
	a.buf.Seal()
}

// startNewBlock empties the active block and starts the first epoch at start.
func (l *Log) startNewBlock(start time.Time) {
	l.active.reset(start)
	l.acc.StartEpoch(start)
}

func (l *Log) finalizeActive() {
	h := block.Header{
		LogicalIndex:    l.activeIndex,
		DeviceAddress:   l.config.DeviceAddress,
		EpochInterval:   l.config.EpochInterval,
		ConfigurationID: l.config.ConfigurationID,
		Battery:         l.battery,
		HasBattery:      l.hasBattery,
		Sensor:          l.config.Sensor,
		Temperature:     l.temp,
		HasTemperature:  l.hasTemp,
		FirmwareVersion: l.config.FirmwareVersion,
	}
	l.active.finalize(&h)
}
