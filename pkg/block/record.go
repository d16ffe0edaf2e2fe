// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package block

import (
	"encoding/binary"
	"strconv"
)

// EventFlags is the per-epoch event bitmap. Bits are OR-accumulated over
// the epoch.
type EventFlags uint16

const (
	EventPowered           EventFlags = 1 << iota // external power present
	EventPowerChanged                             // power connected or removed
	EventConnected                                // transfer link connected
	EventConnectionChanged                        // link connected or dropped
	EventInteraction                              // button / wake gesture
	EventRestart                                  // first epoch after boot
	EventNotWorn                                  // not-worn inference
	EventAsleep                                   // asleep inference
	EventCueScheduled                             // a cue was due in this epoch
	EventCueSnoozed                               // a cue was snoozed
	EventCueDismissed                             // a cue was dismissed
	EventCueEnded                                 // cue schedule ended
)

var eventNames = [...]string{
	"powered",
	"power_changed",
	"connected",
	"connection_changed",
	"interaction",
	"restart",
	"not_worn",
	"asleep",
	"cue_scheduled",
	"cue_snoozed",
	"cue_dismissed",
	"cue_ended",
}

// ParseEvent returns the flag with the given name.
func ParseEvent(name string) (EventFlags, bool) {
	for i, n := range eventNames {
		if n == name {
			return 1 << i, true
		}
	}
	return 0, false
}

// Names lists the names of the set flags, lowest bit first. Unnamed bits
// are reported as "bitN".
func (f EventFlags) Names() []string {
	names := []string{}
	for i := 0; i < 16; i++ {
		if f&(1<<i) == 0 {
			continue
		}
		if i < len(eventNames) {
			names = append(names, eventNames[i])
		} else {
			names = append(names, "bit"+strconv.Itoa(i))
		}
	}
	return names
}

const (
	MaxPrompts      = 7
	MaxMutedPrompts = 7
	MaxSteps        = 1023

	// MeanNoData is the on-disk mean for an epoch with too few samples.
	MeanNoData uint16 = 0xFFFF
	// MeanMax is the largest encodable mean.
	MeanMax uint16 = 0xFFFE
)

// Record is one epoch summary (8 bytes on disk).
type Record struct {
	Events       EventFlags
	Prompts      uint8
	MutedPrompts uint8
	Steps        uint16

	MeanSVM uint16 // meaningful when HasMean
	HasMean bool

	Reserved uint16
}

// Encode writes the record into buf (at least RecordSize bytes).
func (r Record) Encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(r.Events))

	prompts := min(uint16(r.Prompts), MaxPrompts)
	muted := min(uint16(r.MutedPrompts), MaxMutedPrompts)
	steps := min(r.Steps, MaxSteps)
	binary.LittleEndian.PutUint16(buf[2:4], prompts<<13|muted<<10|steps)

	mean := MeanNoData
	if r.HasMean {
		mean = min(r.MeanSVM, MeanMax)
	}
	binary.LittleEndian.PutUint16(buf[4:6], mean)
	binary.LittleEndian.PutUint16(buf[6:8], r.Reserved)
}

// DecodeRecord reads a record from buf.
func DecodeRecord(buf []byte) Record {
	packed := binary.LittleEndian.Uint16(buf[2:4])
	mean := binary.LittleEndian.Uint16(buf[4:6])
	return Record{
		Events:       EventFlags(binary.LittleEndian.Uint16(buf[0:2])),
		Prompts:      uint8(packed >> 13),
		MutedPrompts: uint8(packed>>10) & MaxMutedPrompts,
		Steps:        packed & MaxSteps,
		MeanSVM:      mean,
		HasMean:      mean != MeanNoData,
		Reserved:     binary.LittleEndian.Uint16(buf[6:8]),
	}
}

// SensorInfo describes the accelerometer configuration stored in the
// header: type (bits 7-6), range code (bits 5-3), rate code (bits 2-0).
type SensorInfo struct {
	Type  uint8
	Range uint8
	Rate  uint8
}

// Encode packs the bit-fields; out of range values are masked.
func (s SensorInfo) Encode() byte {
	return (s.Type&0x3)<<6 | (s.Range&0x7)<<3 | s.Rate&0x7
}

// DecodeSensorInfo unpacks a sensor info byte.
func DecodeSensorInfo(b byte) SensorInfo {
	return SensorInfo{Type: b >> 6, Range: (b >> 3) & 0x7, Rate: b & 0x7}
}
