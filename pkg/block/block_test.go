// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package block

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutConstants(t *testing.T) {
	assert.Equal(t, 28, RecordsPerBlock)
	assert.Equal(t, Size, HeaderSize+RecordsPerBlock*RecordSize+ChecksumSize)
}

func TestSealVerify(t *testing.T) {
	var b Block
	b.Erase()
	b.SetHeader(&Header{LogicalIndex: 42, StartTime: 1700000000, SampleCount: 3})
	for i := 0; i < 3; i++ {
		b.SetRecord(i, Record{Steps: uint16(i * 10), MeanSVM: 4096, HasMean: true})
	}
	b.Seal()
	require.True(t, b.Verify())

	// Re-sealing after a change keeps the sum at zero.
	b.SetRecord(3, Record{Events: EventInteraction})
	require.False(t, b.Verify())
	b.Seal()
	require.True(t, b.Verify())

	b[100] ^= 0x01
	require.False(t, b.Verify())
}

func TestHeaderFields(t *testing.T) {
	h := Header{
		LogicalIndex:    7,
		DeviceAddress:   [6]byte{1, 2, 3, 4, 5, 6},
		StartTime:       1700000060,
		SampleCount:     300,
		EpochInterval:   10 * time.Minute,
		ConfigurationID: 0xDEADBEEF,
		Battery:         87,
		HasBattery:      true,
		Sensor:          SensorInfo{Type: 1, Range: 3, Rate: 5},
		Temperature:     -12,
		HasTemperature:  true,
		FirmwareVersion: 9,
	}
	var b Block
	b.Erase()
	b.SetHeader(&h)

	got, err := b.Header()
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, got.Version)
	assert.Equal(t, uint32(7), got.LogicalIndex)
	assert.Equal(t, h.DeviceAddress, got.DeviceAddress)
	assert.Equal(t, 255, got.SampleCount, "sample count saturates")
	assert.Equal(t, 255*time.Second, got.EpochInterval, "interval saturates")
	assert.Equal(t, uint32(0xDEADBEEF), got.ConfigurationID)
	assert.Equal(t, uint8(87), got.Battery)
	assert.True(t, got.HasBattery)
	assert.Equal(t, h.Sensor, got.Sensor)
	assert.Equal(t, int8(-12), got.Temperature)
	assert.True(t, got.HasTemperature)
	assert.Equal(t, uint8(9), got.FirmwareVersion)
	assert.Equal(t, time.Unix(1700000060, 0).UTC(), got.Start())
}

func TestHeaderUnknownReadings(t *testing.T) {
	var b Block
	b.Erase()
	b.SetHeader(&Header{})
	assert.Equal(t, byte(0xFF), b[26])
	assert.Equal(t, byte(0x80), b[28])

	got, err := b.Header()
	require.NoError(t, err)
	assert.False(t, got.HasBattery)
	assert.False(t, got.HasTemperature)
}

func TestPeekIndex(t *testing.T) {
	var b Block
	b.Erase()
	b.SetHeader(&Header{LogicalIndex: 1234})

	idx, err := PeekIndex(b[:PeekSize])
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), idx)

	_, err = PeekIndex(b[:4])
	assert.ErrorIs(t, err, ErrShortHeader)

	b[0] = 'X'
	_, err = PeekIndex(b[:])
	assert.ErrorIs(t, err, ErrBadMagic)

	b.SetHeader(&Header{})
	b[2] = 0
	_, err = PeekIndex(b[:])
	assert.ErrorIs(t, err, ErrBadLength)

	var erased Block
	erased.Erase()
	_, err = PeekIndex(erased[:])
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestRecordPacking(t *testing.T) {
	buf := make([]byte, RecordSize)
	Record{
		Events:       EventRestart | EventPowered,
		Prompts:      9,
		MutedPrompts: 2,
		Steps:        5000,
		MeanSVM:      0xFFFF,
		HasMean:      true,
		Reserved:     0x1234,
	}.Encode(buf)

	got := DecodeRecord(buf)
	assert.Equal(t, EventRestart|EventPowered, got.Events)
	assert.Equal(t, uint8(MaxPrompts), got.Prompts)
	assert.Equal(t, uint8(2), got.MutedPrompts)
	assert.Equal(t, uint16(MaxSteps), got.Steps)
	assert.Equal(t, MeanMax, got.MeanSVM, "a valid mean never encodes as the no-data sentinel")
	assert.True(t, got.HasMean)
	assert.Equal(t, uint16(0x1234), got.Reserved)

	Record{Steps: 12}.Encode(buf)
	got = DecodeRecord(buf)
	assert.False(t, got.HasMean)
	assert.Equal(t, MeanNoData, got.MeanSVM)
	assert.Equal(t, uint16(12), got.Steps)
}

func TestSetRecordCapacity(t *testing.T) {
	var b Block
	b.Erase()
	before := b
	assert.False(t, b.SetRecord(RecordsPerBlock, Record{Steps: 1}))
	assert.False(t, b.SetRecord(-1, Record{Steps: 1}))
	assert.Equal(t, before, b)
	assert.Len(t, b.Records(RecordsPerBlock+5), RecordsPerBlock)
}

func TestSensorInfo(t *testing.T) {
	s := SensorInfo{Type: 2, Range: 4, Rate: 6}
	assert.Equal(t, s, DecodeSensorInfo(s.Encode()))
	assert.Equal(t, byte(0xFF), SensorInfo{Type: 0xFF, Range: 0xFF, Rate: 0xFF}.Encode())
}

func TestChecksumOddLength(t *testing.T) {
	assert.Equal(t, uint16(0x0201+0x03), Checksum([]byte{1, 2, 3}))
}

func TestEventNames(t *testing.T) {
	f, ok := ParseEvent("cue_snoozed")
	require.True(t, ok)
	assert.Equal(t, EventCueSnoozed, f)

	_, ok = ParseEvent("bogus")
	assert.False(t, ok)

	assert.Equal(t, []string{"powered", "restart", "bit15"}, (EventPowered | EventRestart | 1<<15).Names())
	assert.Empty(t, EventFlags(0).Names())
}
