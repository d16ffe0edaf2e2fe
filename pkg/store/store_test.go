// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package store

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tviviano/actilog/pkg/block"
	"github.com/tviviano/actilog/pkg/epoch"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.NumFiles = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidNumFiles)

	bad = cfg
	bad.BlocksPerFile = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidBlocksPerFile)

	bad = cfg
	bad.EpochInterval = 1500 * time.Millisecond
	assert.ErrorIs(t, bad.Validate(), ErrInvalidInterval)

	bad = cfg
	bad.SampleRate = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSampleRate)

	bad = cfg
	bad.FilePattern = "actlog.bin"
	assert.Error(t, bad.Validate())

	assert.Equal(t, "actlog002.bin", cfg.FileName(2))
	assert.Equal(t, uint64(1024), cfg.Capacity())
	assert.Equal(t, 1024*28*time.Minute, cfg.Retention())
	assert.Equal(t, cfg.Retention(), DefaultConfig().Retention())
	assert.NoError(t, DefaultConfig().Validate())
}

func TestOpenEmpty(t *testing.T) {
	l, _ := openTestLog(t, afero.NewMemMapFs(), testConfig(4, 8))
	defer l.Close()

	assert.Equal(t, uint32(0), l.ActiveLogicalBlock())
	earliest, ok := l.EarliestLogicalBlock()
	assert.True(t, ok)
	assert.Equal(t, uint32(0), earliest)

	st := l.Stats()
	assert.Equal(t, "consistent", st.Recovery)
	assert.Equal(t, 256, st.BlockSize)
	assert.Equal(t, 28, st.RecordsPerBlock)
	assert.Equal(t, 60, st.EpochSeconds)
	assert.Len(t, st.Files, 4)
	assert.Zero(t, st.Diagnostics.Wipes)
}

func TestBlockFillsAtCapacity(t *testing.T) {
	l, clock := openTestLog(t, afero.NewMemMapFs(), testConfig(4, 8))
	defer l.Close()

	for i := 0; i < block.RecordsPerBlock; i++ {
		l.AddSteps(uint32(i))
		l.Update(clock.advance(time.Minute))
	}
	require.Equal(t, uint32(1), l.ActiveLogicalBlock(), "28th epoch fills and flushes block 0")
	assert.Equal(t, 0, l.Stats().ActiveEpochs)

	var b block.Block
	require.True(t, l.ReadLogicalBlock(0, &b))
	require.True(t, b.Verify())
	h, err := b.Header()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), h.LogicalIndex)
	assert.Equal(t, block.RecordsPerBlock, h.SampleCount)
	assert.Equal(t, uint32(t0.Unix()), h.StartTime)
	assert.Equal(t, time.Minute, h.EpochInterval)
	assert.Equal(t, [6]byte{0xC0, 0xFF, 0xEE, 0x00, 0x00, 0x01}, h.DeviceAddress)

	recs := b.Records(h.SampleCount)
	assert.Equal(t, block.EventRestart, recs[0].Events&block.EventRestart)
	assert.Zero(t, recs[1].Events&block.EventRestart)
	for i, r := range recs {
		assert.Equal(t, uint16(i), r.Steps)
	}

	// The 29th epoch lands in block 1.
	l.Update(clock.advance(time.Minute))
	assert.Equal(t, uint32(1), l.ActiveLogicalBlock())
	assert.Equal(t, 1, l.Stats().ActiveEpochs)
	require.True(t, l.ReadLogicalBlock(1, &b))
	h, err = b.Header()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), h.LogicalIndex)
	assert.Equal(t, 1, h.SampleCount)
	assert.Equal(t, uint32(t0.Add(28*time.Minute).Unix()), h.StartTime)
}

func TestEpochMean(t *testing.T) {
	l, clock := openTestLog(t, afero.NewMemMapFs(), testConfig(4, 8))
	defer l.Close()

	// 30 Hz * 60 s = 1800 expected samples.
	samples := make([]epoch.Sample, 900)
	for i := range samples {
		samples[i] = epoch.Sample{Z: epoch.OneG}
	}
	l.AddSamples(samples)
	l.Update(clock.advance(time.Minute))

	l.AddSamples(samples[:899])
	l.Update(clock.advance(time.Minute))

	var b block.Block
	require.True(t, l.ReadLogicalBlock(l.ActiveLogicalBlock(), &b))
	recs := b.Records(2)
	assert.True(t, recs[0].HasMean)
	assert.Equal(t, uint16(epoch.OneG), recs[0].MeanSVM)
	assert.False(t, recs[1].HasMean)
	assert.Equal(t, block.MeanNoData, recs[1].MeanSVM)
}

func TestReadActiveBlockIsIdempotent(t *testing.T) {
	l, clock := openTestLog(t, afero.NewMemMapFs(), testConfig(4, 8))
	defer l.Close()

	l.Update(clock.advance(time.Minute))
	l.SetBattery(80)
	l.SetTemperature(31)

	var a, b block.Block
	require.True(t, l.ReadLogicalBlock(0, &a))
	require.True(t, l.ReadLogicalBlock(0, &b))
	assert.Equal(t, a, b)
	assert.True(t, a.Verify())

	h, err := a.Header()
	require.NoError(t, err)
	assert.Equal(t, 1, h.SampleCount)
	assert.True(t, h.HasBattery)
	assert.Equal(t, uint8(80), h.Battery)
	assert.Equal(t, int8(31), h.Temperature)

	// New contents are picked up by the next read.
	l.Update(clock.advance(time.Minute))
	require.True(t, l.ReadLogicalBlock(0, &b))
	assert.NotEqual(t, a, b)
	assert.True(t, b.Verify())
}

func TestTimeJumpFlushes(t *testing.T) {
	l, clock := openTestLog(t, afero.NewMemMapFs(), testConfig(4, 8))
	defer l.Close()

	l.Update(clock.advance(time.Minute))
	l.Update(clock.advance(time.Minute))
	l.Update(clock.advance(time.Hour))

	assert.Equal(t, uint32(1), l.ActiveLogicalBlock())
	assert.Equal(t, uint32(1), l.Diagnostics().TimeDiscontinuity)

	var b block.Block
	require.True(t, l.ReadLogicalBlock(0, &b))
	h, _ := b.Header()
	assert.Equal(t, 3, h.SampleCount)

	st := l.Stats()
	assert.Equal(t, t0.Add(2*time.Minute+time.Hour), st.ActiveStart)
}

func TestReadMissingBlock(t *testing.T) {
	l, clock := openTestLog(t, afero.NewMemMapFs(), testConfig(4, 8))
	defer l.Close()
	flushBlocks(l, clock, 3)

	var b block.Block
	for _, idx := range []uint32{block.InvalidIndex, 4, 100} {
		assert.False(t, l.ReadLogicalBlock(idx, &b), "index %d", idx)
		assert.True(t, allFF(&b))
	}
	assert.True(t, l.ReadLogicalBlock(3, &b), "active block")
}

func TestEvictionTwoFiles(t *testing.T) {
	l, clock := openTestLog(t, afero.NewMemMapFs(), testConfig(2, 2))
	defer l.Close()

	flushBlocks(l, clock, 4)
	earliest, _ := l.EarliestLogicalBlock()
	assert.Equal(t, uint32(0), earliest)
	assert.Zero(t, l.Diagnostics().FilesEvicted)

	// The fifth block needs space: file 0 (blocks 0 and 1) is evicted
	// and reused.
	flushBlocks(l, clock, 1)
	assert.Equal(t, uint32(5), l.ActiveLogicalBlock())
	earliest, _ = l.EarliestLogicalBlock()
	assert.Equal(t, uint32(2), earliest)
	assert.Equal(t, uint32(1), l.Diagnostics().FilesEvicted)

	var b block.Block
	for idx := uint32(0); idx < 2; idx++ {
		assert.False(t, l.ReadLogicalBlock(idx, &b), "index %d", idx)
		assert.True(t, allFF(&b))
	}
	for idx := uint32(2); idx <= 5; idx++ {
		require.True(t, l.ReadLogicalBlock(idx, &b), "index %d", idx)
		h, err := b.Header()
		require.NoError(t, err)
		assert.Equal(t, idx, h.LogicalIndex)
	}

	st := l.Stats()
	assert.Equal(t, 0, st.ActiveFile)
	assert.Equal(t, uint32(1), st.Files[0].Blocks)
	assert.Equal(t, uint32(4), st.Files[0].First)
	assert.Equal(t, uint32(2), st.Files[1].Blocks)
}

func TestLogicalMonotonicity(t *testing.T) {
	l, clock := openTestLog(t, afero.NewMemMapFs(), testConfig(4, 3))
	defer l.Close()

	for i := 0; i < 40; i++ {
		l.AddSteps(1)
		if i%3 == 0 {
			l.Update(clock.advance(5 * time.Minute))
		} else {
			l.Update(clock.advance(time.Minute))
		}
	}

	earliest, ok := l.EarliestLogicalBlock()
	require.True(t, ok)
	active := l.ActiveLogicalBlock()
	require.Greater(t, active-earliest, uint32(8))

	var prevStart uint32
	for idx := earliest; idx < active; idx++ {
		var b block.Block
		require.True(t, l.ReadLogicalBlock(idx, &b), "index %d", idx)
		require.True(t, b.Verify())
		h, err := b.Header()
		require.NoError(t, err)
		assert.Equal(t, idx, h.LogicalIndex)
		if idx > earliest {
			assert.Greater(t, h.StartTime, prevStart)
		}
		prevStart = h.StartTime
	}
}

func TestReopenContinues(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(3, 2)
	l, clock := openTestLog(t, fs, cfg)
	flushBlocks(l, clock, 4)
	l.Update(clock.advance(time.Minute)) // one epoch in active block 4
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Close(), ErrLogClosed)

	l2, err := Open(fs, cfg, WithClock(func() time.Time { return clock.now.Add(time.Hour) }))
	require.NoError(t, err)
	defer l2.Close()

	assert.Equal(t, "consistent", l2.Stats().Recovery)
	assert.Equal(t, uint32(5), l2.ActiveLogicalBlock())
	earliest, _ := l2.EarliestLogicalBlock()
	assert.Equal(t, uint32(0), earliest)

	var b block.Block
	for idx := uint32(0); idx < 5; idx++ {
		require.True(t, l2.ReadLogicalBlock(idx, &b), "index %d", idx)
	}
	h, _ := b.Header()
	assert.Equal(t, 1, h.SampleCount)
	assert.Equal(t, 2, l2.Stats().ActiveFile)
}

func TestClosedLog(t *testing.T) {
	l, _ := openTestLog(t, afero.NewMemMapFs(), testConfig(2, 2))
	require.NoError(t, l.Close())

	var b block.Block
	assert.False(t, l.ReadLogicalBlock(0, &b))
	assert.True(t, allFF(&b))
	_, ok := l.EarliestLogicalBlock()
	assert.False(t, ok)
}

func TestDestroyData(t *testing.T) {
	fs := afero.NewMemMapFs()
	l, clock := openTestLog(t, fs, testConfig(2, 4))
	defer l.Close()
	flushBlocks(l, clock, 5)

	l.DestroyData()
	assert.Equal(t, uint32(0), l.ActiveLogicalBlock())
	assert.Equal(t, uint32(1), l.Diagnostics().Wipes)
	assert.Zero(t, l.Stats().StoredBlocks)
	for i := 0; i < 2; i++ {
		exists, err := afero.Exists(fs, l.config.FileName(i))
		require.NoError(t, err)
		assert.False(t, exists)
	}

	flushBlocks(l, clock, 1)
	var b block.Block
	assert.True(t, l.ReadLogicalBlock(0, &b))
}

func TestHooks(t *testing.T) {
	var flushed []uint32
	var epochs []time.Time
	l, clock := openTestLog(t, afero.NewMemMapFs(), testConfig(2, 4),
		WithFlushHook(func(idx uint32, b block.Block) {
			assert.True(t, b.Verify())
			flushed = append(flushed, idx)
		}),
		WithEpochHook(func(start time.Time, r block.Record) {
			epochs = append(epochs, start)
		}))
	defer l.Close()

	l.Update(clock.advance(time.Minute))
	flushBlocks(l, clock, 2)

	assert.Equal(t, []uint32{0, 1}, flushed)
	assert.Equal(t, []time.Time{t0, t0.Add(time.Minute), t0.Add(3 * time.Minute)}, epochs)
}

func TestLevelEventsAcrossBlocks(t *testing.T) {
	l, clock := openTestLog(t, afero.NewMemMapFs(), testConfig(2, 4))
	defer l.Close()

	l.SetPowered(true)
	l.Update(clock.advance(time.Minute))
	l.SetConnected(true)
	l.RecordPrompt(true)
	l.RecordEvent(block.EventCueSnoozed)
	l.Update(clock.advance(time.Minute))

	var b block.Block
	require.True(t, l.ReadLogicalBlock(0, &b))
	recs := b.Records(2)
	assert.Equal(t, block.EventRestart|block.EventPowered|block.EventPowerChanged, recs[0].Events)
	assert.Equal(t, block.EventPowered|block.EventConnected|block.EventConnectionChanged|block.EventCueSnoozed,
		recs[1].Events)
	assert.Equal(t, uint8(1), recs[1].MutedPrompts)
}

func TestReasonText(t *testing.T) {
	text, err := ReasonShortWrite.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "short_write", string(text))

	var r Reason
	require.NoError(t, r.UnmarshalText(text))
	assert.Equal(t, ReasonShortWrite, r)
	assert.Error(t, r.UnmarshalText([]byte("nope")))
	assert.Equal(t, "unknown", Reason(200).String())
}
