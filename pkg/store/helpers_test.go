// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package store

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/tviviano/actilog/pkg/block"
)

// t0 is aligned to a 60s epoch boundary.
var t0 = time.Unix(1700000040, 0).UTC()

var errInjected = errors.New("injected failure")

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

// faultFS fails, shortens or refuses to sync writes to selected files and
// counts seeks on read handles.
type faultFS struct {
	afero.Fs
	failAll    bool
	failWrite  map[string]bool
	shortWrite map[string]bool
	failSync   map[string]bool
	readSeeks  int
}

func newFaultFS(base afero.Fs) *faultFS {
	return &faultFS{
		Fs:         base,
		failWrite:  make(map[string]bool),
		shortWrite: make(map[string]bool),
		failSync:   make(map[string]bool),
	}
}

func (f *faultFS) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		file, err := f.Fs.OpenFile(name, flag, perm)
		if err != nil {
			return nil, err
		}
		return &seekCountFile{File: file, seeks: &f.readSeeks}, nil
	}
	if f.failAll || f.failWrite[name] {
		return nil, &os.PathError{Op: "open", Path: name, Err: errInjected}
	}
	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	switch {
	case f.shortWrite[name]:
		return &shortFile{File: file}, nil
	case f.failSync[name]:
		return &syncFailFile{File: file}, nil
	}
	return file, nil
}

type shortFile struct {
	afero.File
}

func (s *shortFile) Write(p []byte) (int, error) {
	return s.File.Write(p[:len(p)/2])
}

// syncFailFile writes normally but reports every Sync as failed.
type syncFailFile struct {
	afero.File
}

func (s *syncFailFile) Sync() error {
	return &os.PathError{Op: "sync", Path: s.Name(), Err: errInjected}
}

type seekCountFile struct {
	afero.File
	seeks *int
}

func (s *seekCountFile) Seek(offset int64, whence int) (int64, error) {
	*s.seeks++
	return s.File.Seek(offset, whence)
}

func testConfig(files, blocks uint32) Config {
	cfg := DefaultConfig()
	cfg.NumFiles = files
	cfg.BlocksPerFile = blocks
	cfg.DeviceAddress = [6]byte{0xC0, 0xFF, 0xEE, 0x00, 0x00, 0x01}
	return cfg
}

func openTestLog(t *testing.T, fs afero.Fs, cfg Config, opts ...Option) (*Log, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: t0}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	l, err := Open(fs, cfg, opts...)
	require.NoError(t, err)
	return l, clock
}

// flushBlocks makes the log write n blocks holding one epoch each by
// skipping an epoch on every update.
func flushBlocks(l *Log, clock *fakeClock, n int) {
	for i := 0; i < n; i++ {
		l.Update(clock.advance(2 * l.config.EpochInterval))
	}
}

// rawBlocks builds a file image holding sealed blocks with the given
// logical indexes.
func rawBlocks(indices ...uint32) []byte {
	var buf bytes.Buffer
	for i, idx := range indices {
		var b block.Block
		b.Erase()
		b.SetHeader(&block.Header{LogicalIndex: idx, StartTime: uint32(t0.Unix()) + uint32(i)*60})
		b.Seal()
		buf.Write(b[:])
	}
	return buf.Bytes()
}

func writeRaw(t *testing.T, fs afero.Fs, name string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, name, data, 0644))
}

func allFF(b *block.Block) bool {
	for _, c := range b {
		if c != 0xFF {
			return false
		}
	}
	return true
}
