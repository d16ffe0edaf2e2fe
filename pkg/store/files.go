// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package store

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tviviano/actilog/pkg/block"
)

// fileMeta is the RAM-side view of one file. lastLogical is only
// meaningful when blockCount > 0.
type fileMeta struct {
	blockCount  uint32
	lastLogical uint32
	errorBits   ErrorBits
}

func (m *fileMeta) first() uint32 {
	return m.lastLogical + 1 - m.blockCount
}

func (m *fileMeta) holds(idx uint32) bool {
	return m.blockCount > 0 && idx >= m.first() && idx <= m.lastLogical
}

// appendError is returned by appendPhysical; reason is also recorded in
// the diagnostics.
type appendError struct {
	reason Reason
	err    error
}

func (e *appendError) Error() string {
	if e.err != nil {
		return e.reason.String() + ": " + e.err.Error()
	}
	return e.reason.String()
}

func (e *appendError) Unwrap() error { return e.err }

// fileStore performs physical block I/O against the rotation files. At
// most one read handle is open; it is closed before any write or delete.
type fileStore struct {
	fs     afero.Fs
	config *Config
	files  []fileMeta
	diag   *Diagnostics
	logger *zap.Logger

	reader     afero.File
	readerFile int
	readerPos  int64 // -1 when unknown
}

func newFileStore(fs afero.Fs, config *Config, diag *Diagnostics, logger *zap.Logger) *fileStore {
	s := &fileStore{
		fs:         fs,
		config:     config,
		files:      make([]fileMeta, config.NumFiles),
		diag:       diag,
		logger:     logger,
		readerFile: -1,
		readerPos:  -1,
	}
	return s
}

func (s *fileStore) name(file int) string {
	return s.config.FileName(file)
}

func (s *fileStore) full(file int) bool {
	return s.files[file].blockCount >= s.config.BlocksPerFile
}

// finishedReading closes the read handle, if any.
func (s *fileStore) finishedReading() {
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
	s.readerFile = -1
	s.readerPos = -1
}

// openReader makes file the active read handle.
func (s *fileStore) openReader(file int) error {
	if s.reader != nil && s.readerFile == file {
		return nil
	}
	s.finishedReading()
	f, err := s.fs.OpenFile(s.name(file), os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	s.reader = f
	s.readerFile = file
	s.readerPos = 0
	return nil
}

// size opens file for reading and returns its size in bytes.
func (s *fileStore) size(file int) (int64, Reason, error) {
	if err := s.openReader(file); err != nil {
		return 0, ReasonOpen, err
	}
	info, err := s.reader.Stat()
	if err != nil {
		return 0, ReasonSize, err
	}
	return info.Size(), ReasonNone, nil
}

// readPhysical reads physical block n of file into out and returns the
// logical index it carries. With a nil out only the header prefix is read.
// On failure ok is false and out, if given, is erased to 0xFF.
func (s *fileStore) readPhysical(file int, n uint32, out *block.Block) (idx uint32, ok bool) {
	idx, reason, err := s.readPhysicalBlock(file, n, out)
	if reason == ReasonNone {
		return idx, true
	}
	s.diag.ReadFailures++
	s.diag.ReadFailuresByReason[reason]++
	s.diag.LastReadFailure = reason
	s.files[file].errorBits.set(reason)
	s.logger.Debug("physical read failed",
		zap.String("file", s.name(file)),
		zap.Uint32("block", n),
		zap.Stringer("reason", reason),
		zap.Error(err))
	if out != nil {
		out.Erase()
	}
	return block.InvalidIndex, false
}

func (s *fileStore) readPhysicalBlock(file int, n uint32, out *block.Block) (uint32, Reason, error) {
	size, reason, err := s.size(file)
	if reason != ReasonNone {
		s.finishedReading()
		return 0, reason, err
	}

	offset := int64(n) * block.Size
	if offset+block.Size > size {
		return 0, ReasonRange, nil
	}

	if s.readerPos != offset {
		pos, err := s.reader.Seek(offset, io.SeekStart)
		if err != nil || pos != offset {
			s.readerPos = -1
			return 0, ReasonSeek, err
		}
		s.readerPos = pos
	}

	var peek [block.PeekSize]byte
	buf := peek[:]
	if out != nil {
		buf = out[:]
	}
	got, err := io.ReadFull(s.reader, buf)
	if err != nil {
		s.readerPos = -1
		return 0, ReasonShortRead, err
	}
	s.readerPos += int64(got)

	idx, err := block.PeekIndex(buf)
	if err != nil {
		return 0, ReasonBadHeader, err
	}
	return idx, ReasonNone, nil
}

// appendPhysical appends data as logical block idx to the end of file.
// idx must directly follow the file's last block. Metadata is only
// updated on success.
func (s *fileStore) appendPhysical(file int, idx uint32, data *block.Block) error {
	err := s.appendPhysicalBlock(file, idx, data)
	if err == nil {
		s.diag.BlocksWritten++
		return nil
	}
	var ae *appendError
	if errors.As(err, &ae) {
		s.diag.AppendFailures++
		s.diag.AppendFailuresByReason[ae.reason]++
		s.diag.LastAppendFailure = ae.reason
		s.files[file].errorBits.set(ae.reason)
	}
	return err
}

func (s *fileStore) appendPhysicalBlock(file int, idx uint32, data *block.Block) error {
	meta := &s.files[file]
	if meta.blockCount > 0 && idx != meta.lastLogical+1 {
		return &appendError{reason: ReasonSequence,
			err: errors.Newf("index %d does not follow %d", idx, meta.lastLogical)}
	}

	s.finishedReading()

	f, err := s.fs.OpenFile(s.name(file), os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return &appendError{reason: ReasonOpen, err: err}
	}
	defer f.Close()

	expected := int64(meta.blockCount) * block.Size
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return &appendError{reason: ReasonSeek, err: err}
	}
	if end != expected {
		if end < expected {
			return &appendError{reason: ReasonSeek,
				err: errors.Newf("file ends at %d, expected %d", end, expected)}
		}
		// Drop a torn tail left by an interrupted append.
		if err := f.Truncate(expected); err != nil {
			return &appendError{reason: ReasonSeek, err: err}
		}
		pos, err := f.Seek(expected, io.SeekStart)
		if err == nil && pos != expected {
			err = errors.Newf("seek landed at %d, expected %d", pos, expected)
		}
		if err != nil {
			return &appendError{reason: ReasonSeek, err: err}
		}
	}

	n, err := f.Write(data[:])
	if err != nil || n != block.Size {
		if err == nil {
			err = io.ErrShortWrite
		}
		return s.abandonAppend(f, file, expected, &appendError{reason: ReasonShortWrite, err: err})
	}
	if err := f.Sync(); err != nil {
		return s.abandonAppend(f, file, expected, &appendError{reason: ReasonSync, err: err})
	}

	info, err := f.Stat()
	if err != nil {
		return s.abandonAppend(f, file, expected, &appendError{reason: ReasonSize, err: err})
	}
	meta.blockCount = uint32(info.Size() / block.Size)
	meta.lastLogical = idx
	return nil
}

// abandonAppend cuts file back to expected bytes so a block whose append
// was reported as failed cannot reappear at the next recovery scan.
func (s *fileStore) abandonAppend(f afero.File, file int, expected int64, ae *appendError) error {
	if err := f.Truncate(expected); err != nil {
		s.logger.Warn("could not drop failed append",
			zap.String("file", s.name(file)),
			zap.Int64("size", expected),
			zap.Error(err))
	}
	return ae
}

// deleteFile removes file and resets its metadata, keeping its sticky
// error bits.
func (s *fileStore) deleteFile(file int) {
	s.finishedReading()
	if err := s.fs.Remove(s.name(file)); err != nil && !os.IsNotExist(err) {
		s.files[file].errorBits.set(ReasonDelete)
		s.logger.Warn("delete failed", zap.String("file", s.name(file)), zap.Error(err))
	}
	if s.files[file].blockCount > 0 {
		s.diag.FilesEvicted++
	}
	bits := s.files[file].errorBits
	s.files[file] = fileMeta{errorBits: bits}
}

// totalBlocks returns the number of blocks stored across all files.
func (s *fileStore) totalBlocks() uint32 {
	var total uint32
	for i := range s.files {
		total += s.files[i].blockCount
	}
	return total
}

func (s *fileStore) close() {
	s.finishedReading()
}
