// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package store

import (
	"go.uber.org/zap"

	"github.com/tviviano/actilog/pkg/block"
)

// fileScan is what the startup scan learned about one file.
type fileScan struct {
	blocks     uint32
	first      uint32
	last       uint32
	consistent bool
}

// recover rebuilds the logical map from the block headers on disk.
//
// Recovery Strategy:
//
// Every file is checked on its own first: the header of its first and
// last physical block must be readable and the index span must equal the
// block count. Then, walking backwards through the rotation from the file
// holding the highest index, each non-empty file must end exactly one
// index before the next newer file begins.
//
// Any inconsistency wipes all files. A gap cannot be told apart from
// stale data of an older generation, so partial histories are never
// adopted.
func (l *Log) recover() {
	l.recovery = RecoveryScanning

	scans := make([]fileScan, l.config.NumFiles)
	consistent := true
	for i := range scans {
		scans[i] = l.scanFile(i)
		if !scans[i].consistent {
			consistent = false
		}
	}
	newest := newestFile(scans)
	if consistent && newest >= 0 {
		consistent = l.checkChain(scans, newest)
	}
	l.files.finishedReading()

	if !consistent {
		l.recovery = RecoveryCorrupt
		l.logger.Warn("activity log inconsistent, wiping")
		l.destroyFiles()
		return
	}

	for i, sc := range scans {
		l.files.files[i].blockCount = sc.blocks
		l.files.files[i].lastLogical = sc.last
	}
	if newest >= 0 {
		l.activeFile = newest
		l.activeIndex = scans[newest].last + 1
	} else {
		l.activeFile = 0
		l.activeIndex = 0
	}
	l.recovery = RecoveryConsistent
}

func (l *Log) scanFile(file int) fileScan {
	size, reason, err := l.files.size(file)
	if reason != ReasonNone {
		l.files.diag.ReadFailures++
		l.files.diag.ReadFailuresByReason[reason]++
		l.files.diag.LastReadFailure = reason
		l.files.files[file].errorBits.set(reason)
		l.logger.Warn("cannot scan file",
			zap.String("file", l.files.name(file)), zap.Stringer("reason", reason), zap.Error(err))
		return fileScan{}
	}

	blocks := uint32(size / block.Size)
	if size%block.Size != 0 {
		l.logger.Info("ignoring torn tail",
			zap.String("file", l.files.name(file)), zap.Int64("bytes", size%block.Size))
	}
	if blocks == 0 {
		return fileScan{consistent: true}
	}

	first, ok := l.files.readPhysical(file, 0, nil)
	if !ok {
		return fileScan{}
	}
	last, ok := l.files.readPhysical(file, blocks-1, nil)
	if !ok {
		return fileScan{}
	}

	sc := fileScan{blocks: blocks, first: first, last: last, consistent: true}
	if last < first || last-first+1 != blocks {
		sc.consistent = false
		l.files.files[file].errorBits.set(ReasonInconsistent)
		l.logger.Warn("file index span does not match block count",
			zap.String("file", l.files.name(file)),
			zap.Uint32("first", first), zap.Uint32("last", last), zap.Uint32("blocks", blocks))
	}
	return sc
}

// newestFile returns the non-empty file with the highest last index, or -1.
func newestFile(scans []fileScan) int {
	newest := -1
	for i, sc := range scans {
		if sc.blocks == 0 {
			continue
		}
		if newest < 0 || sc.last > scans[newest].last {
			newest = i
		}
	}
	return newest
}

// checkChain verifies that the files, walked backwards from newest, hold
// one contiguous run of logical indexes. Empty files are skipped.
func (l *Log) checkChain(scans []fileScan, newest int) bool {
	n := len(scans)
	expected := scans[newest].first - 1
	for k := 1; k < n; k++ {
		f := (newest - k + n) % n
		sc := scans[f]
		if sc.blocks == 0 {
			continue
		}
		if sc.last != expected {
			l.files.files[f].errorBits.set(ReasonInconsistent)
			l.logger.Warn("logical chain broken",
				zap.String("file", l.files.name(f)),
				zap.Uint32("last", sc.last), zap.Uint32("expected", expected))
			return false
		}
		expected = sc.first - 1
	}
	return true
}
