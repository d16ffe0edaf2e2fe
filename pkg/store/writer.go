// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package store

import (
	"time"

	"go.uber.org/zap"
)

// flush writes the active block and starts a new one at next.
func (l *Log) flush(next time.Time) {
	l.writeActive()
	l.startNewBlock(next)
}

// writeActive appends the active block to the write file.
//
// Eviction: when the write file is full the next file in the rotation is
// deleted and becomes the write file. A failed append is treated as full
// or corrupt storage and moves on the same way, at most once per file.
// If every file fails the block is dropped and the logical index is not
// advanced.
func (l *Log) writeActive() bool {
	l.finalizeActive()

	if l.files.full(l.activeFile) {
		l.rotate()
	}

	for attempt := 0; attempt < int(l.config.NumFiles); attempt++ {
		if attempt > 0 {
			l.rotate()
		}
		err := l.files.appendPhysical(l.activeFile, l.activeIndex, &l.active.buf)
		if err == nil {
			if l.opts.onFlush != nil {
				l.opts.onFlush(l.activeIndex, l.active.buf)
			}
			l.activeIndex++
			return true
		}
		l.logger.Warn("append failed",
			zap.String("file", l.files.name(l.activeFile)),
			zap.Uint32("index", l.activeIndex),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	l.diag.WriteExhausted++
	l.logger.Error("block dropped, no file accepted the write",
		zap.Uint32("index", l.activeIndex),
		zap.Int("epochs", l.active.count))
	return false
}

// rotate moves the write focus to the next file and evicts its contents.
func (l *Log) rotate() {
	l.activeFile = (l.activeFile + 1) % int(l.config.NumFiles)
	l.logger.Debug("evicting file",
		zap.String("file", l.files.name(l.activeFile)),
		zap.Uint32("blocks", l.files.files[l.activeFile].blockCount))
	l.files.deleteFile(l.activeFile)
}

// destroyFiles deletes every file and resets the map to logical index 0.
func (l *Log) destroyFiles() {
	for i := range l.files.files {
		l.files.files[i].blockCount = 0
		l.files.deleteFile(i)
	}
	l.activeIndex = 0
	l.activeFile = 0
	l.diag.Wipes++
	l.logger.Warn("activity log data destroyed")
}
