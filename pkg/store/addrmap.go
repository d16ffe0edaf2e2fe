// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package store

import "github.com/tviviano/actilog/pkg/block"

// logicalToPhysical finds the file and physical block holding idx.
func (l *Log) logicalToPhysical(idx uint32) (file int, n uint32, ok bool) {
	if idx == block.InvalidIndex {
		return 0, 0, false
	}
	for i := range l.files.files {
		m := &l.files.files[i]
		if m.holds(idx) {
			return i, idx - m.first(), true
		}
	}
	return 0, 0, false
}

// ActiveLogicalBlock returns the index of the in-RAM active block.
func (l *Log) ActiveLogicalBlock() uint32 {
	return l.activeIndex
}

// EarliestLogicalBlock returns the oldest readable logical index. ok is
// false once the log is closed.
func (l *Log) EarliestLogicalBlock() (idx uint32, ok bool) {
	if l.closed {
		return 0, false
	}
	return l.activeIndex - l.files.totalBlocks(), true
}
