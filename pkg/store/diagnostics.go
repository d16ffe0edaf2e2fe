// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package store

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/tviviano/actilog/pkg/block"
)

// Reason identifies why a physical read or write failed.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonOpen
	ReasonSize
	ReasonRange
	ReasonSeek
	ReasonShortRead
	ReasonBadHeader
	ReasonSequence
	ReasonShortWrite
	ReasonSync
	ReasonDelete
	ReasonIndexMismatch
	ReasonInconsistent

	reasonCount
)

var reasonNames = [...]string{
	ReasonNone:          "none",
	ReasonOpen:          "open",
	ReasonSize:          "size",
	ReasonRange:         "range",
	ReasonSeek:          "seek",
	ReasonShortRead:     "short_read",
	ReasonBadHeader:     "bad_header",
	ReasonSequence:      "sequence",
	ReasonShortWrite:    "short_write",
	ReasonSync:          "sync",
	ReasonDelete:        "delete",
	ReasonIndexMismatch: "index_mismatch",
	ReasonInconsistent:  "inconsistent",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

// MarshalText reports the reason by name.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a reason name.
func (r *Reason) UnmarshalText(text []byte) error {
	for i, name := range reasonNames {
		if name == string(text) {
			*r = Reason(i)
			return nil
		}
	}
	return errors.Newf("unknown reason %q", text)
}

// ReasonCounts holds one failure counter per Reason.
type ReasonCounts [reasonCount]uint32

// MarshalJSON reports the non-zero counters keyed by reason name.
func (c ReasonCounts) MarshalJSON() ([]byte, error) {
	m := make(map[string]uint32)
	for r, n := range c {
		if n > 0 {
			m[Reason(r).String()] = n
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON parses counters keyed by reason name.
func (c *ReasonCounts) UnmarshalJSON(data []byte) error {
	var m map[string]uint32
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*c = ReasonCounts{}
	for name, n := range m {
		var r Reason
		if err := r.UnmarshalText([]byte(name)); err != nil {
			return err
		}
		c[r] = n
	}
	return nil
}

// ErrorBits is a sticky per-file bitmap with one bit per Reason.
type ErrorBits uint16

func (b ErrorBits) Has(r Reason) bool {
	return b&(1<<r) != 0
}

func (b *ErrorBits) set(r Reason) {
	*b |= 1 << r
}

// Diagnostics holds the sticky counters of the log. Nothing here is reset
// by a successful retry or by wiping data.
type Diagnostics struct {
	ReadFailures      uint32 `json:"read_failures"`
	LastReadFailure   Reason `json:"last_read_failure"`
	AppendFailures    uint32 `json:"append_failures"`
	LastAppendFailure Reason `json:"last_append_failure"`

	ReadFailuresByReason   ReasonCounts `json:"read_failures_by_reason"`
	AppendFailuresByReason ReasonCounts `json:"append_failures_by_reason"`

	WriteExhausted    uint32 `json:"write_exhausted"` // flushes that failed on every file
	IndexMismatches   uint32 `json:"index_mismatches"`
	BlocksWritten     uint32 `json:"blocks_written"`
	FilesEvicted      uint32 `json:"files_evicted"`
	Wipes             uint32 `json:"wipes"`
	EpochsWritten     uint32 `json:"epochs_written"`
	TimeDiscontinuity uint32 `json:"time_discontinuities"`
}

// RecoveryState is the outcome of the startup scan.
type RecoveryState uint8

const (
	RecoveryScanning RecoveryState = iota
	RecoveryConsistent
	RecoveryCorrupt
)

func (s RecoveryState) String() string {
	switch s {
	case RecoveryConsistent:
		return "consistent"
	case RecoveryCorrupt:
		return "corrupt"
	default:
		return "scanning"
	}
}

// FileStats describes one file of the rotation.
type FileStats struct {
	Name       string    `json:"name"`
	Blocks     uint32    `json:"blocks"`
	First      uint32    `json:"first,omitempty"`
	Last       uint32    `json:"last,omitempty"`
	ErrorBits  ErrorBits `json:"error_bits"`
	WriteFocus bool      `json:"write_focus"`
}

// Stats is a snapshot of the log state.
type Stats struct {
	// Protocol constants
	BlockSize       int `json:"block_size"`
	RecordsPerBlock int `json:"records_per_block"`
	EpochSeconds    int `json:"epoch_seconds"`

	ActiveLogicalBlock   uint32    `json:"active_logical_block"`
	EarliestLogicalBlock uint32    `json:"earliest_logical_block"`
	HasEarliest          bool      `json:"has_earliest"`
	ActiveFile           int       `json:"active_file"`
	ActiveEpochs         int       `json:"active_epochs"`
	ActiveStart          time.Time `json:"active_start"`
	StoredBlocks         uint32    `json:"stored_blocks"`

	Recovery    string      `json:"recovery"`
	Files       []FileStats `json:"files"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

func newStats(c *Config) Stats {
	return Stats{
		BlockSize:       block.Size,
		RecordsPerBlock: block.RecordsPerBlock,
		EpochSeconds:    int(c.intervalSeconds()),
	}
}
