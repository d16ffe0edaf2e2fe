// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the PolyForm Noncommercial License 1.0.0
// See LICENSE file for details.

// Package store implements the circular multi-file activity log.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/tviviano/actilog/pkg/block"
	"github.com/tviviano/actilog/pkg/epoch"
)

var (
	ErrInvalidNumFiles      = errors.New("number of files must be greater than 0")
	ErrInvalidBlocksPerFile = errors.New("blocks per file must be greater than 0")
	ErrInvalidInterval      = errors.New("epoch interval must be a whole number of seconds, at least 1s")
	ErrInvalidSampleRate    = errors.New("sample rate must be greater than 0")
	ErrInvalidPattern       = errors.New("file pattern must produce distinct names")
)

// Config defines the geometry and identity of an activity log.
type Config struct {
	NumFiles      uint32        // Files in the rotation
	BlocksPerFile uint32        // Maximum blocks per file
	FilePattern   string        // fmt pattern with one integer verb, e.g. "actlog%03d.bin"
	EpochInterval time.Duration // Length of one epoch
	SampleRate    uint32        // Accumulator input rate in Hz

	DeviceAddress   [6]byte
	FirmwareVersion uint8
	ConfigurationID uint32
	Sensor          block.SensorInfo
}

// DefaultConfig returns a Config with the stock device geometry.
func DefaultConfig() Config {
	return Config{
		NumFiles:      4,
		BlocksPerFile: 256,
		FilePattern:   "actlog%03d.bin",
		EpochInterval: 60 * time.Second,
		SampleRate:    30,
	}
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	if c.NumFiles == 0 {
		return ErrInvalidNumFiles
	}
	if c.BlocksPerFile == 0 {
		return ErrInvalidBlocksPerFile
	}
	if c.EpochInterval < time.Second || c.EpochInterval%time.Second != 0 {
		return ErrInvalidInterval
	}
	if c.SampleRate == 0 {
		return ErrInvalidSampleRate
	}
	if strings.Contains(c.FileName(0), "%!") ||
		(c.NumFiles > 1 && c.FileName(0) == c.FileName(1)) {
		return ErrInvalidPattern
	}
	return nil
}

// FileName returns the name of file n in the rotation.
func (c Config) FileName(n int) string {
	return fmt.Sprintf(c.FilePattern, n)
}

// Capacity returns the total number of blocks the files can hold.
func (c Config) Capacity() uint64 {
	return uint64(c.NumFiles) * uint64(c.BlocksPerFile)
}

// FileSize returns the size in bytes of a full file.
func (c Config) FileSize() int64 {
	return int64(c.BlocksPerFile) * block.Size
}

// Retention returns the activity time covered by a full set of files,
// assuming every block is filled.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Capacity()) * block.RecordsPerBlock * c.EpochInterval
}

func (c Config) epochConfig() epoch.Config {
	return epoch.Config{SampleRate: c.SampleRate, Interval: c.EpochInterval}
}

func (c Config) intervalSeconds() int64 {
	return int64(c.EpochInterval / time.Second)
}
