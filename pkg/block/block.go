// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package block defines the fixed-size on-disk block of the activity log.
//
// Layout (little endian):
//
//	offset size field
//	0      2    magic "AL"
//	2      2    length (bytes following this field = Size - 4)
//	4      2    format version
//	6      4    logical index
//	10     6    device address
//	16     4    block start time (unix seconds)
//	20     1    valid sample count (epoch records in payload)
//	21     1    epoch interval seconds
//	22     4    active configuration id
//	26     1    battery percent (0xFF unknown)
//	27     1    sensor info bit-fields
//	28     1    temperature (signed, 0x80 unknown)
//	29     1    firmware version
//	30     224  payload: RecordsPerBlock epoch records, unused bytes 0xFF
//	254    2    checksum
package block

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	Size         = 256
	HeaderSize   = 30
	ChecksumSize = 2
	RecordSize   = 8

	// PeekSize is the header prefix needed to identify a block (magic,
	// length, version, logical index).
	PeekSize = 10

	// RecordsPerBlock is the epoch capacity of one block.
	RecordsPerBlock = (Size - HeaderSize - ChecksumSize) / RecordSize

	FormatVersion uint16 = 1

	// InvalidIndex is the on-disk "no block" logical index.
	InvalidIndex uint32 = 0xFFFFFFFF

	payloadOffset  = HeaderSize
	checksumOffset = Size - ChecksumSize
	blockLength    = Size - 4

	unknownBattery     = 0xFF
	unknownTemperature = 0x80
	maxByte            = 0xFF
)

// Magic marks the start of every block.
var Magic = [2]byte{'A', 'L'}

var (
	ErrShortHeader = errors.New("block: short header")
	ErrBadMagic    = errors.New("block: bad magic")
	ErrBadLength   = errors.New("block: bad length")
)

// Header holds the decoded header fields of a block.
type Header struct {
	Version         uint16
	LogicalIndex    uint32
	DeviceAddress   [6]byte
	StartTime       uint32 // unix seconds of the first epoch
	SampleCount     int    // epoch records in the payload
	EpochInterval   time.Duration
	ConfigurationID uint32

	Battery    uint8 // percent, meaningful when HasBattery
	HasBattery bool

	Sensor SensorInfo

	Temperature    int8 // celsius, meaningful when HasTemperature
	HasTemperature bool

	FirmwareVersion uint8
}

// Start returns the block start time.
func (h *Header) Start() time.Time {
	return time.Unix(int64(h.StartTime), 0).UTC()
}

// Encode serializes a Header into the first HeaderSize bytes of buf.
func (h *Header) Encode(buf []byte) {
	buf[0], buf[1] = Magic[0], Magic[1]
	binary.LittleEndian.PutUint16(buf[2:4], blockLength)
	version := h.Version
	if version == 0 {
		version = FormatVersion
	}
	binary.LittleEndian.PutUint16(buf[4:6], version)
	binary.LittleEndian.PutUint32(buf[6:10], h.LogicalIndex)
	copy(buf[10:16], h.DeviceAddress[:])
	binary.LittleEndian.PutUint32(buf[16:20], h.StartTime)
	buf[20] = saturateByte(h.SampleCount)
	buf[21] = saturateByte(int(h.EpochInterval / time.Second))
	binary.LittleEndian.PutUint32(buf[22:26], h.ConfigurationID)

	buf[26] = unknownBattery
	if h.HasBattery {
		buf[26] = h.Battery
		if buf[26] == unknownBattery {
			buf[26] = unknownBattery - 1
		}
	}
	buf[27] = h.Sensor.Encode()
	buf[28] = unknownTemperature
	if h.HasTemperature {
		t := h.Temperature
		if t == -128 {
			t = -127
		}
		buf[28] = byte(t)
	}
	buf[29] = h.FirmwareVersion
}

// Decode deserializes a Header, validating magic and length.
func (h *Header) Decode(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortHeader
	}
	if err := checkPrefix(buf); err != nil {
		return err
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	h.LogicalIndex = binary.LittleEndian.Uint32(buf[6:10])
	copy(h.DeviceAddress[:], buf[10:16])
	h.StartTime = binary.LittleEndian.Uint32(buf[16:20])
	h.SampleCount = int(buf[20])
	h.EpochInterval = time.Duration(buf[21]) * time.Second
	h.ConfigurationID = binary.LittleEndian.Uint32(buf[22:26])
	h.Battery, h.HasBattery = buf[26], buf[26] != unknownBattery
	h.Sensor = DecodeSensorInfo(buf[27])
	h.Temperature, h.HasTemperature = int8(buf[28]), buf[28] != unknownTemperature
	h.FirmwareVersion = buf[29]
	return nil
}

// PeekIndex validates the header prefix in buf (at least PeekSize bytes)
// and returns the logical index it carries.
func PeekIndex(buf []byte) (uint32, error) {
	if len(buf) < PeekSize {
		return InvalidIndex, ErrShortHeader
	}
	if err := checkPrefix(buf); err != nil {
		return InvalidIndex, err
	}
	return binary.LittleEndian.Uint32(buf[6:10]), nil
}

func checkPrefix(buf []byte) error {
	if buf[0] != Magic[0] || buf[1] != Magic[1] {
		return ErrBadMagic
	}
	if binary.LittleEndian.Uint16(buf[2:4]) != blockLength {
		return ErrBadLength
	}
	return nil
}

// Block is one raw on-disk block.
type Block [Size]byte

// Erase fills the whole block with 0xFF, the erased-flash pattern used for
// empty payload slots and for failed reads.
func (b *Block) Erase() {
	for i := range b {
		b[i] = 0xFF
	}
}

// SetHeader encodes h into the block header.
func (b *Block) SetHeader(h *Header) {
	h.Encode(b[:HeaderSize])
}

// Header decodes the block header.
func (b *Block) Header() (Header, error) {
	var h Header
	err := h.Decode(b[:HeaderSize])
	return h, err
}

// SetRecord writes r into payload slot i. Out of range slots are ignored.
func (b *Block) SetRecord(i int, r Record) bool {
	if i < 0 || i >= RecordsPerBlock {
		return false
	}
	off := payloadOffset + i*RecordSize
	r.Encode(b[off : off+RecordSize])
	return true
}

// Record decodes payload slot i.
func (b *Block) Record(i int) Record {
	off := payloadOffset + i*RecordSize
	return DecodeRecord(b[off : off+RecordSize])
}

// Records decodes the first n payload slots, n clamped to capacity.
func (b *Block) Records(n int) []Record {
	if n > RecordsPerBlock {
		n = RecordsPerBlock
	}
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.Record(i))
	}
	return out
}

// Seal computes and stores the checksum so the block's word-sum is zero.
func (b *Block) Seal() {
	sum := Checksum(b[:checksumOffset])
	binary.LittleEndian.PutUint16(b[checksumOffset:], -sum)
}

// Verify reports whether the block's 16-bit word-sum is zero.
func (b *Block) Verify() bool {
	return Checksum(b[:]) == 0
}

// Checksum returns the 16-bit little-endian word-sum of data. An odd
// trailing byte is summed as a low byte.
func Checksum(data []byte) uint16 {
	var sum uint16
	n := len(data) &^ 1
	for i := 0; i < n; i += 2 {
		sum += binary.LittleEndian.Uint16(data[i : i+2])
	}
	if n != len(data) {
		sum += uint16(data[n])
	}
	return sum
}

func saturateByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > maxByte {
		return maxByte
	}
	return byte(v)
}
