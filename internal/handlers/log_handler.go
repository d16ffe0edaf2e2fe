// Copyright (c) 2026 TRV Enterprises LLC
// SPDX-License-Identifier: Apache-2.0
// See LICENSE file for details.

// Package handlers contains HTTP request handlers.
package handlers

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tviviano/actilog/internal/service"
	"github.com/tviviano/actilog/pkg/block"
)

// LogHandler serves the block transfer endpoints.
type LogHandler struct {
	svc    *service.LogService
	logger *zap.Logger
}

// NewLogHandler creates a new log handler.
func NewLogHandler(svc *service.LogService, logger *zap.Logger) *LogHandler {
	return &LogHandler{
		svc:    svc,
		logger: logger,
	}
}

// Health handles GET /health
func (h *LogHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "boot_id": h.svc.BootID()})
}

// Stats handles GET /api/log
func (h *LogHandler) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ProtocolResponse describes the fixed block format.
type ProtocolResponse struct {
	BlockSize       int    `json:"block_size"`
	HeaderSize      int    `json:"header_size"`
	RecordSize      int    `json:"record_size"`
	RecordsPerBlock int    `json:"records_per_block"`
	EpochSeconds    int    `json:"epoch_seconds"`
	FormatVersion   uint16 `json:"format_version"`
}

// Protocol handles GET /api/log/protocol
func (h *LogHandler) Protocol(c *gin.Context) {
	cfg := h.svc.Config()
	c.JSON(http.StatusOK, ProtocolResponse{
		BlockSize:       block.Size,
		HeaderSize:      block.HeaderSize,
		RecordSize:      block.RecordSize,
		RecordsPerBlock: block.RecordsPerBlock,
		EpochSeconds:    int(cfg.EpochInterval / time.Second),
		FormatVersion:   block.FormatVersion,
	})
}

// Active handles GET /api/log/active
func (h *LogHandler) Active(c *gin.Context) {
	idx, err := h.svc.Active(c.Request.Context())
	if err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": idx})
}

// Earliest handles GET /api/log/earliest
func (h *LogHandler) Earliest(c *gin.Context) {
	idx, err := h.svc.Earliest(c.Request.Context())
	if err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": idx})
}

// Block handles GET /api/log/blocks/:index
// The body is always one full block. Unavailable blocks are answered with
// 404 and an all-0xFF body.
func (h *LogHandler) Block(c *gin.Context) {
	idx, ok := parseIndex(c)
	if !ok {
		return
	}

	b, available, err := h.svc.ReadBlock(c.Request.Context(), idx)
	if err != nil {
		serviceError(c, err)
		return
	}

	status := http.StatusOK
	if !available {
		status = http.StatusNotFound
		h.logger.Debug("block not available", zap.Uint32("index", idx))
	}
	c.Header("X-Logical-Index", strconv.FormatUint(uint64(idx), 10))
	c.Header("X-Block-Available", strconv.FormatBool(available))
	c.Data(status, "application/octet-stream", b[:])
}

// DecodedBlock is the JSON view of one block.
type DecodedBlock struct {
	Index      uint32          `json:"index"`
	ChecksumOK bool            `json:"checksum_ok"`
	Header     DecodedHeader   `json:"header"`
	Records    []DecodedRecord `json:"records"`
}

// DecodedHeader is the JSON view of a block header.
type DecodedHeader struct {
	Version         uint16    `json:"version"`
	LogicalIndex    uint32    `json:"logical_index"`
	DeviceAddress   string    `json:"device_address"`
	Start           time.Time `json:"start"`
	SampleCount     int       `json:"sample_count"`
	EpochSeconds    int       `json:"epoch_seconds"`
	ConfigurationID uint32    `json:"configuration_id"`
	Battery         *uint8    `json:"battery,omitempty"`
	Temperature     *int8     `json:"temperature,omitempty"`
	SensorType      uint8     `json:"sensor_type"`
	SensorRange     uint8     `json:"sensor_range"`
	SensorRate      uint8     `json:"sensor_rate"`
	FirmwareVersion uint8     `json:"firmware_version"`
}

// DecodedRecord is the JSON view of one epoch record.
type DecodedRecord struct {
	Start        time.Time `json:"start"`
	Events       []string  `json:"events"`
	Prompts      uint8     `json:"prompts"`
	MutedPrompts uint8     `json:"muted_prompts"`
	Steps        uint16    `json:"steps"`
	MeanSVM      *uint16   `json:"mean_svm,omitempty"`
}

// DecodeBlock builds the JSON view of b.
func DecodeBlock(idx uint32, b *block.Block) (DecodedBlock, error) {
	hdr, err := b.Header()
	if err != nil {
		return DecodedBlock{}, err
	}

	d := DecodedBlock{
		Index:      idx,
		ChecksumOK: b.Verify(),
		Header: DecodedHeader{
			Version:         hdr.Version,
			LogicalIndex:    hdr.LogicalIndex,
			DeviceAddress:   net.HardwareAddr(hdr.DeviceAddress[:]).String(),
			Start:           hdr.Start(),
			SampleCount:     hdr.SampleCount,
			EpochSeconds:    int(hdr.EpochInterval / time.Second),
			ConfigurationID: hdr.ConfigurationID,
			SensorType:      hdr.Sensor.Type,
			SensorRange:     hdr.Sensor.Range,
			SensorRate:      hdr.Sensor.Rate,
			FirmwareVersion: hdr.FirmwareVersion,
		},
	}
	if hdr.HasBattery {
		d.Header.Battery = &hdr.Battery
	}
	if hdr.HasTemperature {
		d.Header.Temperature = &hdr.Temperature
	}

	for i, r := range b.Records(hdr.SampleCount) {
		rec := DecodedRecord{
			Start:        hdr.Start().Add(time.Duration(i) * hdr.EpochInterval),
			Events:       r.Events.Names(),
			Prompts:      r.Prompts,
			MutedPrompts: r.MutedPrompts,
			Steps:        r.Steps,
		}
		if r.HasMean {
			mean := r.MeanSVM
			rec.MeanSVM = &mean
		}
		d.Records = append(d.Records, rec)
	}
	return d, nil
}

// Decoded handles GET /api/log/blocks/:index/decoded
func (h *LogHandler) Decoded(c *gin.Context) {
	idx, ok := parseIndex(c)
	if !ok {
		return
	}

	b, available, err := h.svc.ReadBlock(c.Request.Context(), idx)
	if err != nil {
		serviceError(c, err)
		return
	}
	if !available {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not available", "index": idx})
		return
	}

	d, err := DecodeBlock(idx, &b)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, d)
}

// Destroy handles POST /api/log/destroy
// Requires the admin key.
func (h *LogHandler) Destroy(c *gin.Context) {
	if err := h.svc.Destroy(c.Request.Context()); err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "log destroyed"})
}

func parseIndex(c *gin.Context) (uint32, bool) {
	n, err := strconv.ParseUint(c.Param("index"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid block index"})
		return 0, false
	}
	return uint32(n), true
}

func serviceError(c *gin.Context, err error) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
}
