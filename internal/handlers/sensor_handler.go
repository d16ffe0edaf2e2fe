// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package handlers

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/tviviano/actilog/internal/service"
	"github.com/tviviano/actilog/pkg/block"
	"github.com/tviviano/actilog/pkg/epoch"
)

// SensorHandler accepts sensor and device-state input over HTTP.
type SensorHandler struct {
	svc *service.LogService
}

// NewSensorHandler creates a new sensor handler.
func NewSensorHandler(svc *service.LogService) *SensorHandler {
	return &SensorHandler{svc: svc}
}

// SamplesRequest is one polled batch from the sensor driver.
type SamplesRequest struct {
	Total   uint64     `json:"total"`
	Samples [][3]int16 `json:"samples" binding:"required"`
}

// Samples handles POST /api/sensor/samples
func (h *SensorHandler) Samples(c *gin.Context) {
	var req SamplesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	batch := make([]epoch.Sample, len(req.Samples))
	for i, s := range req.Samples {
		batch[i] = epoch.Sample{X: s[0], Y: s[1], Z: s[2]}
	}

	n, err := h.svc.DeliverSamples(c.Request.Context(), batch, req.Total)
	if err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": n})
}

// EventsRequest carries epoch events and device state. Every field is
// optional.
type EventsRequest struct {
	Steps        uint32   `json:"steps,omitempty"`
	Events       []string `json:"events,omitempty"`
	Prompts      int      `json:"prompts,omitempty"`
	MutedPrompts int      `json:"muted_prompts,omitempty"`
	Powered      *bool    `json:"powered,omitempty"`
	Connected    *bool    `json:"connected,omitempty"`
	Battery      *uint8   `json:"battery,omitempty"`
	Temperature  *int8    `json:"temperature,omitempty"`
}

// Input parses the request into a service input.
func (r *EventsRequest) Input() (service.EpochInput, error) {
	in := service.EpochInput{
		Steps:        r.Steps,
		Prompts:      r.Prompts,
		MutedPrompts: r.MutedPrompts,
		Powered:      r.Powered,
		Connected:    r.Connected,
		Battery:      r.Battery,
		Temperature:  r.Temperature,
	}
	for _, name := range r.Events {
		f, ok := block.ParseEvent(name)
		if !ok {
			return in, errors.Newf("unknown event %q", name)
		}
		in.Events |= f
	}
	return in, nil
}

// Events handles POST /api/sensor/events
func (h *SensorHandler) Events(c *gin.Context) {
	var req EventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Prompts < 0 || req.MutedPrompts < 0 ||
		req.Prompts > block.MaxPrompts || req.MutedPrompts > block.MaxMutedPrompts {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt counts out of range"})
		return
	}

	in, err := req.Input()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.Record(c.Request.Context(), in); err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "recorded"})
}
