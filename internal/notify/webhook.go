// Copyright (c) 2026 TRV Enterprises LLC
// SPDX-License-Identifier: Apache-2.0
// See LICENSE file for details.

// Package notify delivers finalized epoch summaries to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/tviviano/actilog/pkg/block"
)

// EpochSummary is the JSON body posted for every finalized epoch.
type EpochSummary struct {
	BootID       string    `json:"boot_id,omitempty"`
	Start        time.Time `json:"start"`
	Events       []string  `json:"events"`
	Prompts      uint8     `json:"prompts"`
	MutedPrompts uint8     `json:"muted_prompts"`
	Steps        uint16    `json:"steps"`
	MeanSVM      *uint16   `json:"mean_svm,omitempty"`
}

// NewEpochSummary builds the summary of one epoch record.
func NewEpochSummary(bootID string, start time.Time, r block.Record) EpochSummary {
	s := EpochSummary{
		BootID:       bootID,
		Start:        start,
		Events:       r.Events.Names(),
		Prompts:      r.Prompts,
		MutedPrompts: r.MutedPrompts,
		Steps:        r.Steps,
	}
	if r.HasMean {
		mean := r.MeanSVM
		s.MeanSVM = &mean
	}
	return s
}

// WebhookConfig holds configuration for a webhook endpoint.
type WebhookConfig struct {
	URL       string
	Headers   map[string]string
	Timeout   time.Duration
	QueueSize int
	BootID    string
}

// Webhook handles sending epoch summaries to a webhook endpoint.
type Webhook struct {
	config WebhookConfig
	client *http.Client
	logger *zap.Logger

	// Queue for async sends
	queue chan EpochSummary

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewWebhook creates a new webhook notifier.
func NewWebhook(config WebhookConfig, logger *zap.Logger) *Webhook {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}

	return &Webhook{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
		queue:  make(chan EpochSummary, config.QueueSize),
	}
}

// EpochFinalized queues the epoch for async delivery.
// Non-blocking: drops if queue is full.
func (w *Webhook) EpochFinalized(start time.Time, r block.Record) {
	w.Send(NewEpochSummary(w.config.BootID, start, r))
}

// Send queues a summary. It reports false when the queue is full.
func (w *Webhook) Send(s EpochSummary) bool {
	select {
	case w.queue <- s:
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn("webhook queue full, dropping epoch", zap.Time("start", s.Start))
		return false
	}
}

// Counts returns how many summaries were sent, failed and dropped.
func (w *Webhook) Counts() (sent, failed, dropped int64) {
	return w.sent.Load(), w.failed.Load(), w.dropped.Load()
}

// SendSync posts a summary synchronously.
func (w *Webhook) SendSync(ctx context.Context, s EpochSummary) error {
	body, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "marshal epoch")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create request")
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// Run processes the queue until ctx is done, then drains what is left
// with a short deadline.
func (w *Webhook) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.drainQueue(drainCtx)
			cancel()
			return nil
		case s := <-w.queue:
			sendCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
			w.deliver(sendCtx, s)
			cancel()
		}
	}
}

func (w *Webhook) deliver(ctx context.Context, s EpochSummary) {
	if err := w.SendSync(ctx, s); err != nil {
		w.failed.Add(1)
		w.logger.Warn("webhook send failed", zap.Time("start", s.Start), zap.Error(err))
		return
	}
	w.sent.Add(1)
}

// drainQueue sends remaining queued summaries.
func (w *Webhook) drainQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-w.queue:
			w.deliver(ctx, s)
		default:
			return
		}
	}
}
