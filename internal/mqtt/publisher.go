// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package mqtt publishes flushed activity log blocks to an MQTT broker.
package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tviviano/actilog/pkg/block"
)

var ErrNotConnected = errors.New("mqtt: not connected")

// Config holds broker settings.
type Config struct {
	BrokerURL string
	Topic     string // blocks are published to Topic + "/blocks"
	ClientID  string
	Username  string
	Password  string
	QueueSize int
}

// Status is a snapshot of the publisher state.
type Status struct {
	State     string `json:"state"` // connecting, connected, disconnected, error
	Published int64  `json:"published"`
	Dropped   int64  `json:"dropped"`
	Errors    int64  `json:"errors"`
	Queued    int    `json:"queued"`
	LastIndex uint32 `json:"last_index"`
	LastError string `json:"last_error,omitempty"`
}

// client is the subset of mqtt.Client the publisher needs.
type client interface {
	Connect() mqtt.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type queuedBlock struct {
	index uint32
	data  block.Block
}

// Publisher queues flushed blocks and publishes them with QoS 1. When the
// queue is full new blocks are dropped and counted.
type Publisher struct {
	config    Config
	topic     string
	logger    *zap.Logger
	newClient func(*mqtt.ClientOptions) client

	queue chan queuedBlock

	mu     sync.RWMutex
	status Status

	retryDelay    time.Duration
	maxRetryDelay time.Duration
	timeout       time.Duration
}

// NewPublisher creates a publisher. Call Run to connect.
func NewPublisher(config Config, logger *zap.Logger) *Publisher {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.ClientID == "" {
		config.ClientID = "actilog-" + uuid.NewString()
	}
	return &Publisher{
		config: config,
		topic:  config.Topic + "/blocks",
		logger: logger,
		newClient: func(opts *mqtt.ClientOptions) client {
			return mqtt.NewClient(opts)
		},
		queue:         make(chan queuedBlock, config.QueueSize),
		status:        Status{State: "disconnected"},
		retryDelay:    time.Second,
		maxRetryDelay: 60 * time.Second,
		timeout:       10 * time.Second,
	}
}

// BlockFlushed queues a block without blocking.
func (p *Publisher) BlockFlushed(index uint32, b block.Block) {
	select {
	case p.queue <- queuedBlock{index: index, data: b}:
	default:
		p.mu.Lock()
		p.status.Dropped++
		p.mu.Unlock()
		p.logger.Warn("mqtt queue full, block dropped", zap.Uint32("index", index))
	}
}

// Status returns the current publisher state.
func (p *Publisher) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := p.status
	st.Queued = len(p.queue)
	return st
}

// Run connects and publishes until ctx is done, reconnecting with
// exponential backoff.
func (p *Publisher) Run(ctx context.Context) error {
	delay := p.retryDelay
	var pending *queuedBlock

	for {
		c, err := p.connect()
		if err != nil {
			p.setError(err)
			delay = min(delay*2, p.maxRetryDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}
		delay = p.retryDelay

		pending, err = p.publishLoop(ctx, c, pending)
		c.Disconnect(250)
		if err == nil {
			p.setState("disconnected")
			return nil
		}
		p.setError(err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (p *Publisher) connect() (client, error) {
	p.setState("connecting")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetAutoReconnect(false) // We handle reconnect ourselves
	opts.SetConnectTimeout(p.timeout)
	opts.SetWriteTimeout(p.timeout)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
	}
	if p.config.Password != "" {
		opts.SetPassword(p.config.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost", zap.String("broker", p.config.BrokerURL), zap.Error(err))
	})

	c := p.newClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(p.timeout) {
		return nil, errors.Newf("mqtt: connect to %s timed out", p.config.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "mqtt: connect to %s", p.config.BrokerURL)
	}

	p.setState("connected")
	p.logger.Info("mqtt connected",
		zap.String("broker", p.config.BrokerURL), zap.String("topic", p.topic))
	return c, nil
}

// publishLoop drains the queue. It returns the block it failed on so the
// next connection retries it first.
func (p *Publisher) publishLoop(ctx context.Context, c client, pending *queuedBlock) (*queuedBlock, error) {
	for {
		if pending == nil {
			select {
			case <-ctx.Done():
				return nil, nil
			case qb := <-p.queue:
				pending = &qb
			}
		}

		if !c.IsConnected() {
			return pending, ErrNotConnected
		}
		token := c.Publish(p.topic, 1, false, pending.data[:])
		if !token.WaitTimeout(p.timeout) {
			return pending, errors.Newf("mqtt: publish of block %d timed out", pending.index)
		}
		if err := token.Error(); err != nil {
			return pending, errors.Wrapf(err, "mqtt: publish block %d", pending.index)
		}

		p.mu.Lock()
		p.status.Published++
		p.status.LastIndex = pending.index
		p.mu.Unlock()
		pending = nil
	}
}

func (p *Publisher) setState(state string) {
	p.mu.Lock()
	p.status.State = state
	if state == "connected" {
		p.status.LastError = ""
	}
	p.mu.Unlock()
}

func (p *Publisher) setError(err error) {
	p.mu.Lock()
	p.status.State = "error"
	p.status.LastError = err.Error()
	p.status.Errors++
	p.mu.Unlock()
	p.logger.Warn("mqtt publisher error", zap.Error(err))
}
