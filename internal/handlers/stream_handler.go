// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package handlers

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tviviano/actilog/internal/service"
	"github.com/tviviano/actilog/pkg/block"
)

// CaughtUp is sent as a text frame once the stream has delivered every
// stored block and switches to following new flushes.
const CaughtUp = "caught_up"

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: block.Size * 4,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for WebSocket
	},
}

// StreamHandler streams flushed blocks over WebSocket.
type StreamHandler struct {
	svc    *service.LogService
	logger *zap.Logger
	active atomic.Int64
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(svc *service.LogService, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		svc:    svc,
		logger: logger,
	}
}

// Streams returns the number of connected streams.
func (h *StreamHandler) Streams() int {
	return int(h.active.Load())
}

// Stream handles GET /api/log/stream
// Query params:
//   - from: first logical index wanted (default: earliest)
func (h *StreamHandler) Stream(c *gin.Context) {
	var from uint32
	if v := c.Query("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from index"})
			return
		}
		from = uint32(n)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already sends an error response
		return
	}

	s := &blockStream{
		id:     uuid.NewString(),
		conn:   conn,
		svc:    h.svc,
		next:   from,
		wake:   make(chan struct{}, 1),
		logger: h.logger,
	}
	h.active.Add(1)
	defer h.active.Add(-1)

	remove := h.svc.AddBlockSink(s)
	defer remove()

	s.run(c.Request.Context())
}

// blockStream delivers blocks to one WebSocket client.
type blockStream struct {
	id     string
	conn   *websocket.Conn
	svc    *service.LogService
	next   uint32
	sent   bool
	wake   chan struct{}
	logger *zap.Logger
}

// BlockFlushed implements service.BlockSink. It only signals; blocks are
// read back through the service so a slow client never stalls the loop.
func (s *blockStream) BlockFlushed(uint32, block.Block) {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *blockStream) run(ctx context.Context) {
	defer s.conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.readLoop(cancel)

	s.logger.Debug("stream opened", zap.String("stream", s.id), zap.Uint32("from", s.next))
	defer s.logger.Debug("stream closed", zap.String("stream", s.id), zap.Uint32("next", s.next))

	if err := s.catchUp(ctx); err != nil {
		return
	}
	if err := s.write(websocket.TextMessage, []byte(CaughtUp)); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			if err := s.catchUp(ctx); err != nil {
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// catchUp sends every flushed block from next up to the active block.
func (s *blockStream) catchUp(ctx context.Context) error {
	earliest, err := s.svc.Earliest(ctx)
	if err != nil {
		return err
	}
	if earliest != block.InvalidIndex && s.next < earliest {
		s.next = earliest
	}

	for {
		active, err := s.svc.Active(ctx)
		if err != nil {
			return err
		}
		if s.next > active && s.sent {
			// The log was destroyed and restarted below us.
			s.next = 0
		}
		if s.next >= active {
			return nil
		}

		b, ok, err := s.svc.ReadBlock(ctx, s.next)
		if err != nil {
			return err
		}
		if !ok {
			// Evicted while we were sending; skip ahead.
			if earliest, err = s.svc.Earliest(ctx); err != nil {
				return err
			}
			if earliest > s.next {
				s.next = earliest
				continue
			}
			s.logger.Warn("stream skipping unreadable block",
				zap.String("stream", s.id), zap.Uint32("index", s.next))
			s.next++
			continue
		}

		if err := s.write(websocket.BinaryMessage, b[:]); err != nil {
			return err
		}
		s.sent = true
		s.next++
	}
}

func (s *blockStream) write(messageType int, data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

// readLoop drains client frames so control messages are processed and
// cancels the stream when the client goes away.
func (s *blockStream) readLoop(cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
