// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the PolyForm Noncommercial License 1.0.0
// See LICENSE file for details.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tviviano/actilog/internal/middleware"
	"github.com/tviviano/actilog/internal/service"
	"github.com/tviviano/actilog/pkg/block"
	"github.com/tviviano/actilog/pkg/store"
)

const testAdminKey = "test-admin-key-0123456789"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	router *Router
	svc    *service.LogService
	clock  *testClock
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := &testClock{now: time.Unix(1700000040, 0).UTC()}
	cfg := store.DefaultConfig()
	cfg.NumFiles = 2
	cfg.BlocksPerFile = 8

	svc, err := service.New(afero.NewMemMapFs(), cfg,
		service.WithClock(clock.Now), service.WithTick(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testEnv{
		router: NewRouter(svc, testAdminKey, nil, zap.NewNop()),
		svc:    svc,
		clock:  clock,
	}
}

// flush writes one block holding a single epoch.
func (e *testEnv) flush(t *testing.T) {
	t.Helper()
	e.clock.advance(2 * time.Minute)
	require.NoError(t, e.svc.Tick(context.Background()))
}

func (e *testEnv) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealthAndProtocol(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), env.svc.BootID())

	w = env.do(http.MethodGet, "/api/log/protocol", "")
	require.Equal(t, http.StatusOK, w.Code)
	var p ProtocolResponse
	decodeJSON(t, w, &p)
	assert.Equal(t, 256, p.BlockSize)
	assert.Equal(t, 28, p.RecordsPerBlock)
	assert.Equal(t, 60, p.EpochSeconds)
}

func TestActiveAndEarliest(t *testing.T) {
	env := setupTestRouter(t)
	env.flush(t)
	env.flush(t)

	var resp struct {
		Index uint32 `json:"index"`
	}
	w := env.do(http.MethodGet, "/api/log/active", "")
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &resp)
	assert.Equal(t, uint32(2), resp.Index)

	w = env.do(http.MethodGet, "/api/log/earliest", "")
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &resp)
	assert.Equal(t, uint32(0), resp.Index)

	w = env.do(http.MethodGet, "/api/log", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st service.Stats
	decodeJSON(t, w, &st)
	assert.Equal(t, uint32(2), st.StoredBlocks)
	assert.Equal(t, env.svc.BootID(), st.BootID)
	assert.Len(t, st.Files, 2)
}

func TestGetBlock(t *testing.T) {
	env := setupTestRouter(t)
	env.flush(t)

	w := env.do(http.MethodGet, "/api/log/blocks/0", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, block.Size, w.Body.Len())
	assert.Equal(t, "true", w.Header().Get("X-Block-Available"))
	var b block.Block
	copy(b[:], w.Body.Bytes())
	assert.True(t, b.Verify())

	// Active block is served too.
	w = env.do(http.MethodGet, "/api/log/blocks/1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/api/log/blocks/9", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, block.Size, w.Body.Len())
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, block.Size), w.Body.Bytes())
	assert.Equal(t, "false", w.Header().Get("X-Block-Available"))

	w = env.do(http.MethodGet, "/api/log/blocks/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(http.MethodGet, "/api/log/blocks/4294967296", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventsAndDecodedBlock(t *testing.T) {
	env := setupTestRouter(t)

	body := `{"steps": 40, "events": ["interaction", "cue_snoozed"], "prompts": 2,
		"muted_prompts": 1, "powered": true, "battery": 77, "temperature": -5}`
	w := env.do(http.MethodPost, "/api/sensor/events", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	samples := `{"total": 3, "samples": [[4096,0,0],[0,4096,0],[0,0,4096]]}`
	w = env.do(http.MethodPost, "/api/sensor/samples", samples)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"accepted": 3}`, w.Body.String())

	env.flush(t)

	w = env.do(http.MethodGet, "/api/log/blocks/0/decoded", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var d DecodedBlock
	decodeJSON(t, w, &d)
	assert.True(t, d.ChecksumOK)
	assert.Equal(t, uint32(0), d.Header.LogicalIndex)
	require.NotNil(t, d.Header.Battery)
	assert.Equal(t, uint8(77), *d.Header.Battery)
	require.NotNil(t, d.Header.Temperature)
	assert.Equal(t, int8(-5), *d.Header.Temperature)

	require.Len(t, d.Records, 1)
	r := d.Records[0]
	assert.Equal(t, uint16(40), r.Steps)
	assert.Equal(t, uint8(2), r.Prompts)
	assert.Equal(t, uint8(1), r.MutedPrompts)
	assert.Nil(t, r.MeanSVM, "3 samples are not enough for a mean")
	assert.ElementsMatch(t,
		[]string{"powered", "power_changed", "interaction", "restart", "cue_snoozed"}, r.Events)

	w = env.do(http.MethodGet, "/api/log/blocks/5/decoded", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsRejected(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(http.MethodPost, "/api/sensor/events", `{"events": ["dance"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(http.MethodPost, "/api/sensor/events", `{"prompts": 9}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(http.MethodPost, "/api/sensor/samples", `{"total": 1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventsRejectedRecordsNothing(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(http.MethodPost, "/api/sensor/events", `{"steps": 9, "battery": 50, "events": ["interaction", "dance"]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	env.flush(t)

	w = env.do(http.MethodGet, "/api/log/blocks/0/decoded", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var d DecodedBlock
	decodeJSON(t, w, &d)
	assert.Nil(t, d.Header.Battery)
	require.Len(t, d.Records, 1)
	assert.Zero(t, d.Records[0].Steps)
	assert.NotContains(t, d.Records[0].Events, "interaction")
}

func TestDestroyRequiresAdminKey(t *testing.T) {
	env := setupTestRouter(t)
	env.flush(t)
	env.flush(t)

	w := env.do(http.MethodPost, "/api/log/destroy", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/log/destroy", "", middleware.AdminKeyHeader, testAdminKey)
	require.Equal(t, http.StatusOK, w.Code)

	active, err := env.svc.Active(context.Background())
	require.NoError(t, err)
	assert.Zero(t, active)
	w = env.do(http.MethodGet, "/api/log/blocks/1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStream(t *testing.T) {
	env := setupTestRouter(t)
	env.flush(t)
	env.flush(t)
	env.flush(t)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/log/stream?from=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	readBlock := func() uint32 {
		t.Helper()
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.BinaryMessage, mt)
		require.Len(t, data, block.Size)
		idx, err := block.PeekIndex(data)
		require.NoError(t, err)
		return idx
	}

	assert.Equal(t, uint32(1), readBlock())
	assert.Equal(t, uint32(2), readBlock())

	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, CaughtUp, string(data))

	require.Eventually(t, func() bool { return env.router.Stream.Streams() == 1 },
		time.Second, 10*time.Millisecond)

	env.flush(t)
	assert.Equal(t, uint32(3), readBlock())
}

func TestStreamBadFrom(t *testing.T) {
	env := setupTestRouter(t)
	w := env.do(http.MethodGet, "/api/log/stream?from=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
