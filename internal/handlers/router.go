// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tviviano/actilog/internal/middleware"
	"github.com/tviviano/actilog/internal/service"
)

// Router bundles the handlers behind one gin engine.
type Router struct {
	*gin.Engine
	Log    *LogHandler
	Sensor *SensorHandler
	Stream *StreamHandler
}

// NewRouter registers every route. metrics, if not nil, is served on
// GET /metrics.
func NewRouter(svc *service.LogService, adminKey string, metrics http.Handler, logger *zap.Logger) *Router {
	r := &Router{
		Engine: gin.New(),
		Log:    NewLogHandler(svc, logger),
		Sensor: NewSensorHandler(svc),
		Stream: NewStreamHandler(svc, logger),
	}
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.RequestLogger(logger))

	r.GET("/health", r.Log.Health)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	api := r.Group("/api")

	logRoutes := api.Group("/log")
	logRoutes.GET("", r.Log.Stats)
	logRoutes.GET("/protocol", r.Log.Protocol)
	logRoutes.GET("/active", r.Log.Active)
	logRoutes.GET("/earliest", r.Log.Earliest)
	logRoutes.GET("/blocks/:index", r.Log.Block)
	logRoutes.GET("/blocks/:index/decoded", r.Log.Decoded)
	logRoutes.GET("/stream", r.Stream.Stream)
	logRoutes.POST("/destroy", middleware.AdminAuth(adminKey), r.Log.Destroy)

	sensor := api.Group("/sensor")
	sensor.POST("/samples", r.Sensor.Samples)
	sensor.POST("/events", r.Sensor.Events)

	return r
}
