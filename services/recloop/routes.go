// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package recloop

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/telemetry"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "mlops",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aleutian",
		Subsystem: "mlops",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
)

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// RegisterRoutes registers the /v1/loop endpoints.
//
// Endpoints:
//
//	POST /v1/loop/analyze - Analyze one unit
//	POST /v1/loop/analyze/batch - Analyze many units
//	POST /v1/loop/analyze/diff - Analyze a unified diff
//	POST /v1/loop/feedback - Submit feedback
//	POST /v1/loop/recommendations/:id/feedback - Submit feedback for one recommendation
//	POST /v1/loop/retrain - Enqueue a retrain
//	GET  /v1/loop/monitor/snapshot - Windowed serving stats
//	GET  /v1/loop/drift/latest - Last drift report
//	POST /v1/loop/drift/scan - Scan now
//	POST /v1/loop/deployments - Start a rollout
//	GET  /v1/loop/deployments/:id - Rollout record
//	POST /v1/loop/deployments/:id/cancel - Cancel and roll back
//	GET  /v1/loop/artifacts/:name - Registered versions
//	GET  /v1/loop/events/ws - Event stream
//	GET  /v1/loop/health - Health check
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	loop := rg.Group("/loop")
	{
		loop.POST("/analyze", h.HandleAnalyze)
		loop.POST("/analyze/batch", h.HandleAnalyzeBatch)
		loop.POST("/analyze/diff", h.HandleAnalyzeDiff)

		loop.POST("/feedback", h.HandleFeedback)
		loop.POST("/recommendations/:id/feedback", h.HandleFeedback)
		loop.POST("/retrain", h.HandleRetrain)

		loop.GET("/monitor/snapshot", h.HandleMonitorSnapshot)
		loop.GET("/drift/latest", h.HandleDriftLatest)
		loop.POST("/drift/scan", h.HandleDriftScan)

		loop.POST("/deployments", h.HandleDeploy)
		loop.GET("/deployments/:id", h.HandleGetDeployment)
		loop.POST("/deployments/:id/cancel", h.HandleCancelDeployment)
		loop.GET("/artifacts/:name", h.HandleListArtifacts)

		loop.GET("/events/ws", gin.WrapH(h.svc.hub))
		loop.GET("/health", h.HandleHealth)
	}
}

// Handler returns the service's HTTP handler with tracing and metrics
// middleware applied.
func (s *Service) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.cfg.Telemetry.ServiceName))
	router.Use(requestMetrics())

	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	RegisterRoutes(router.Group("/v1"), NewHandlers(s))
	return router
}
