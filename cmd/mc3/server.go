// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianMC3/services/mc3/supervisor"
	"github.com/AleutianAI/AleutianMC3/services/mc3/telemetry"
)

// runStatus is what /healthz reports. It is written by the supervisor
// hooks and read by HTTP handlers.
type runStatus struct {
	runID   string
	started time.Time
	phase   atomic.Int32
	round   atomic.Int64
}

func newRunStatus(runID string) *runStatus {
	return &runStatus{runID: runID, started: time.Now()}
}

func (s *runStatus) setPhase(p supervisor.Phase) { s.phase.Store(int32(p)) }
func (s *runStatus) setRound(r int)              { s.round.Store(int64(r)) }

type healthResponse struct {
	Status        string  `json:"status"`
	RunID         string  `json:"run_id"`
	Phase         string  `json:"phase"`
	Round         int64   `json:"round"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *runStatus) health() healthResponse {
	return healthResponse{
		Status:        "ok",
		RunID:         s.runID,
		Phase:         supervisor.Phase(s.phase.Load()).String(),
		Round:         s.round.Load(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
}

// newRouter builds the metrics router.
func newRouter(service string, status *runStatus) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(service))

	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, status.health())
	})
	return router
}

// startMetricsServer serves the router on addr until the returned stop
// function is called.
func startMetricsServer(addr, service string, status *runStatus, log *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics server: %w", err)
	}
	srv := &http.Server{
		Handler:           newRouter(service, status),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	log.Info("metrics server listening", slog.String("address", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("metrics server shutdown", slog.String("error", err.Error()))
		}
	}, nil
}
