// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes metrics and suite status over HTTP while a run is
// in progress.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/AleutianAI/perfkit/pkg/suite"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

// StatusSource provides the /status payload.
type StatusSource interface {
	Status() suite.Status
}

// Config configures the server.
type Config struct {
	// Addr is the listen address, host:port. Port 0 picks a free port.
	Addr string

	// ServiceName names the server in otelgin spans.
	ServiceName string

	// Gatherers are served on /metrics in order. Nil entries are skipped;
	// with none, prometheus.DefaultGatherer is used.
	Gatherers []prometheus.Gatherer

	// Status backs /status. Nil serves an empty status.
	Status StatusSource

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// ShutdownTimeout bounds graceful shutdown. Default 5s.
	ShutdownTimeout time.Duration
}

// Server is the status and metrics HTTP server.
type Server struct {
	cfg      Config
	router   *gin.Engine
	http     *http.Server
	listener net.Listener
	logger   *slog.Logger
}

// New builds the router. Nothing is bound until Listen or Run.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("server address is required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "perfkit"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{cfg: cfg, logger: logger.With("component", "server")}
	s.router = s.initRouter()
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) initRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.cfg.ServiceName))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", s.handleStatus)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer(), promhttp.HandlerOpts{})))
	return router
}

func (s *Server) gatherer() prometheus.Gatherer {
	var gs prometheus.Gatherers
	for _, g := range s.cfg.Gatherers {
		if g != nil {
			gs = append(gs, g)
		}
	}
	if len(gs) == 0 {
		return prometheus.DefaultGatherer
	}
	return gs
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.cfg.Status == nil {
		c.JSON(http.StatusOK, suite.Status{Cases: []suite.CaseStatus{}})
		return
	}
	c.JSON(http.StatusOK, s.cfg.Status.Status())
}

// Router returns the gin engine, for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Listen binds the address so bind errors surface before a run starts.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr is the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Run serves until ctx is cancelled, then shuts down gracefully.
//
// Outputs:
//   - error: nil after a clean shutdown, otherwise the serve or shutdown
//     error.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.logger.Info("status server listening", slog.String("addr", s.Addr()))

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		s.logger.Debug("status server stopped")
		return nil
	})
	return g.Wait()
}
