/*
Copyright The IncidentFox Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package server exposes the orchestrator HTTP API: provisioning,
// inspection and teardown of investigation sandboxes plus streaming task
// execution through the relay.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"k8s.io/klog/v2"

	"github.com/incidentfox/orchestrator/pkg/common/types"
	"github.com/incidentfox/orchestrator/pkg/config"
	"github.com/incidentfox/orchestrator/pkg/lifecycle"
	"github.com/incidentfox/orchestrator/pkg/relay"
	"github.com/incidentfox/orchestrator/pkg/store"
)

// SandboxManager is the lifecycle surface the server depends on; satisfied
// by *lifecycle.Manager and by test doubles.
type SandboxManager interface {
	Create(ctx context.Context, opts lifecycle.CreateOptions) (*types.SandboxRecord, error)
	Get(ctx context.Context, threadID string) (*types.SandboxRecord, error)
	WaitForReady(ctx context.Context, threadID string, timeout time.Duration) bool
	Delete(ctx context.Context, threadID string) error
}

// Executor is the relay surface the server depends on.
type Executor interface {
	Execute(ctx context.Context, record *types.SandboxRecord, prompt string, attachments []types.Attachment) (*relay.EventStream, error)
	Interrupt(ctx context.Context, record *types.SandboxRecord) (*relay.EventStream, error)
}

// Server is the orchestrator API server.
type Server struct {
	cfg        *config.Config
	manager    SandboxManager
	executor   Executor
	records    store.Store
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer wires the server from injected dependencies.
func NewServer(cfg *config.Config, manager SandboxManager, executor Executor, records store.Store) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if manager == nil || executor == nil {
		return nil, fmt.Errorf("manager and executor are required")
	}

	s := &Server{
		cfg:      cfg,
		manager:  manager,
		executor: executor,
		records:  records,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())

	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/v1")
	v1.Use(s.loggingMiddleware)
	v1.Use(s.requestIDMiddleware)

	v1.POST("/investigations", s.handleCreate)
	v1.GET("/investigations", s.handleList)
	v1.GET("/investigations/:threadID", s.handleGet)
	v1.DELETE("/investigations/:threadID", s.handleDelete)
	v1.POST("/investigations/:threadID/execute", s.handleExecute)
	v1.POST("/investigations/:threadID/interrupt", s.handleInterrupt)
}

// Start runs the server until the context is cancelled. h2c is enabled so
// execution streams are not subject to HTTP/1.1 proxy buffering.
func (s *Server) Start(ctx context.Context) error {
	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           h2c.NewHandler(s.router, h2s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("orchestrator API listening on :%s", s.cfg.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
