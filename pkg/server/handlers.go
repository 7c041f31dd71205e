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

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/incidentfox/orchestrator/pkg/common/types"
	"github.com/incidentfox/orchestrator/pkg/lifecycle"
	"github.com/incidentfox/orchestrator/pkg/relay"
	"github.com/incidentfox/orchestrator/pkg/store"
)

const defaultListLimit = 100

// ErrorResponse is the uniform error body for all API failures.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.records != nil {
		if err := s.records.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "record store unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreate(c *gin.Context) {
	var req types.CreateInvestigationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	ttl := s.cfg.SandboxTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	record, err := s.manager.Create(c.Request.Context(), lifecycle.CreateOptions{
		ThreadID: req.ThreadID,
		TenantID: req.TenantID,
		TeamID:   req.TeamID,
		TTL:      ttl,
	})
	if err != nil {
		klog.Errorf("failed to create sandbox for thread %s: %v", req.ThreadID, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to create investigation environment"})
		return
	}

	if s.records != nil {
		stored := &types.StoredRecord{
			Name:      record.Name,
			ThreadID:  record.ThreadID,
			Namespace: record.Namespace,
			TenantID:  req.TenantID,
			TeamID:    req.TeamID,
			CreatedAt: record.CreatedAt,
			ExpiresAt: time.Now().Add(ttl),
		}
		if err := s.records.StoreRecord(c.Request.Context(), stored); err != nil {
			// The cluster remains the source of truth; a stale index only
			// degrades listing.
			klog.Warningf("failed to index investigation %s: %v", record.ThreadID, err)
		}
	}

	ready := false
	if req.WaitForReady {
		ready = s.manager.WaitForReady(c.Request.Context(), req.ThreadID, s.cfg.ReadinessTimeout)
		if !ready {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "environment not available, try again"})
			return
		}
	}

	c.JSON(http.StatusCreated, types.CreateInvestigationResponse{
		Name:      record.Name,
		ThreadID:  record.ThreadID,
		Namespace: record.Namespace,
		CreatedAt: record.CreatedAt,
		Ready:     ready,
	})
}

func (s *Server) handleList(c *gin.Context) {
	if s.records == nil {
		c.JSON(http.StatusOK, gin.H{"investigations": []*types.StoredRecord{}})
		return
	}

	limit := int64(defaultListLimit)
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit parameter"})
			return
		}
		limit = parsed
	}

	records, err := s.records.ListActiveRecords(c.Request.Context(), limit)
	if err != nil {
		klog.Errorf("failed to list investigations: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list investigations"})
		return
	}
	if records == nil {
		records = []*types.StoredRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"investigations": records})
}

func (s *Server) handleGet(c *gin.Context) {
	threadID := c.Param("threadID")

	record, err := s.manager.Get(c.Request.Context(), threadID)
	if err != nil {
		klog.Errorf("failed to get sandbox for thread %s: %v", threadID, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to get investigation"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no investigation environment for thread " + threadID})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleDelete(c *gin.Context) {
	threadID := c.Param("threadID")

	if err := s.manager.Delete(c.Request.Context(), threadID); err != nil {
		klog.Errorf("failed to delete sandbox for thread %s: %v", threadID, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to delete investigation"})
		return
	}
	if s.records != nil {
		if err := s.records.DeleteRecordByThreadID(c.Request.Context(), threadID); err != nil && !errors.Is(err, store.ErrNotFound) {
			klog.Warningf("failed to remove investigation %s from index: %v", threadID, err)
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleExecute(c *gin.Context) {
	threadID := c.Param("threadID")

	var req types.ExecuteInvestigationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Prompt == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "prompt is required"})
		return
	}

	record, err := s.manager.Get(c.Request.Context(), threadID)
	if err != nil {
		klog.Errorf("failed to get sandbox for thread %s: %v", threadID, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to get investigation"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no investigation environment for thread " + threadID})
		return
	}

	stream, err := s.executor.Execute(c.Request.Context(), record, req.Prompt, req.Attachments)
	if err != nil {
		var execErr *relay.ExecuteError
		if errors.As(err, &execErr) && execErr.Timeout() {
			c.JSON(http.StatusGatewayTimeout, ErrorResponse{Error: "execution request timed out"})
			return
		}
		klog.Errorf("execute failed for thread %s: %v", threadID, err)
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "execution request failed"})
		return
	}
	defer stream.Close()

	s.streamEvents(c, stream)
}

func (s *Server) handleInterrupt(c *gin.Context) {
	threadID := c.Param("threadID")

	record, err := s.manager.Get(c.Request.Context(), threadID)
	if err != nil {
		klog.Errorf("failed to get sandbox for thread %s: %v", threadID, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to get investigation"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no investigation environment for thread " + threadID})
		return
	}

	stream, err := s.executor.Interrupt(c.Request.Context(), record)
	if err != nil {
		var interruptErr *relay.InterruptError
		if errors.As(err, &interruptErr) && interruptErr.Timeout() {
			c.JSON(http.StatusGatewayTimeout, ErrorResponse{Error: "interrupt request timed out"})
			return
		}
		klog.Errorf("interrupt failed for thread %s: %v", threadID, err)
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "interrupt request failed"})
		return
	}
	defer stream.Close()

	s.streamEvents(c, stream)
}

// streamEvents copies an event stream to the client as NDJSON, flushing
// after every event so callers see progress immediately.
func (s *Server) streamEvents(c *gin.Context, stream *relay.EventStream) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	encoder := json.NewEncoder(c.Writer)

	for {
		event, err := stream.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			// Headers are already sent; the best we can do is surface a
			// terminal error event before closing the stream.
			_ = encoder.Encode(&types.Event{Type: types.EventTypeError, Data: json.RawMessage(strconv.Quote(err.Error()))})
			return
		}
		if err := encoder.Encode(event); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
