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

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentfox/orchestrator/pkg/common/types"
)

func testRecord() *types.SandboxRecord {
	return &types.SandboxRecord{
		Name:      "investigation-abc",
		ThreadID:  "abc",
		Namespace: "default",
	}
}

func TestExecuteStreamsEvents(t *testing.T) {
	var gotHeaders http.Header
	var gotBody types.ExecuteRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/execute", r.URL.Path)
		gotHeaders = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`{"type":"progress","data":{"step":"checking logs"}}`,
			`{"type":"done","data":{"summary":"root cause found"}}`,
		} {
			_, _ = io.WriteString(w, line+"\n")
			flusher.Flush()
		}
	}))
	defer srv.Close()

	r := New(srv.URL, 8888)
	stream, err := r.Execute(context.Background(), testRecord(), "why did checkout fail", []types.Attachment{
		{Name: "graph.png", ContentType: "image/png", Data: "aGVsbG8="},
	})
	require.NoError(t, err)
	defer stream.Close()

	// Requests are addressed by headers, never by pod IP.
	assert.Equal(t, "investigation-abc", gotHeaders.Get(HeaderSandboxName))
	assert.Equal(t, "default", gotHeaders.Get(HeaderSandboxNamespace))
	assert.Equal(t, "8888", gotHeaders.Get(HeaderSandboxPort))

	assert.Equal(t, "why did checkout fail", gotBody.Prompt)
	assert.Equal(t, "abc", gotBody.ThreadID)
	require.Len(t, gotBody.Attachments, 1)
	assert.Equal(t, "graph.png", gotBody.Attachments[0].Name)

	first, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "progress", first.Type)

	second, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, types.EventTypeDone, second.Type)

	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
}

func TestExecuteRejectionIsTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sandbox is busy", http.StatusConflict)
	}))
	defer srv.Close()

	r := New(srv.URL, 8888)
	_, err := r.Execute(context.Background(), testRecord(), "prompt", nil)
	require.Error(t, err)

	var execErr *ExecuteError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "investigation-abc", execErr.SandboxName)
	assert.Equal(t, "abc", execErr.ThreadID)
	assert.False(t, execErr.Timeout())
	assert.Contains(t, execErr.Error(), "sandbox is busy")
}

func TestExecuteTimeoutIsDiscriminable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches for client disconnect;
		// otherwise r.Context() is never cancelled and Close deadlocks.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	r := New(srv.URL, 8888)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Execute(ctx, testRecord(), "prompt", nil)
	require.Error(t, err)

	var execErr *ExecuteError
	require.True(t, errors.As(err, &execErr))
	assert.True(t, execErr.Timeout())
}

func TestInterruptUsesDistinctErrorType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/interrupt", r.URL.Path)
		http.Error(w, "no execution in flight", http.StatusNotFound)
	}))
	defer srv.Close()

	r := New(srv.URL, 8888)
	_, err := r.Interrupt(context.Background(), testRecord())
	require.Error(t, err)

	var interruptErr *InterruptError
	require.True(t, errors.As(err, &interruptErr))
	var execErr *ExecuteError
	assert.False(t, errors.As(err, &execErr))
	assert.False(t, interruptErr.Timeout())
}

func TestInterruptStreamsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body types.InterruptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "abc", body.ThreadID)
		_, _ = io.WriteString(w, `{"type":"cancelled"}`+"\n")
	}))
	defer srv.Close()

	r := New(srv.URL, 8888)
	stream, err := r.Interrupt(context.Background(), testRecord())
	require.NoError(t, err)
	defer stream.Close()

	event, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, types.EventTypeCancelled, event.Type)
}

func TestHealth(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		assert.Equal(t, "investigation-abc", r.Header.Get(HeaderSandboxName))
		if !healthy {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New(srv.URL, 8888)
	assert.NoError(t, r.Health(context.Background(), testRecord()))

	healthy = false
	assert.Error(t, r.Health(context.Background(), testRecord()))
}

func TestStreamSkipsBlankLinesAndRejectsGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "\n\n"+`{"type":"progress"}`+"\n"+"not json\n")
	}))
	defer srv.Close()

	r := New(srv.URL, 8888)
	stream, err := r.Execute(context.Background(), testRecord(), "prompt", nil)
	require.NoError(t, err)
	defer stream.Close()

	event, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "progress", event.Type)

	_, err = stream.Next()
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"type":"done"}`+"\n")
	}))
	defer srv.Close()

	r := New(srv.URL, 8888)
	stream, err := r.Execute(context.Background(), testRecord(), "prompt", nil)
	require.NoError(t, err)

	assert.NoError(t, stream.Close())
	assert.NotPanics(t, func() { _ = stream.Close() })
}
