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

// Package relay routes execute and interrupt requests to a running
// sandbox's internal HTTP server through the router. Sandboxes are not
// independently reachable: every request is addressed by sandbox name,
// namespace and internal port headers, never by a network address.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/incidentfox/orchestrator/pkg/common/types"
)

// Router addressing headers.
const (
	HeaderSandboxName      = "X-Sandbox-Name"
	HeaderSandboxNamespace = "X-Sandbox-Namespace"
	HeaderSandboxPort      = "X-Sandbox-Port"
)

const (
	executePath   = "/execute"
	interruptPath = "/interrupt"
	healthPath    = "/health"

	defaultHealthTimeout    = 5 * time.Second
	defaultInterruptTimeout = 15 * time.Second

	// responseHeaderTimeout bounds how long the router may take to start
	// answering; the stream itself is unbounded and governed by the
	// caller's context.
	responseHeaderTimeout = 30 * time.Second
)

// Relay issues requests to sandbox-internal servers through the router.
type Relay struct {
	routerURL    string
	internalPort int
	client       *http.Client

	healthTimeout    time.Duration
	interruptTimeout time.Duration
}

// Option customizes a Relay.
type Option func(*Relay)

// WithHTTPClient replaces the default HTTP client (tests).
func WithHTTPClient(client *http.Client) Option {
	return func(r *Relay) { r.client = client }
}

// WithInterruptTimeout overrides the interrupt call timeout.
func WithInterruptTimeout(d time.Duration) Option {
	return func(r *Relay) { r.interruptTimeout = d }
}

// New creates a Relay for the given router base URL and sandbox-internal
// server port.
func New(routerURL string, internalPort int, opts ...Option) *Relay {
	r := &Relay{
		routerURL:    routerURL,
		internalPort: internalPort,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          64,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: responseHeaderTimeout,
			},
		},
		healthTimeout:    defaultHealthTimeout,
		interruptTimeout: defaultInterruptTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute starts a task in the sandbox and returns the live event stream.
// Transport failures and rejections surface as *ExecuteError so the caller
// can decide between retry and abort with full context.
func (r *Relay) Execute(ctx context.Context, record *types.SandboxRecord, prompt string, attachments []types.Attachment) (*EventStream, error) {
	body := &types.ExecuteRequest{
		Prompt:      prompt,
		ThreadID:    record.ThreadID,
		Attachments: attachments,
	}

	resp, err := r.post(ctx, record, executePath, body)
	if err != nil {
		return nil, &ExecuteError{SandboxName: record.Name, ThreadID: record.ThreadID, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, &ExecuteError{
			SandboxName: record.Name,
			ThreadID:    record.ThreadID,
			Err:         readStatusError(resp),
		}
	}

	klog.V(2).Infof("streaming execution from sandbox %s/%s", record.Namespace, record.Name)
	return NewEventStream(resp.Body), nil
}

// Interrupt signals the in-flight execution in the sandbox to stop. The
// signal is advisory: the interrupted execute stream may still end with a
// cancelled terminal event. Failures surface as *InterruptError, distinct
// from execute failures.
func (r *Relay) Interrupt(ctx context.Context, record *types.SandboxRecord) (*EventStream, error) {
	ctx, cancel := context.WithTimeout(ctx, r.interruptTimeout)
	// cancel must outlive the returned stream; tie it to stream close.

	body := &types.InterruptRequest{ThreadID: record.ThreadID}
	resp, err := r.post(ctx, record, interruptPath, body)
	if err != nil {
		cancel()
		return nil, &InterruptError{SandboxName: record.Name, ThreadID: record.ThreadID, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		return nil, &InterruptError{
			SandboxName: record.Name,
			ThreadID:    record.ThreadID,
			Err:         readStatusError(resp),
		}
	}

	stream := NewEventStream(resp.Body)
	stream.onClose = cancel
	return stream, nil
}

// Health probes the sandbox-internal health endpoint through the router.
// Used by the lifecycle manager's readiness loop.
func (r *Relay) Health(ctx context.Context, record *types.SandboxRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.routerURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	r.addressHeaders(req, record)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe for sandbox %s failed: %w", record.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe for sandbox %s: %w", record.Name, readStatusError(resp))
	}
	return nil
}

func (r *Relay) post(ctx context.Context, record *types.SandboxRecord, path string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.routerURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.addressHeaders(req, record)

	return r.client.Do(req)
}

func (r *Relay) addressHeaders(req *http.Request, record *types.SandboxRecord) {
	req.Header.Set(HeaderSandboxName, record.Name)
	req.Header.Set(HeaderSandboxNamespace, record.Namespace)
	req.Header.Set(HeaderSandboxPort, strconv.Itoa(r.internalPort))
}

func readStatusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if len(b) == 0 {
		return fmt.Errorf("sandbox rejected the request: status %d", resp.StatusCode)
	}
	return fmt.Errorf("sandbox rejected the request: status %d: %s", resp.StatusCode, string(b))
}
