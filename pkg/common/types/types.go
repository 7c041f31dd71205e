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

package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// SandboxRecord describes one live investigation sandbox. It is owned by the
// lifecycle manager; the relay only borrows Name/Namespace to address it.
type SandboxRecord struct {
	// Name is the deterministic sandbox name derived from ThreadID.
	Name string `json:"name"`
	// ThreadID is the investigation thread the sandbox was provisioned for.
	ThreadID string `json:"threadId"`
	// Namespace is the cluster namespace holding the sandbox.
	Namespace string `json:"namespace"`
	// CreatedAt is the cluster creation timestamp of the sandbox.
	CreatedAt time.Time `json:"createdAt"`
	// IdentityToken is the signed identity minted for this sandbox. It is
	// never persisted outside the proxy configuration and the caller's
	// memory, and is empty on records rebuilt from the cluster.
	IdentityToken string `json:"-"`
}

// StoredRecord is the persistable projection of a SandboxRecord kept in the
// thread index. It deliberately has no field for the identity token.
type StoredRecord struct {
	Name      string    `json:"name"`
	ThreadID  string    `json:"threadId"`
	Namespace string    `json:"namespace"`
	TenantID  string    `json:"tenantId"`
	TeamID    string    `json:"teamId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Attachment is an opaque file handed to the agent alongside a prompt.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	// Data is base64-encoded content.
	Data string `json:"data"`
}

// ExecuteRequest is the body sent to the sandbox-internal execute endpoint.
type ExecuteRequest struct {
	Prompt      string       `json:"prompt"`
	ThreadID    string       `json:"thread_id"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// InterruptRequest is the body sent to the sandbox-internal interrupt endpoint.
type InterruptRequest struct {
	ThreadID string `json:"thread_id"`
}

// Event is one structured element of a sandbox execution stream.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Terminal event types emitted by the sandbox-internal server.
const (
	EventTypeDone      = "done"
	EventTypeCancelled = "cancelled"
	EventTypeError     = "error"
)

// CreateInvestigationRequest is the API request to provision a sandbox.
type CreateInvestigationRequest struct {
	ThreadID   string `json:"threadId"`
	TenantID   string `json:"tenantId"`
	TeamID     string `json:"teamId"`
	TTLSeconds int64  `json:"ttlSeconds,omitempty"`
	// WaitForReady makes creation block until the sandbox answers its
	// health probe (bounded by the server's readiness timeout).
	WaitForReady bool `json:"waitForReady,omitempty"`
}

// Validate checks required request fields.
func (r *CreateInvestigationRequest) Validate() error {
	if r.ThreadID == "" {
		return fmt.Errorf("threadId is required")
	}
	if r.TenantID == "" {
		return fmt.Errorf("tenantId is required")
	}
	if r.TeamID == "" {
		return fmt.Errorf("teamId is required")
	}
	if r.TTLSeconds < 0 {
		return fmt.Errorf("ttlSeconds must not be negative")
	}
	return nil
}

// CreateInvestigationResponse is returned on successful provisioning. The
// identity token is intentionally absent.
type CreateInvestigationResponse struct {
	Name      string    `json:"name"`
	ThreadID  string    `json:"threadId"`
	Namespace string    `json:"namespace"`
	CreatedAt time.Time `json:"createdAt"`
	Ready     bool      `json:"ready"`
}

// ExecuteInvestigationRequest is the API request to run a task in a sandbox.
type ExecuteInvestigationRequest struct {
	Prompt      string       `json:"prompt"`
	Attachments []Attachment `json:"attachments,omitempty"`
}
