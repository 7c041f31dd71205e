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

package api

import (
	"errors"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const (
	resourceGroup             = "orchestrator.incidentfox.io"
	investigationResourceName = "investigations"
)

var investigationResource = schema.GroupResource{Group: resourceGroup, Resource: investigationResourceName}

var (
	// ErrSigningSecretMissing indicates the identity signing secret is not
	// available. This is a fatal configuration error: no token may ever be
	// minted without a verifiable signature.
	ErrSigningSecretMissing = errors.New("identity signing secret not available")

	// ErrSandboxNotReady indicates the sandbox exists but has not passed
	// its readiness probe yet.
	ErrSandboxNotReady = errors.New("sandbox not ready")
)

// NewInvestigationNotFoundError returns a k8s-style not-found error for the
// given thread, so callers can use apierrors.IsNotFound uniformly.
func NewInvestigationNotFoundError(threadID string) error {
	return apierrors.NewNotFound(investigationResource, threadID)
}

// NewUpstreamUnavailableError wraps a transport failure to the cluster or
// router as a service-unavailable error.
func NewUpstreamUnavailableError(err error) error {
	return apierrors.NewServiceUnavailable(err.Error())
}
