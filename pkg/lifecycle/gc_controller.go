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

package lifecycle

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	ktypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/klog/v2"
	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/incidentfox/orchestrator/pkg/proxyconfig"
	"github.com/incidentfox/orchestrator/pkg/store"
)

// ProxyConfigReconciler removes the proxy configuration artifact (and the
// thread index entry) once a sandbox is gone. The cluster enforces the
// sandbox TTL itself via the shutdown timestamp; without this reconciler an
// auto-expired sandbox would orphan its ConfigMap and break the one-
// artifact-per-live-sandbox invariant.
type ProxyConfigReconciler struct {
	client.Client

	// Store is optional; when set, the thread index entry is removed too.
	Store store.Store
}

// Reconcile reacts to Sandbox events. Only the "sandbox no longer exists"
// case needs work.
func (r *ProxyConfigReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	sandbox := &sandboxv1alpha1.Sandbox{}
	err := r.Get(ctx, req.NamespacedName, sandbox)
	if err == nil {
		return ctrl.Result{}, nil
	}
	if !apierrors.IsNotFound(err) {
		return ctrl.Result{}, err
	}

	artifact := &corev1.ConfigMap{}
	artifactKey := ktypes.NamespacedName{
		Namespace: req.Namespace,
		Name:      proxyconfig.ArtifactName(req.Name),
	}
	if err := r.Get(ctx, artifactKey, artifact); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	if artifact.Labels["managed-by"] != ManagedByLabelValue {
		return ctrl.Result{}, nil
	}

	threadID := artifact.Labels[ThreadIDLabelKey]
	if err := r.Delete(ctx, artifact); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	klog.Infof("garbage-collected proxy configuration %s/%s for expired sandbox %s", req.Namespace, artifactKey.Name, req.Name)

	if r.Store != nil && threadID != "" {
		if err := r.Store.DeleteRecordByThreadID(ctx, threadID); err != nil && err != store.ErrNotFound {
			klog.Warningf("failed to remove thread index entry for %s: %v", threadID, err)
		}
	}
	return ctrl.Result{}, nil
}

// SetupWithManager registers the reconciler for Sandbox events.
func (r *ProxyConfigReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&sandboxv1alpha1.Sandbox{}).
		Complete(r)
}
