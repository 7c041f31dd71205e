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

// Package lifecycle creates, inspects and destroys investigation sandboxes:
// per sandbox it owns one proxy configuration artifact (a ConfigMap) and one
// orchestrated unit (a Sandbox custom resource), both named
// deterministically from the investigation thread id.
package lifecycle

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"

	"github.com/incidentfox/orchestrator/pkg/common/types"
	"github.com/incidentfox/orchestrator/pkg/config"
	"github.com/incidentfox/orchestrator/pkg/identity"
	"github.com/incidentfox/orchestrator/pkg/proxyconfig"
)

const (
	// SandboxNamePrefix prefixes every investigation sandbox name.
	SandboxNamePrefix = "investigation-"

	// ThreadIDLabelKey labels every resource this manager creates with the
	// investigation thread id.
	ThreadIDLabelKey = "orchestrator.incidentfox.io/thread-id"
	// ManagedByLabelValue marks resources owned by this manager.
	ManagedByLabelValue = "incidentfox-orchestrator"
)

// SandboxGVR addresses the agent-sandbox Sandbox custom resource.
var SandboxGVR = schema.GroupVersionResource{
	Group:    "agents.x-k8s.io",
	Version:  "v1alpha1",
	Resource: "sandboxes",
}

var nameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

// SandboxName derives the deterministic sandbox name for a thread. Two
// create calls for the same thread always address the same sandbox, so
// concurrent callers converge on one identity instead of colliding.
func SandboxName(threadID string) string {
	name := SandboxNamePrefix + nameSanitizer.ReplaceAllString(strings.ToLower(threadID), "-")
	name = strings.Trim(name, "-")
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	return name
}

// HealthProber is the liveness probe used by WaitForReady; satisfied by the
// execution relay.
type HealthProber interface {
	Health(ctx context.Context, record *types.SandboxRecord) error
}

// Manager owns sandbox creation and teardown. All clients are injected; the
// manager keeps no global state and runs no background work of its own.
type Manager struct {
	clientset kubernetes.Interface
	dynamic   dynamic.Interface
	issuer    *identity.Issuer
	prober    HealthProber
	cfg       *config.Config
}

// NewManager wires a Manager from its dependencies.
func NewManager(clientset kubernetes.Interface, dyn dynamic.Interface, issuer *identity.Issuer, prober HealthProber, cfg *config.Config) *Manager {
	return &Manager{
		clientset: clientset,
		dynamic:   dyn,
		issuer:    issuer,
		prober:    prober,
		cfg:       cfg,
	}
}

// CreateOptions parameterizes Create.
type CreateOptions struct {
	ThreadID string
	TenantID string
	TeamID   string
	// TTL bounds the sandbox lifetime; zero selects the configured default.
	TTL time.Duration
	// ReusedToken, when non-empty, is used instead of minting a fresh
	// identity token. Rotation policy is the caller's decision.
	ReusedToken string
}

// Create provisions the proxy configuration artifact and the sandbox for a
// thread. It is idempotent: "already exists" on either resource replaces or
// adopts instead of failing, so repeated or concurrent calls for one thread
// leave exactly one artifact and one sandbox.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*types.SandboxRecord, error) {
	if opts.ThreadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = m.cfg.SandboxTTL
	}
	name := SandboxName(opts.ThreadID)

	token := opts.ReusedToken
	if token == "" {
		// The token outlives the sandbox by a grace period so in-flight
		// authorization calls near expiry still verify.
		minted, err := m.issuer.Mint(opts.TenantID, opts.TeamID, name, opts.ThreadID, ttl+identity.TokenTTLGrace)
		if err != nil {
			return nil, fmt.Errorf("failed to mint identity token for sandbox %s: %w", name, err)
		}
		token = minted
	}

	doc, err := proxyconfig.Generate(proxyconfig.Input{
		SandboxName:          name,
		IdentityToken:        token,
		CredentialBrokerHost: m.cfg.CredentialBrokerHost,
		CredentialBrokerPort: m.cfg.CredentialBrokerPort,
		Upstreams:            m.cfg.Upstreams,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate proxy configuration for sandbox %s: %w", name, err)
	}

	if err := m.upsertProxyConfig(ctx, name, opts.ThreadID, doc); err != nil {
		return nil, err
	}

	sandbox := buildSandbox(&sandboxParams{
		name:      name,
		namespace: m.cfg.Namespace,
		threadID:  opts.ThreadID,
		ttl:       ttl,
		cfg:       m.cfg,
	})

	unstructuredObj, err := runtime.DefaultUnstructuredConverter.ToUnstructured(sandbox)
	if err != nil {
		return nil, fmt.Errorf("failed to convert sandbox %s to unstructured: %w", name, err)
	}

	callCtx, cancel := m.clusterCtx(ctx)
	defer cancel()
	created, err := m.dynamic.Resource(SandboxGVR).Namespace(m.cfg.Namespace).Create(
		callCtx,
		&unstructured.Unstructured{Object: unstructuredObj},
		metav1.CreateOptions{},
	)
	if err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return nil, fmt.Errorf("failed to create sandbox %s: %w", name, err)
		}
		// Same thread, same name: adopt the existing sandbox.
		klog.V(2).Infof("sandbox %s/%s already exists, adopting", m.cfg.Namespace, name)
		existing, getErr := m.dynamic.Resource(SandboxGVR).Namespace(m.cfg.Namespace).Get(callCtx, name, metav1.GetOptions{})
		if getErr != nil {
			return nil, fmt.Errorf("sandbox %s already exists but cannot be read: %w", name, getErr)
		}
		created = existing
	}

	record := recordFromUnstructured(created, opts.ThreadID)
	record.IdentityToken = token
	klog.Infof("created sandbox %s/%s for thread %s (ttl %v)", record.Namespace, record.Name, opts.ThreadID, ttl)
	return record, nil
}

// upsertProxyConfig creates the proxy ConfigMap, replacing a stale artifact
// with the same name. A concurrent "already exists" is read as "use a
// replace instead of insert", never as a fatal race.
func (m *Manager) upsertProxyConfig(ctx context.Context, sandboxName, threadID, doc string) error {
	artifact := proxyconfig.ArtifactName(sandboxName)
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      artifact,
			Namespace: m.cfg.Namespace,
			Labels: map[string]string{
				ThreadIDLabelKey: threadID,
				"managed-by":     ManagedByLabelValue,
			},
		},
		Data: map[string]string{
			proxyConfigFileName: doc,
		},
	}

	callCtx, cancel := m.clusterCtx(ctx)
	defer cancel()
	_, err := m.clientset.CoreV1().ConfigMaps(m.cfg.Namespace).Create(callCtx, cm, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create proxy configuration %s/%s: %w", m.cfg.Namespace, artifact, err)
	}

	klog.V(2).Infof("proxy configuration %s/%s already exists, replacing", m.cfg.Namespace, artifact)
	existing, err := m.clientset.CoreV1().ConfigMaps(m.cfg.Namespace).Get(callCtx, artifact, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to read existing proxy configuration %s/%s: %w", m.cfg.Namespace, artifact, err)
	}
	existing.Labels = cm.Labels
	existing.Data = cm.Data
	if _, err := m.clientset.CoreV1().ConfigMaps(m.cfg.Namespace).Update(callCtx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to replace proxy configuration %s/%s: %w", m.cfg.Namespace, artifact, err)
	}
	return nil
}

// Get looks up the sandbox for a thread. It returns (nil, nil) when absent;
// any other cluster error propagates unchanged.
func (m *Manager) Get(ctx context.Context, threadID string) (*types.SandboxRecord, error) {
	name := SandboxName(threadID)

	callCtx, cancel := m.clusterCtx(ctx)
	defer cancel()
	obj, err := m.dynamic.Resource(SandboxGVR).Namespace(m.cfg.Namespace).Get(callCtx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get sandbox %s/%s: %w", m.cfg.Namespace, name, err)
	}
	return recordFromUnstructured(obj, threadID), nil
}

// WaitForReady polls until the sandbox reports Ready and the relay health
// probe succeeds. It returns false on timeout; false means "not usable
// yet", not a fatal condition.
func (m *Manager) WaitForReady(ctx context.Context, threadID string, timeout time.Duration) bool {
	name := SandboxName(threadID)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.ReadinessPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			klog.Warningf("timed out waiting for sandbox %s/%s to become ready", m.cfg.Namespace, name)
			return false
		case <-ticker.C:
			obj, err := m.dynamic.Resource(SandboxGVR).Namespace(m.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				klog.V(2).Infof("readiness poll for sandbox %s/%s: %v", m.cfg.Namespace, name, err)
				continue
			}
			if !isSandboxReady(obj) {
				continue
			}
			record := recordFromUnstructured(obj, threadID)
			if err := m.prober.Health(ctx, record); err != nil {
				klog.V(2).Infof("sandbox %s/%s ready in cluster but health probe failed: %v", m.cfg.Namespace, name, err)
				continue
			}
			return true
		}
	}
}

// Delete tears down the sandbox and its proxy configuration artifact. Both
// deletions tolerate "already gone": teardown is idempotent and safe to
// retry.
func (m *Manager) Delete(ctx context.Context, threadID string) error {
	name := SandboxName(threadID)

	callCtx, cancel := m.clusterCtx(ctx)
	defer cancel()
	if err := m.dynamic.Resource(SandboxGVR).Namespace(m.cfg.Namespace).Delete(callCtx, name, metav1.DeleteOptions{}); err != nil {
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete sandbox %s/%s: %w", m.cfg.Namespace, name, err)
		}
	}

	artifact := proxyconfig.ArtifactName(name)
	if err := m.clientset.CoreV1().ConfigMaps(m.cfg.Namespace).Delete(callCtx, artifact, metav1.DeleteOptions{}); err != nil {
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete proxy configuration %s/%s: %w", m.cfg.Namespace, artifact, err)
		}
	}

	klog.Infof("deleted sandbox %s/%s and its proxy configuration", m.cfg.Namespace, name)
	return nil
}

// PodForThread finds the sandbox pod by its thread-id label. Diagnostics
// only; execution traffic always goes through the router.
func (m *Manager) PodForThread(ctx context.Context, threadID string) (*corev1.Pod, error) {
	callCtx, cancel := m.clusterCtx(ctx)
	defer cancel()
	pods, err := m.clientset.CoreV1().Pods(m.cfg.Namespace).List(callCtx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", ThreadIDLabelKey, threadID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods for thread %s: %w", threadID, err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}
	return &pods.Items[0], nil
}

func (m *Manager) clusterCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.ClusterRequestTimeout)
}

// recordFromUnstructured rebuilds a record from the cluster object. The
// identity token is never stored in the cluster, so it stays empty here.
func recordFromUnstructured(obj *unstructured.Unstructured, threadID string) *types.SandboxRecord {
	if labeled, ok := obj.GetLabels()[ThreadIDLabelKey]; ok && labeled != "" {
		threadID = labeled
	}
	return &types.SandboxRecord{
		Name:      obj.GetName(),
		ThreadID:  threadID,
		Namespace: obj.GetNamespace(),
		CreatedAt: obj.GetCreationTimestamp().Time,
	}
}

// isSandboxReady inspects the Ready condition of the Sandbox CR.
func isSandboxReady(obj *unstructured.Unstructured) bool {
	var sandbox sandboxv1alpha1.Sandbox
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &sandbox); err != nil {
		klog.V(2).Infof("failed to convert sandbox %s/%s: %v", obj.GetNamespace(), obj.GetName(), err)
		return false
	}
	for _, condition := range sandbox.Status.Conditions {
		if condition.Type != string(sandboxv1alpha1.SandboxConditionReady) {
			continue
		}
		return condition.Status == metav1.ConditionTrue
	}
	return false
}
