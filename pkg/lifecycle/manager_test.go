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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"

	"github.com/incidentfox/orchestrator/pkg/common/types"
	"github.com/incidentfox/orchestrator/pkg/config"
	"github.com/incidentfox/orchestrator/pkg/identity"
	"github.com/incidentfox/orchestrator/pkg/proxyconfig"
)

type fakeProber struct {
	err error
}

func (p *fakeProber) Health(ctx context.Context, record *types.SandboxRecord) error {
	return p.err
}

func testConfig() *config.Config {
	return &config.Config{
		Namespace:             "default",
		AgentImage:            "registry.internal/agent:latest",
		ProxyImage:            "envoyproxy/envoy:v1.31.0",
		CredentialBrokerHost:  "credential-broker.platform.svc",
		CredentialBrokerPort:  9002,
		RouterURL:             "http://router.platform.svc",
		InternalPort:          8888,
		Upstreams: []proxyconfig.Upstream{
			{Name: "llm-provider", PathPrefix: "/llm/", Host: "api.llm-provider.internal", Port: 443, TLS: true},
		},
		SandboxTTL:            time.Hour,
		ReadinessPollInterval: 10 * time.Millisecond,
		ReadinessTimeout:      time.Second,
		ClusterRequestTimeout: 5 * time.Second,
	}
}

func newTestManager(t *testing.T, prober HealthProber) (*Manager, *k8sfake.Clientset, *dynamicfake.FakeDynamicClient) {
	t.Helper()

	// The dynamic fake must track sandboxes as unstructured objects, so the
	// scheme deliberately omits the typed sandbox API; only the list kind for
	// the GVR is registered.
	scheme := runtime.NewScheme()
	fakeDynamic := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme,
		map[schema.GroupVersionResource]string{SandboxGVR: "SandboxList"})
	fakeClientset := k8sfake.NewSimpleClientset()

	issuer, err := identity.NewIssuer([]byte("test-signing-secret"))
	require.NoError(t, err)

	if prober == nil {
		prober = &fakeProber{}
	}
	return NewManager(fakeClientset, fakeDynamic, issuer, prober, testConfig()), fakeClientset, fakeDynamic
}

func TestSandboxName(t *testing.T) {
	assert.Equal(t, "investigation-abc", SandboxName("abc"))
	assert.Equal(t, "investigation-abc-123", SandboxName("ABC_123"))
	assert.Equal(t, "investigation-a-b", SandboxName("a.b"))

	long := SandboxName("thread-with-a-very-long-identifier-that-exceeds-kubernetes-name-limits-by-far")
	assert.LessOrEqual(t, len(long), 63)
	assert.NotEqual(t, "-", long[len(long)-1:])

	// Deterministic: same thread always maps to the same name.
	assert.Equal(t, SandboxName("t1"), SandboxName("t1"))
}

func TestCreateProvisionsSandboxAndProxyConfig(t *testing.T) {
	manager, clientset, _ := newTestManager(t, nil)
	ctx := context.Background()

	record, err := manager.Create(ctx, CreateOptions{ThreadID: "abc", TenantID: "t1", TeamID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, "investigation-abc", record.Name)
	assert.Equal(t, "abc", record.ThreadID)
	assert.Equal(t, "default", record.Namespace)
	assert.NotEmpty(t, record.IdentityToken)

	cm, err := clientset.CoreV1().ConfigMaps("default").Get(ctx, "investigation-abc-proxy-config", metav1.GetOptions{})
	require.NoError(t, err)
	doc := cm.Data["envoy.yaml"]
	require.NotEmpty(t, doc)
	assert.Contains(t, doc, "failure_mode_allow: false")
	assert.Contains(t, doc, record.IdentityToken)
	assert.Equal(t, "abc", cm.Labels[ThreadIDLabelKey])

	fetched, err := manager.Get(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, record.Name, fetched.Name)
	// Tokens never come back from the cluster.
	assert.Empty(t, fetched.IdentityToken)
}

func TestCreateIsIdempotent(t *testing.T) {
	manager, clientset, dyn := newTestManager(t, nil)
	ctx := context.Background()

	first, err := manager.Create(ctx, CreateOptions{ThreadID: "abc", TenantID: "t1", TeamID: "g1"})
	require.NoError(t, err)
	second, err := manager.Create(ctx, CreateOptions{ThreadID: "abc", TenantID: "t1", TeamID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, first.Name, second.Name)

	cms, err := clientset.CoreV1().ConfigMaps("default").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, cms.Items, 1)

	sandboxes, err := dyn.Resource(SandboxGVR).Namespace("default").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, sandboxes.Items, 1)
}

func TestCreateReusesSuppliedToken(t *testing.T) {
	manager, clientset, _ := newTestManager(t, nil)
	ctx := context.Background()

	record, err := manager.Create(ctx, CreateOptions{
		ThreadID:    "abc",
		TenantID:    "t1",
		TeamID:      "g1",
		ReusedToken: "previously-minted-token",
	})
	require.NoError(t, err)
	assert.Equal(t, "previously-minted-token", record.IdentityToken)

	cm, err := clientset.CoreV1().ConfigMaps("default").Get(ctx, "investigation-abc-proxy-config", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Contains(t, cm.Data["envoy.yaml"], "previously-minted-token")
}

func TestCreateRequiresThreadID(t *testing.T) {
	manager, _, _ := newTestManager(t, nil)
	_, err := manager.Create(context.Background(), CreateOptions{TenantID: "t1", TeamID: "g1"})
	assert.Error(t, err)
}

func TestGetReturnsNilWhenAbsent(t *testing.T) {
	manager, _, _ := newTestManager(t, nil)
	record, err := manager.Get(context.Background(), "no-such-thread")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestDeleteRemovesSandboxAndProxyConfig(t *testing.T) {
	manager, clientset, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := manager.Create(ctx, CreateOptions{ThreadID: "abc", TenantID: "t1", TeamID: "g1"})
	require.NoError(t, err)
	require.NoError(t, manager.Delete(ctx, "abc"))

	record, err := manager.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Nil(t, record)

	_, err = clientset.CoreV1().ConfigMaps("default").Get(ctx, "investigation-abc-proxy-config", metav1.GetOptions{})
	assert.Error(t, err)
}

func TestDeleteToleratesAbsentSandbox(t *testing.T) {
	manager, _, _ := newTestManager(t, nil)
	assert.NoError(t, manager.Delete(context.Background(), "never-created"))
	// Retry after success is also fine.
	assert.NoError(t, manager.Delete(context.Background(), "never-created"))
}

func TestWaitForReadyTimesOut(t *testing.T) {
	manager, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	// Sandbox exists but never gains a Ready condition.
	_, err := manager.Create(ctx, CreateOptions{ThreadID: "abc", TenantID: "t1", TeamID: "g1"})
	require.NoError(t, err)

	ready := manager.WaitForReady(ctx, "abc", 100*time.Millisecond)
	assert.False(t, ready)
}

func TestWaitForReadyChecksHealthProbe(t *testing.T) {
	prober := &fakeProber{err: errors.New("connection refused")}
	manager, _, dyn := newTestManager(t, prober)
	ctx := context.Background()

	_, err := manager.Create(ctx, CreateOptions{ThreadID: "abc", TenantID: "t1", TeamID: "g1"})
	require.NoError(t, err)

	// Mark the sandbox Ready in the cluster.
	obj, err := dyn.Resource(SandboxGVR).Namespace("default").Get(ctx, "investigation-abc", metav1.GetOptions{})
	require.NoError(t, err)
	require.NoError(t, setReadyCondition(obj))
	_, err = dyn.Resource(SandboxGVR).Namespace("default").Update(ctx, obj, metav1.UpdateOptions{})
	require.NoError(t, err)

	// Cluster-ready but failing the health probe is still not ready.
	assert.False(t, manager.WaitForReady(ctx, "abc", 100*time.Millisecond))

	prober.err = nil
	assert.True(t, manager.WaitForReady(ctx, "abc", time.Second))
}

func setReadyCondition(obj *unstructured.Unstructured) error {
	conditions := []interface{}{
		map[string]interface{}{
			"type":               string(sandboxv1alpha1.SandboxConditionReady),
			"status":             "True",
			"reason":             "SandboxReady",
			"lastTransitionTime": time.Now().UTC().Format(time.RFC3339),
		},
	}
	return unstructured.SetNestedSlice(obj.Object, conditions, "status", "conditions")
}
