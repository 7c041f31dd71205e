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
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"

	"github.com/incidentfox/orchestrator/pkg/config"
	"github.com/incidentfox/orchestrator/pkg/proxyconfig"
)

const (
	agentContainerName = "agent"
	proxyContainerName = "proxy"

	proxyConfigFileName   = "envoy.yaml"
	proxyConfigMountPath  = "/etc/envoy"
	proxyConfigVolumeName = "proxy-config"
)

type sandboxParams struct {
	name      string
	namespace string
	threadID  string
	ttl       time.Duration
	cfg       *config.Config
}

// buildSandbox assembles the Sandbox custom resource for one investigation.
// The TTL is encoded as an absolute shutdown timestamp so expiry is enforced
// by the cluster even if this process dies.
//
// The pod holds two containers: the agent, which carries no credentials and
// reaches upstreams only via the localhost proxy listener, and the Envoy
// sidecar, which terminates all credentialed egress using the bootstrap
// mounted from the proxy ConfigMap.
func buildSandbox(params *sandboxParams) *sandboxv1alpha1.Sandbox {
	shutdownTime := metav1.NewTime(time.Now().Add(params.ttl))

	podSpec := corev1.PodSpec{
		Containers: []corev1.Container{
			{
				Name:  agentContainerName,
				Image: params.cfg.AgentImage,
				Env: []corev1.EnvVar{
					{Name: "THREAD_ID", Value: params.threadID},
					{Name: "OUTBOUND_PROXY_URL", Value: fmt.Sprintf("http://%s:%d", proxyconfig.ListenerAddress, proxyconfig.ListenerPort)},
				},
				Ports: []corev1.ContainerPort{
					{Name: "http", ContainerPort: int32(params.cfg.InternalPort)},
				},
				ReadinessProbe: &corev1.Probe{
					ProbeHandler: corev1.ProbeHandler{
						HTTPGet: &corev1.HTTPGetAction{
							Path: "/health",
							Port: intstr.FromInt32(int32(params.cfg.InternalPort)),
						},
					},
					InitialDelaySeconds: 2,
					PeriodSeconds:       2,
				},
			},
			{
				Name:  proxyContainerName,
				Image: params.cfg.ProxyImage,
				Args:  []string{"-c", proxyConfigMountPath + "/" + proxyConfigFileName, "--base-id", "1"},
				VolumeMounts: []corev1.VolumeMount{
					{
						Name:      proxyConfigVolumeName,
						MountPath: proxyConfigMountPath,
						ReadOnly:  true,
					},
				},
			},
		},
		Volumes: []corev1.Volume{
			{
				Name: proxyConfigVolumeName,
				VolumeSource: corev1.VolumeSource{
					ConfigMap: &corev1.ConfigMapVolumeSource{
						LocalObjectReference: corev1.LocalObjectReference{
							Name: proxyconfig.ArtifactName(params.name),
						},
					},
				},
			},
		},
	}

	if params.cfg.RuntimeClassName != "" {
		podSpec.RuntimeClassName = ptr.To(params.cfg.RuntimeClassName)
	}

	return &sandboxv1alpha1.Sandbox{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "agents.x-k8s.io/v1alpha1",
			Kind:       "Sandbox",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      params.name,
			Namespace: params.namespace,
			Labels: map[string]string{
				ThreadIDLabelKey: params.threadID,
				"managed-by":     ManagedByLabelValue,
			},
		},
		Spec: sandboxv1alpha1.SandboxSpec{
			PodTemplate: sandboxv1alpha1.PodTemplate{
				ObjectMeta: sandboxv1alpha1.PodMetadata{
					Labels: map[string]string{
						ThreadIDLabelKey: params.threadID,
						"sandbox-name":   params.name,
					},
				},
				Spec: podSpec,
			},
			Lifecycle: sandboxv1alpha1.Lifecycle{
				ShutdownTime: &shutdownTime,
			},
			Replicas: ptr.To[int32](1),
		},
	}
}
