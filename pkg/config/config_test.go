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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AGENT_IMAGE", "registry.internal/agent:latest")
	t.Setenv("CREDENTIAL_BROKER_ADDR", "credential-broker.platform.svc:9002")
	t.Setenv("ROUTER_URL", "http://router.platform.svc")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Namespace)
	assert.Equal(t, "credential-broker.platform.svc", cfg.CredentialBrokerHost)
	assert.Equal(t, 9002, cfg.CredentialBrokerPort)
	assert.Equal(t, DefaultSandboxTTL, cfg.SandboxTTL)
	assert.Equal(t, DefaultInternalPort, cfg.InternalPort)
	assert.Empty(t, cfg.RuntimeClassName)
	assert.Len(t, cfg.Upstreams, 2)
}

func TestLoadMissingRequired(t *testing.T) {
	cases := []string{"AGENT_IMAGE", "CREDENTIAL_BROKER_ADDR", "ROUTER_URL"}
	for _, missing := range cases {
		t.Run(missing, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(missing, "")
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), missing)
		})
	}
}

func TestLoadStrongIsolation(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STRONG_ISOLATION", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "gvisor", cfg.RuntimeClassName)

	// An explicit runtime class wins over the isolation toggle.
	t.Setenv("RUNTIME_CLASS_NAME", "kata")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "kata", cfg.RuntimeClassName)
}

func TestLoadSandboxTTL(t *testing.T) {
	setRequiredEnv(t)

	t.Setenv("SANDBOX_TTL", "30m")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.SandboxTTL)

	t.Setenv("SANDBOX_TTL", "-5m")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("SANDBOX_TTL", "soon")
	_, err = Load()
	assert.Error(t, err)
}

func TestParseUpstreams(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PERMITTED_UPSTREAMS", "llm=/llm/=api.example.com:443,metrics=/metrics/=ingest.example.com:4318")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Upstreams, 2)

	assert.Equal(t, "llm", cfg.Upstreams[0].Name)
	assert.Equal(t, "/llm/", cfg.Upstreams[0].PathPrefix)
	assert.Equal(t, "api.example.com", cfg.Upstreams[0].Host)
	assert.Equal(t, 443, cfg.Upstreams[0].Port)
	assert.True(t, cfg.Upstreams[0].TLS)

	assert.Equal(t, 4318, cfg.Upstreams[1].Port)
	assert.False(t, cfg.Upstreams[1].TLS)
}

func TestParseUpstreamsInvalid(t *testing.T) {
	for _, raw := range []string{"bogus", "name=/p/=nohostport", "name=/p/=host:notaport", ", ,"} {
		t.Run(raw, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv("PERMITTED_UPSTREAMS", raw)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
