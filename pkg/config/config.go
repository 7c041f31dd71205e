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

// Package config derives the orchestrator configuration from environment
// variables. Missing required values are surfaced as errors at startup and
// never defaulted silently.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/incidentfox/orchestrator/pkg/proxyconfig"
)

const (
	// DefaultSandboxTTL bounds how long an investigation sandbox may live
	// unless the caller asks for a different TTL.
	DefaultSandboxTTL = 1 * time.Hour
	// DefaultInternalPort is the port of the sandbox-internal HTTP server.
	DefaultInternalPort = 8888
	// DefaultReadinessPollInterval is the fixed sleep between readiness probes.
	DefaultReadinessPollInterval = 2 * time.Second
	// DefaultReadinessTimeout bounds how long creation may wait for readiness.
	DefaultReadinessTimeout = 2 * time.Minute
	// DefaultClusterRequestTimeout bounds every one-shot cluster API call.
	DefaultClusterRequestTimeout = 10 * time.Second
)

// Config carries all environment-derived settings for the orchestrator.
type Config struct {
	// Namespace is the cluster namespace sandboxes are created in.
	Namespace string

	// AgentImage is the container image running the investigation agent.
	AgentImage string
	// ProxyImage is the Envoy sidecar image.
	ProxyImage string
	// RuntimeClassName, when non-empty, requests a stronger isolation
	// runtime (e.g. gVisor) for the sandbox pod.
	RuntimeClassName string

	// CredentialBrokerHost and CredentialBrokerPort address the
	// credential-resolution service consulted by the proxy sidecar.
	CredentialBrokerHost string
	CredentialBrokerPort int
	// CredentialBrokerNamespace is where the shared signing Secret lives.
	CredentialBrokerNamespace string

	// RouterURL is the base URL of the router fronting sandbox-internal
	// servers.
	RouterURL string
	// InternalPort is the sandbox-internal HTTP server port.
	InternalPort int

	// Upstreams is the allowlist of hosts sandboxes may reach through the
	// proxy sidecar.
	Upstreams []proxyconfig.Upstream

	SandboxTTL            time.Duration
	ReadinessPollInterval time.Duration
	ReadinessTimeout      time.Duration
	ClusterRequestTimeout time.Duration

	// Port is the orchestrator API listen port.
	Port string
}

// Load builds a Config from the environment.
//
// Required: AGENT_IMAGE, CREDENTIAL_BROKER_ADDR, ROUTER_URL.
// Optional:  ORCHESTRATOR_NAMESPACE, PROXY_IMAGE, RUNTIME_CLASS_NAME,
// STRONG_ISOLATION, CREDENTIAL_BROKER_NAMESPACE, SANDBOX_TTL,
// SANDBOX_INTERNAL_PORT, PERMITTED_UPSTREAMS, PORT.
func Load() (*Config, error) {
	cfg := &Config{
		Namespace:             envOr("ORCHESTRATOR_NAMESPACE", "default"),
		AgentImage:            os.Getenv("AGENT_IMAGE"),
		ProxyImage:            envOr("PROXY_IMAGE", "envoyproxy/envoy:v1.31.0"),
		RuntimeClassName:      os.Getenv("RUNTIME_CLASS_NAME"),
		RouterURL:             os.Getenv("ROUTER_URL"),
		InternalPort:          DefaultInternalPort,
		SandboxTTL:            DefaultSandboxTTL,
		ReadinessPollInterval: DefaultReadinessPollInterval,
		ReadinessTimeout:      DefaultReadinessTimeout,
		ClusterRequestTimeout: DefaultClusterRequestTimeout,
		Port:                  envOr("PORT", "8080"),
	}

	if cfg.AgentImage == "" {
		return nil, fmt.Errorf("missing env var AGENT_IMAGE")
	}
	if cfg.RouterURL == "" {
		return nil, fmt.Errorf("missing env var ROUTER_URL")
	}

	brokerAddr := os.Getenv("CREDENTIAL_BROKER_ADDR")
	if brokerAddr == "" {
		return nil, fmt.Errorf("missing env var CREDENTIAL_BROKER_ADDR")
	}
	host, port, err := splitHostPort(brokerAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid CREDENTIAL_BROKER_ADDR %q: %w", brokerAddr, err)
	}
	cfg.CredentialBrokerHost = host
	cfg.CredentialBrokerPort = port
	cfg.CredentialBrokerNamespace = envOr("CREDENTIAL_BROKER_NAMESPACE", cfg.Namespace)

	// STRONG_ISOLATION=true selects gVisor unless RUNTIME_CLASS_NAME
	// overrides it explicitly.
	if cfg.RuntimeClassName == "" {
		if strong, _ := strconv.ParseBool(os.Getenv("STRONG_ISOLATION")); strong {
			cfg.RuntimeClassName = "gvisor"
		}
	}

	if ttl := os.Getenv("SANDBOX_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid SANDBOX_TTL %q", ttl)
		}
		cfg.SandboxTTL = d
	}

	if p := os.Getenv("SANDBOX_INTERNAL_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid SANDBOX_INTERNAL_PORT %q", p)
		}
		cfg.InternalPort = port
	}

	upstreams, err := parseUpstreams(os.Getenv("PERMITTED_UPSTREAMS"))
	if err != nil {
		return nil, err
	}
	cfg.Upstreams = upstreams

	return cfg, nil
}

// parseUpstreams parses PERMITTED_UPSTREAMS, a comma-separated list of
// name=pathPrefix=host:port entries, e.g.
//
//	llm-provider=/llm/=api.llm.example.com:443,telemetry=/telemetry/=ingest.obs.example.com:443
//
// When unset, a default pair covering the LLM provider API and the
// observability backend is used.
func parseUpstreams(raw string) ([]proxyconfig.Upstream, error) {
	if raw == "" {
		return []proxyconfig.Upstream{
			{Name: "llm-provider", PathPrefix: "/llm/", Host: "api.llm-provider.internal", Port: 443, TLS: true},
			{Name: "telemetry", PathPrefix: "/telemetry/", Host: "ingest.observability.internal", Port: 443, TLS: true},
		}, nil
	}

	entries := strings.Split(raw, ",")
	upstreams := make([]proxyconfig.Upstream, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid PERMITTED_UPSTREAMS entry %q, want name=pathPrefix=host:port", entry)
		}
		host, port, err := splitHostPort(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid PERMITTED_UPSTREAMS entry %q: %w", entry, err)
		}
		upstreams = append(upstreams, proxyconfig.Upstream{
			Name:       parts[0],
			PathPrefix: parts[1],
			Host:       host,
			Port:       port,
			TLS:        port == 443,
		})
	}
	if len(upstreams) == 0 {
		return nil, fmt.Errorf("PERMITTED_UPSTREAMS is set but contains no entries")
	}
	return upstreams, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
