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

// Package proxyconfig renders the per-sandbox Envoy bootstrap document.
//
// The generator is a pure function of (sandbox name, identity token,
// permitted upstreams) so it can be unit-tested without a cluster. The
// rendered document is the only place the identity token lives inside the
// sandbox: it is attached by the ext_authz filter on the authorization
// call, never exposed to the agent container, and any client-supplied copy
// of the header is stripped before authorization runs.
package proxyconfig

import (
	"fmt"
	"strings"
	"text/template"
)

const (
	// IdentityHeader carries the identity token on the ext_authz call to
	// the credential broker. It is generator-controlled; a header with the
	// same name set by the agent container is removed.
	IdentityHeader = "x-sandbox-identity"

	// ListenerAddress and ListenerPort are where the agent container
	// reaches the proxy. Upstreams are only reachable through here.
	ListenerAddress = "127.0.0.1"
	ListenerPort    = 15001

	// CredentialBrokerCluster names the ext_authz cluster.
	CredentialBrokerCluster = "credential-broker"

	artifactSuffix = "-proxy-config"
)

// Upstream is one permitted egress destination.
type Upstream struct {
	// Name is the Envoy cluster name.
	Name string
	// PathPrefix is the listener route match, e.g. "/llm/".
	PathPrefix string
	// Host and Port are the destination endpoint.
	Host string
	Port int
	// TLS selects an upstream TLS transport socket with SNI = Host.
	TLS bool
}

// Input is everything the generator needs for one sandbox.
type Input struct {
	SandboxName          string
	IdentityToken        string
	CredentialBrokerHost string
	CredentialBrokerPort int
	Upstreams            []Upstream
}

// ArtifactName returns the deterministic name of the proxy configuration
// artifact for a sandbox. Exactly one artifact exists per live sandbox.
func ArtifactName(sandboxName string) string {
	return sandboxName + artifactSuffix
}

// Generate renders the Envoy bootstrap document. The authorization step is
// always present and always fails closed: failure_mode_allow is false, so
// a broker timeout, 5xx or network error denies the proxied request.
func Generate(in Input) (string, error) {
	if in.SandboxName == "" {
		return "", fmt.Errorf("sandbox name is required")
	}
	if in.IdentityToken == "" {
		return "", fmt.Errorf("identity token is required")
	}
	if in.CredentialBrokerHost == "" || in.CredentialBrokerPort <= 0 {
		return "", fmt.Errorf("credential broker endpoint is required")
	}
	if len(in.Upstreams) == 0 {
		return "", fmt.Errorf("at least one permitted upstream is required")
	}
	for _, u := range in.Upstreams {
		if u.Name == "" || u.Host == "" || u.Port <= 0 {
			return "", fmt.Errorf("upstream %+v is incomplete", u)
		}
		if !strings.HasPrefix(u.PathPrefix, "/") {
			return "", fmt.Errorf("upstream %s path prefix %q must start with /", u.Name, u.PathPrefix)
		}
	}

	var b strings.Builder
	if err := bootstrapTemplate.Execute(&b, in); err != nil {
		return "", fmt.Errorf("failed to render proxy configuration: %w", err)
	}
	return b.String(), nil
}

var bootstrapTemplate = template.Must(template.New("envoy-bootstrap").Parse(`admin:
  address:
    socket_address:
      address: 127.0.0.1
      port_value: 9901
static_resources:
  listeners:
  - name: egress
    address:
      socket_address:
        address: ` + ListenerAddress + `
        port_value: ` + fmt.Sprint(ListenerPort) + `
    filter_chains:
    - filters:
      - name: envoy.filters.network.http_connection_manager
        typed_config:
          "@type": type.googleapis.com/envoy.extensions.filters.network.http_connection_manager.v3.HttpConnectionManager
          stat_prefix: egress
          http_filters:
          - name: envoy.filters.http.ext_authz
            typed_config:
              "@type": type.googleapis.com/envoy.extensions.filters.http.ext_authz.v3.ExtAuthz
              transport_api_version: V3
              failure_mode_allow: false
              http_service:
                server_uri:
                  uri: http://{{ .CredentialBrokerHost }}:{{ .CredentialBrokerPort }}
                  cluster: ` + CredentialBrokerCluster + `
                  timeout: 5s
                authorization_request:
                  headers_to_add:
                  - key: ` + IdentityHeader + `
                    value: "{{ .IdentityToken }}"
                authorization_response:
                  allowed_upstream_headers:
                    patterns:
                    - exact: authorization
                    - prefix: x-credential-
          - name: envoy.filters.http.router
            typed_config:
              "@type": type.googleapis.com/envoy.extensions.filters.http.router.v3.Router
          route_config:
            name: egress_routes
            request_headers_to_remove:
            - ` + IdentityHeader + `
            virtual_hosts:
            - name: permitted-upstreams
              domains:
              - "*"
              routes:
{{- range .Upstreams }}
              - match:
                  prefix: "{{ .PathPrefix }}"
                route:
                  cluster: {{ .Name }}
                  prefix_rewrite: "/"
                  host_rewrite_literal: {{ .Host }}
                  timeout: 300s
{{- end }}
  clusters:
  - name: ` + CredentialBrokerCluster + `
    type: STRICT_DNS
    connect_timeout: 2s
    load_assignment:
      cluster_name: ` + CredentialBrokerCluster + `
      endpoints:
      - lb_endpoints:
        - endpoint:
            address:
              socket_address:
                address: {{ .CredentialBrokerHost }}
                port_value: {{ .CredentialBrokerPort }}
{{- range .Upstreams }}
  - name: {{ .Name }}
    type: STRICT_DNS
    connect_timeout: 5s
    load_assignment:
      cluster_name: {{ .Name }}
      endpoints:
      - lb_endpoints:
        - endpoint:
            address:
              socket_address:
                address: {{ .Host }}
                port_value: {{ .Port }}
{{- if .TLS }}
    transport_socket:
      name: envoy.transport_sockets.tls
      typed_config:
        "@type": type.googleapis.com/envoy.extensions.transport_sockets.tls.v3.UpstreamTlsContext
        sni: {{ .Host }}
{{- end }}
{{- end }}
`))
