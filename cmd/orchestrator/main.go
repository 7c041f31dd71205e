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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/klog/v2"
	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/incidentfox/orchestrator/pkg/config"
	"github.com/incidentfox/orchestrator/pkg/identity"
	"github.com/incidentfox/orchestrator/pkg/lifecycle"
	"github.com/incidentfox/orchestrator/pkg/relay"
	"github.com/incidentfox/orchestrator/pkg/server"
	"github.com/incidentfox/orchestrator/pkg/store"
)

var schemeBuilder = runtime.NewScheme()

func init() {
	utilruntime.Must(scheme.AddToScheme(schemeBuilder))
	utilruntime.Must(sandboxv1alpha1.AddToScheme(schemeBuilder))
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseDevMode(false)))

	cfg, err := config.Load()
	if err != nil {
		klog.Fatalf("Failed to load configuration: %v", err)
	}

	clientset, dynamicClient, err := lifecycle.NewClients()
	if err != nil {
		klog.Fatalf("Failed to build cluster clients: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No signing secret means no verifiable identity; refuse to start
	// rather than run sandboxes without credential authorization.
	signingKey, err := identity.LoadSigningSecret(ctx, clientset, cfg.CredentialBrokerNamespace)
	if err != nil {
		klog.Fatalf("Failed to load identity signing secret: %v", err)
	}
	issuer, err := identity.NewIssuer(signingKey)
	if err != nil {
		klog.Fatalf("Failed to create identity issuer: %v", err)
	}

	records, err := store.NewFromEnv()
	if err != nil {
		klog.Fatalf("Failed to create record store: %v", err)
	}
	defer records.Close()

	executionRelay := relay.New(cfg.RouterURL, cfg.InternalPort)
	manager := lifecycle.NewManager(clientset, dynamicClient, issuer, executionRelay, cfg)

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: schemeBuilder,
		Metrics: metricsserver.Options{
			BindAddress: "0", // Disable metrics server
		},
		HealthProbeBindAddress: "0", // Disable health probe server
	})
	if err != nil {
		klog.Fatalf("Failed to create controller manager: %v", err)
	}

	gcReconciler := &lifecycle.ProxyConfigReconciler{
		Client: mgr.GetClient(),
		Store:  records,
	}
	if err := gcReconciler.SetupWithManager(mgr); err != nil {
		klog.Fatalf("Failed to setup garbage collection controller: %v", err)
	}

	apiServer, err := server.NewServer(cfg, manager, executionRelay, records)
	if err != nil {
		klog.Fatalf("Failed to create API server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		klog.Infof("Received signal %v, shutting down", sig)
		cancel()
	}()

	errCh := make(chan error, 2)
	go func() {
		errCh <- mgr.Start(ctx)
	}()
	go func() {
		errCh <- apiServer.Start(ctx)
	}()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			klog.Errorf("Component exited with error: %v", err)
			cancel()
		}
	}
}
