package identity

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/incidentfox/orchestrator/pkg/api"
)

const (
	// SigningSecretName is the Secret shared with the credential broker.
	SigningSecretName = "credential-broker-signing-key" //nolint:gosec // This is a name reference, not a credential
	// SigningSecretDataKey is the key in the Secret data map.
	SigningSecretDataKey = "signing-key"
)

// LoadSigningSecret reads the symmetric signing secret from the Kubernetes
// Secret it shares with the credential broker. A missing Secret or key is a
// configuration error the caller must treat as fatal.
func LoadSigningSecret(ctx context.Context, clientset kubernetes.Interface, namespace string) ([]byte, error) {
	secret, err := clientset.CoreV1().Secrets(namespace).Get(ctx, SigningSecretName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: secret %s/%s not found", api.ErrSigningSecretMissing, namespace, SigningSecretName)
		}
		return nil, fmt.Errorf("failed to get signing secret %s/%s: %w", namespace, SigningSecretName, err)
	}

	key, ok := secret.Data[SigningSecretDataKey]
	if !ok || len(key) == 0 {
		return nil, fmt.Errorf("%w: secret %s/%s has no %q data", api.ErrSigningSecretMissing, namespace, SigningSecretName, SigningSecretDataKey)
	}

	klog.Infof("loaded identity signing secret from %s/%s", namespace, SigningSecretName)
	return key, nil
}
