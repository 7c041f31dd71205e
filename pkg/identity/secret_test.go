package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/incidentfox/orchestrator/pkg/api"
)

func TestLoadSigningSecret(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      SigningSecretName,
			Namespace: "platform",
		},
		Data: map[string][]byte{
			SigningSecretDataKey: []byte("shared-signing-key"),
		},
	})

	key, err := LoadSigningSecret(context.Background(), clientset, "platform")
	require.NoError(t, err)
	assert.Equal(t, []byte("shared-signing-key"), key)
}

func TestLoadSigningSecretMissing(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset()

	_, err := LoadSigningSecret(context.Background(), clientset, "platform")
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrSigningSecretMissing))
}

func TestLoadSigningSecretMissingKey(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      SigningSecretName,
			Namespace: "platform",
		},
		Data: map[string][]byte{"other-key": []byte("value")},
	})

	_, err := LoadSigningSecret(context.Background(), clientset, "platform")
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrSigningSecretMissing))
}
