package source

import (
	"context"
	"fmt"

	redisclient "github.com/christianpetri/kubernetes-maintenance-mode/pkg/redis"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
	"k8s.io/klog/v2"
)

// ConfigMapAPISource reads the ConfigMap through the Kubernetes API so a
// patch takes effect without restarting pods.
type ConfigMapAPISource struct {
	kubeClient kubernetes.Interface
	namespace  string
	name       string
	key        string
}

// NewConfigMapAPISource creates a source for namespace/name[key]
func NewConfigMapAPISource(kubeClient kubernetes.Interface, namespace, name, key string) *ConfigMapAPISource {
	return &ConfigMapAPISource{
		kubeClient: kubeClient,
		namespace:  namespace,
		name:       name,
		key:        key,
	}
}

func (s *ConfigMapAPISource) Name() string { return "configmap-api" }

func (s *ConfigMapAPISource) Read(ctx context.Context) (bool, error) {
	cm, err := s.kubeClient.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, ErrNotSet
	}
	if err != nil {
		return false, fmt.Errorf("failed to get ConfigMap %s/%s: %w", s.namespace, s.name, err)
	}

	val, ok := cm.Data[s.key]
	if !ok || val == "" {
		return false, ErrNotSet
	}
	return parseValue(s.Name(), val), nil
}

// Write patches the ConfigMap key, creating the ConfigMap if needed
func (s *ConfigMapAPISource) Write(ctx context.Context, enabled bool) error {
	value := redisclient.FormatBool(enabled)
	configMaps := s.kubeClient.CoreV1().ConfigMaps(s.namespace)

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm, err := configMaps.Get(ctx, s.name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			_, err = configMaps.Create(ctx, &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{Name: s.name, Namespace: s.namespace},
				Data:       map[string]string{s.key: value},
			}, metav1.CreateOptions{})
			return err
		}
		if err != nil {
			return err
		}

		// Idempotent update: skip the API call when the key already matches
		if cm.Data[s.key] == value {
			return nil
		}
		if cm.Data == nil {
			cm.Data = make(map[string]string)
		}
		cm.Data[s.key] = value

		_, err = configMaps.Update(ctx, cm, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update ConfigMap %s/%s: %w", s.namespace, s.name, err)
	}

	klog.InfoS("Updated maintenance ConfigMap", "namespace", s.namespace, "name", s.name, "key", s.key, "value", value)
	return nil
}
