package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	corev1informers "k8s.io/client-go/informers/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"
)

type k8sSource struct {
	logger    *slog.Logger
	clientset kubernetes.Interface
}

func newK8sSource(ctx context.Context) (*k8sSource, error) {
	config, err := k8sConfig()
	if err != nil {
		return nil, err
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, err
	}

	return newK8sSourceForClientset(client), nil
}

func newK8sSourceForClientset(clientset kubernetes.Interface) *k8sSource {
	return &k8sSource{
		logger:    slog.With("component", "k8s_source"),
		clientset: clientset,
	}
}

// informer builds an informer scoped to a single named object.
func (s *k8sSource) informer(namespace, name string, build func(kubernetes.Interface, string, time.Duration, cache.Indexers, func(*metav1.ListOptions)) cache.SharedIndexInformer) cache.SharedIndexInformer {
	return build(s.clientset, namespace, 0, cache.Indexers{cache.NamespaceIndex: cache.MetaNamespaceIndexFunc}, func(lo *metav1.ListOptions) {
		lo.FieldSelector = fields.OneTermEqualSelector("metadata.name", name).String()
	})
}

func (s *k8sSource) watchConfigMap(ctx context.Context, ch chan *Secrets, namespace, name, key string, watch bool) (*Secrets, <-chan *Secrets, error) {
	informer := s.informer(namespace, name, newConfigMapInformer)

	send := func(cm *v1.ConfigMap) {
		secrets, err := buildSecretsFromConfigMap(cm, key)
		if err != nil {
			s.logger.Error("Converting ConfigMap into secrets", "error", err)
			return
		}

		select {
		case ch <- secrets:
		case <-ctx.Done():
		}
	}

	if watch {
		if _, err := informer.AddEventHandler(TypedEventHandler[*v1.ConfigMap]{
			logger: s.logger.With("resource", "configmap"),
			AddFunc: func(cm *v1.ConfigMap, initial bool) {
				if !initial {
					send(cm)
				}
			},
			UpdateFunc: func(_, cm *v1.ConfigMap) {
				send(cm)
			},
		}); err != nil {
			return nil, nil, err
		}

		go func() {
			<-ctx.Done()
			close(ch)
		}()
	} else {
		close(ch)
	}

	s.logger.Debug("Starting ConfigMap Watcher")

	go informer.Run(ctx.Done())

	// wait for initial list to complete and watchers to begin before proceeding
	s.logger.Debug("Waiting for Cache Sync")
	if !cache.WaitForCacheSync(ctx.Done(), informer.HasSynced) {
		return nil, nil, fmt.Errorf("waiting for configmap %s/%s: %w", namespace, name, ctx.Err())
	}

	obj, exists, err := informer.GetStore().GetByKey(namespace + "/" + name)
	if err != nil {
		return nil, nil, err
	}

	if !exists {
		return nil, nil, fmt.Errorf("configmap not found: %s/%s", namespace, name)
	}

	cm, ok := obj.(*v1.ConfigMap)
	if !ok {
		return nil, nil, fmt.Errorf("configmap unexpected type: %T", obj)
	}

	secrets, err := buildSecretsFromConfigMap(cm, key)
	if err != nil {
		return nil, nil, err
	}

	return secrets, ch, nil
}

func buildSecretsFromConfigMap(cfg *v1.ConfigMap, key string) (*Secrets, error) {
	raw, ok := cfg.Data[key]
	if !ok {
		return nil, fmt.Errorf("key %q not found in ConfigMap", key)
	}

	var secrets Secrets
	if err := yaml.Unmarshal([]byte(raw), &secrets); err != nil {
		return nil, fmt.Errorf("decoding secrets: %w", err)
	}

	if err := secrets.Validate(); err != nil {
		return nil, fmt.Errorf("validating secrets: %w", err)
	}

	return &secrets, nil
}

type secretSource struct {
	informer  cache.SharedIndexInformer
	namespace string
	name      string
	key       string
	hashed    bool
}

func (s *k8sSource) newSecretSource(ctx context.Context, namespace, name, key string, hashed bool) (*secretSource, error) {
	source := &secretSource{namespace: namespace, name: name, key: key, hashed: hashed}

	source.informer = s.informer(namespace, name, newSecretInformer)
	if _, err := source.informer.AddEventHandler(TypedEventHandler[*v1.Secret]{
		logger: s.logger.With("resource", "secret"),
	}); err != nil {
		return nil, err
	}

	s.logger.Debug("Starting secret watcher")
	go source.informer.Run(ctx.Done())

	s.logger.Debug("Waiting for cache sync")
	// wait for initial list to complete and watchers to begin before proceeding
	if !cache.WaitForCacheSync(ctx.Done(), source.informer.HasSynced) {
		return nil, fmt.Errorf("waiting for secret %s/%s: %w", namespace, name, ctx.Err())
	}

	s.logger.Debug("Finished waiting for sync")

	return source, nil
}

// GetCredential returns the sha256 digest of the secret value.
// Values stored pre-hashed are hex decoded instead.
func (s *secretSource) GetCredential() ([]byte, error) {
	obj, exists, err := s.informer.GetStore().GetByKey(s.namespace + "/" + s.name)
	if err != nil {
		return nil, err
	}

	if !exists {
		return nil, fmt.Errorf("secret not found: %s/%s", s.namespace, s.name)
	}

	secret, ok := obj.(*v1.Secret)
	if !ok {
		return nil, fmt.Errorf("secret unexpected type: %T", obj)
	}

	value, ok := secret.Data[s.key]
	if !ok {
		return nil, errors.New("secret data empty")
	}

	if s.hashed {
		dst := make([]byte, hex.DecodedLen(len(value)))
		_, err := hex.Decode(dst, value)
		return dst, err
	}

	dst := sha256.Sum256(value)
	return dst[:], nil
}

func newConfigMapInformer(client kubernetes.Interface, namespace string, resync time.Duration, indexers cache.Indexers, tweak func(*metav1.ListOptions)) cache.SharedIndexInformer {
	return corev1informers.NewFilteredConfigMapInformer(client, namespace, resync, indexers, tweak)
}

func newSecretInformer(client kubernetes.Interface, namespace string, resync time.Duration, indexers cache.Indexers, tweak func(*metav1.ListOptions)) cache.SharedIndexInformer {
	return corev1informers.NewFilteredSecretInformer(client, namespace, resync, indexers, tweak)
}

func k8sConfig() (*rest.Config, error) {
	if cfg := os.Getenv("KUBECONFIG"); cfg != "" {
		return clientcmd.BuildConfigFromFlags("", cfg)
	}

	return rest.InClusterConfig()
}

type TypedEventHandler[T any] struct {
	logger     *slog.Logger
	AddFunc    func(obj T, initial bool)
	UpdateFunc func(T, T)
	DeleteFunc func(T)
}

// OnAdd calls AddFunc if it's not nil.
func (t TypedEventHandler[T]) OnAdd(obj interface{}, isInInitialList bool) {
	if t.logger != nil {
		t.logger.Debug("Resource added")
	}

	if t.AddFunc != nil {
		t.AddFunc(obj.(T), isInInitialList)
	}
}

// OnUpdate calls UpdateFunc if it's not nil.
func (t TypedEventHandler[T]) OnUpdate(oldObj, newObj interface{}) {
	if t.logger != nil {
		t.logger.Debug("Resource updated")
	}

	if t.UpdateFunc != nil {
		var oldT T
		if oldObj != nil {
			oldT = oldObj.(T)
		}

		var newT T
		if newObj != nil {
			newT = newObj.(T)
		}

		t.UpdateFunc(oldT, newT)
	}
}

// OnDelete calls DeleteFunc if it's not nil.
func (t TypedEventHandler[T]) OnDelete(obj interface{}) {
	if t.logger != nil {
		t.logger.Debug("Resource deleted")
	}

	if t.DeleteFunc != nil {
		t.DeleteFunc(obj.(T))
	}
}
