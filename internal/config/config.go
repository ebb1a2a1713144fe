package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.ocbridge.dev/ocbridge/internal/auth"
	"go.ocbridge.dev/ocbridge/pkg/protocol"
)

type Level slog.Level

func (l Level) String() string {
	return slog.Level(l).String()
}

func (l *Level) Set(v string) error {
	level := slog.Level(*l)
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return err
	}

	*l = Level(level)
	return nil
}

// Config is the relay configuration, populated from flags and OCBRIDGE_ prefixed environment variables.
type Config struct {
	Level             Level         `ff:" short=l | long=log                | default=info            | usage: 'debug, info, warn or error'                                    "`
	TunnelAddress     string        `ff:" short=a | long=tunnel-address     | default='0.0.0.0:3330'  | usage: address accepting control and data connections                  "`
	PublicAddress     string        `ff:" short=p | long=public-address     | default='0.0.0.0:25565' | usage: address opened for external clients while a listener is requested "`
	Secret            string        `ff:" short=s | long=secret             | default=MCServerOnOC    | usage: shared secret presented by the control connection               "`
	SecretsPath       string        `ff:"         | long=secrets-path       |                           usage: 'YAML secrets file or k8s://namespace/name/key ConfigMap'        "`
	WatchSecrets      bool          `ff:"         | long=watch-secrets      | default=false           | usage: reload secrets when they change                                 "`
	Framing           string        `ff:"         | long=framing            | default=legacy          | usage: 'control channel framing: legacy or msgpack'                    "`
	AuthTimeout       time.Duration `ff:"         | long=auth-timeout       | default=10s             | usage: maximum time to complete the connection handshake               "`
	BufferSize        int           `ff:"         | long=buffer-size        | default=8192            | usage: size of each session copy buffer in bytes                       "`
	ManagementAddress string        `ff:"         | long=management-address |                           usage: address for serving metrics and pprof                          "`
}

func (c Config) Validate() error {
	if c.TunnelAddress == "" {
		return errors.New("tunnel-address must be non-empty string")
	}

	if c.PublicAddress == "" {
		return errors.New("public-address must be non-empty string")
	}

	if c.Secret == "" && c.SecretsPath == "" {
		return errors.New("one of secret or secrets-path must be provided")
	}

	if strings.IndexByte(c.Secret, 0) >= 0 {
		return errors.New("secret must not contain NUL")
	}

	if _, err := protocol.CodecFor(c.Framing); err != nil {
		return err
	}

	if c.AuthTimeout <= 0 {
		return errors.New("auth-timeout must be positive")
	}

	if c.BufferSize <= 0 {
		return errors.New("buffer-size must be positive")
	}

	return nil
}

// Secrets is a configuration file format listing additional secrets
// accepted on the control handshake.
type Secrets struct {
	Secrets []Secret `json:"secrets,omitempty" yaml:"secrets,omitempty"`
}

// Secret is exactly one of a plain value, a hex encoded sha256 digest or a
// reference to a Kubernetes Secret.
type Secret struct {
	Value      string            `json:"value,omitempty" yaml:"value,omitempty"`
	SHA256     string            `json:"sha256,omitempty" yaml:"sha256,omitempty"`
	Kubernetes *KubernetesSecret `json:"kubernetes,omitempty" yaml:"kubernetes,omitempty"`
}

type KubernetesSecret struct {
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	Key       string `json:"key,omitempty" yaml:"key,omitempty"`
	// Hashed signals the stored value is already a hex encoded sha256 digest.
	Hashed bool `json:"hashed,omitempty" yaml:"hashed,omitempty"`
}

func (s *Secrets) Validate() error {
	for i, secret := range s.Secrets {
		var set int
		if secret.Value != "" {
			set++
		}

		if secret.SHA256 != "" {
			set++
		}

		if secret.Kubernetes != nil {
			set++

			if secret.Kubernetes.Name == "" || secret.Kubernetes.Key == "" {
				return fmt.Errorf("secret %d: kubernetes name and key are required", i)
			}
		}

		if set != 1 {
			return fmt.Errorf("secret %d: exactly one of value, sha256 or kubernetes must be set", i)
		}

		if strings.IndexByte(secret.Value, 0) >= 0 {
			return fmt.Errorf("secret %d: value must not contain NUL", i)
		}
	}

	return nil
}

// AuthenticationHandler builds the handlers for every listed secret.
// Kubernetes references are resolved through informers which live until ctx is done.
func (s *Secrets) AuthenticationHandler(ctx context.Context) (auth.Authenticator, error) {
	return s.authenticationHandler(ctx, newK8sSource)
}

func (s *Secrets) authenticationHandler(ctx context.Context, newSource func(context.Context) (*k8sSource, error)) (auth.Authenticator, error) {
	var (
		handlers auth.Authenticator
		k8s      *k8sSource
	)

	for i, secret := range s.Secrets {
		switch {
		case secret.Value != "":
			handlers = append(handlers, auth.HandleSecret(secret.Value))
		case secret.SHA256 != "":
			handler, err := auth.HandleSecretHashed(secret.SHA256)
			if err != nil {
				return nil, fmt.Errorf("secret %d: %w", i, err)
			}

			handlers = append(handlers, handler)
		case secret.Kubernetes != nil:
			if k8s == nil {
				var err error
				if k8s, err = newSource(ctx); err != nil {
					return nil, fmt.Errorf("secret %d: %w", i, err)
				}
			}

			ref := secret.Kubernetes
			namespace := ref.Namespace
			if namespace == "" {
				namespace = "default"
			}

			source, err := k8s.newSecretSource(ctx, namespace, ref.Name, ref.Key, ref.Hashed)
			if err != nil {
				return nil, fmt.Errorf("secret %d: %w", i, err)
			}

			handlers = append(handlers, auth.HandleCredentialSource(source))
		}
	}

	return handlers, nil
}

const k8sScheme = "k8s://"

// WatchSecrets loads the secrets found at path and, when watch is true,
// delivers every subsequent valid revision on the returned channel until
// ctx is done. The path is either a file or k8s://namespace/name/key
// identifying a key within a ConfigMap.
func WatchSecrets(ctx context.Context, path string, watch bool) (*Secrets, <-chan *Secrets, error) {
	ch := make(chan *Secrets, 1)

	if ref, ok := strings.CutPrefix(path, k8sScheme); ok {
		namespace, name, key, err := parseConfigMapRef(ref)
		if err != nil {
			return nil, nil, err
		}

		src, err := newK8sSource(ctx)
		if err != nil {
			return nil, nil, err
		}

		return src.watchConfigMap(ctx, ch, namespace, name, key, watch)
	}

	return watchFSNotify(ctx, ch, path, watch)
}

func parseConfigMapRef(ref string) (namespace, name, key string, err error) {
	parts := strings.Split(ref, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("configmap reference %q: expected namespace/name/key", ref)
	}

	return parts[0], parts[1], parts[2], nil
}
