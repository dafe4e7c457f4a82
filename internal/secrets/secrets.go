// Package secrets stores source credentials in Vault's KV v2 engine.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

const (
	serviceAccountTokenPath     = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	serviceAccountNamespacePath = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

	kvMount = "secret"
)

// Store is the narrow secret interface the source registry and the vcs
// resolver program against.
type Store interface {
	PutSecret(ctx context.Context, path string, data map[string]string) error
	GetSecret(ctx context.Context, path string) (map[string]string, error)
	DeleteSecret(ctx context.Context, path string) error
}

// Vault talks to the cluster Vault using the pod service account for
// authentication. A fresh login is performed per operation; tokens issued by
// the kubernetes auth method are short-lived and per-call login keeps the
// client free of renewal machinery.
type Vault struct {
	address string
}

var _ Store = (*Vault)(nil)

// NewVault creates a client for the Vault at VAULT_ADDR, or at the given
// address when non-empty.
func NewVault(address string) *Vault {
	if address == "" {
		address = os.Getenv(vault.EnvVaultAddress)
	}
	return &Vault{address: address}
}

func (v *Vault) login(ctx context.Context) (*vault.Client, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = v.address
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	jwt, err := os.ReadFile(serviceAccountTokenPath)
	if err != nil {
		return nil, fmt.Errorf("reading service account token: %w", err)
	}
	role, err := os.ReadFile(serviceAccountNamespacePath)
	if err != nil {
		return nil, fmt.Errorf("reading service account namespace: %w", err)
	}
	secret, err := client.Logical().WriteWithContext(ctx, "auth/kubernetes/login", map[string]any{
		"jwt":  strings.TrimSpace(string(jwt)),
		"role": strings.TrimSpace(string(role)),
	})
	if err != nil {
		return nil, fmt.Errorf("vault login: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return nil, fmt.Errorf("vault login returned no auth data")
	}
	client.SetToken(secret.Auth.ClientToken)
	return client, nil
}

func (v *Vault) PutSecret(ctx context.Context, path string, data map[string]string) error {
	client, err := v.login(ctx)
	if err != nil {
		return err
	}
	payload := make(map[string]any, len(data))
	for key, value := range data {
		payload[key] = value
	}
	_, err = client.KVv2(kvMount).Put(ctx, path, payload)
	return err
}

func (v *Vault) GetSecret(ctx context.Context, path string) (map[string]string, error) {
	client, err := v.login(ctx)
	if err != nil {
		return nil, err
	}
	secret, err := client.KVv2(kvMount).Get(ctx, path)
	if err != nil {
		return nil, err
	}
	data := make(map[string]string, len(secret.Data))
	for key, value := range secret.Data {
		if s, ok := value.(string); ok {
			data[key] = s
		}
	}
	return data, nil
}

func (v *Vault) DeleteSecret(ctx context.Context, path string) error {
	client, err := v.login(ctx)
	if err != nil {
		return err
	}
	return client.KVv2(kvMount).DeleteMetadata(ctx, path)
}
