package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"botfleet/config"
	"botfleet/internal/strategy"
)

// ErrCredentialsNotFound reports a tenant without stored exchange keys.
var ErrCredentialsNotFound = errors.New("credentials not found")

// VaultClient resolves per-tenant exchange credentials from HashiCorp
// Vault (KV v2). With Vault disabled the client degrades to an
// in-memory store, which keeps local development and tests simple.
type VaultClient struct {
	client *api.Client
	config config.VaultConfig

	mu           sync.RWMutex
	cache        map[string]*strategy.Credentials
	cacheEnabled bool
}

// NewVaultClient creates a Vault-backed credential source
func NewVaultClient(cfg config.VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return &VaultClient{
			config:       cfg,
			cache:        make(map[string]*strategy.Credentials),
			cacheEnabled: true,
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &VaultClient{
		client:       client,
		config:       cfg,
		cache:        make(map[string]*strategy.Credentials),
		cacheEnabled: true,
	}, nil
}

// Store saves a tenant's exchange credentials
func (c *VaultClient) Store(ctx context.Context, tenantID string, creds strategy.Credentials) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[tenantID] = &creds
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
			"is_testnet": creds.IsTestnet,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(tenantID), secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[tenantID] = &creds
		c.mu.Unlock()
	}
	return nil
}

// Credentials implements orchestrator.CredentialSource
func (c *VaultClient) Credentials(ctx context.Context, tenantID string) (strategy.Credentials, error) {
	if c.cacheEnabled {
		c.mu.RLock()
		if cached, ok := c.cache[tenantID]; ok {
			c.mu.RUnlock()
			return *cached, nil
		}
		c.mu.RUnlock()
	}

	if !c.config.Enabled {
		return strategy.Credentials{}, ErrCredentialsNotFound
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(tenantID))
	if err != nil {
		return strategy.Credentials{}, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return strategy.Credentials{}, ErrCredentialsNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return strategy.Credentials{}, fmt.Errorf("invalid secret format")
	}

	creds := strategy.Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		IsTestnet: getBool(data, "is_testnet"),
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[tenantID] = &creds
		c.mu.Unlock()
	}
	return creds, nil
}

// Delete removes a tenant's credentials
func (c *VaultClient) Delete(ctx context.Context, tenantID string) error {
	c.mu.Lock()
	delete(c.cache, tenantID)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(tenantID)); err != nil {
		return fmt.Errorf("failed to delete credentials from vault: %w", err)
	}
	return nil
}

// Invalidate drops a tenant's cached credentials
func (c *VaultClient) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.cache, tenantID)
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *VaultClient) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *VaultClient) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *VaultClient) secretPath(tenantID string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, tenantID)
}

func (c *VaultClient) metadataPath(tenantID string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", c.config.MountPath, c.config.SecretPath, tenantID)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case string:
			return v == "true"
		}
	}
	return false
}
