// Package vault loads broker credentials from HashiCorp Vault (KV v2).
// With Vault disabled the client falls back to an in-memory store seeded
// from configuration, which is what the simulated adapter uses.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"breakout-engine/config"
)

// BrokerCredentials is one venue login for one environment.
type BrokerCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	AppKey   string `json:"app_key"`
	Venue    string `json:"venue"`
	Paper    bool   `json:"paper"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  map[string]*BrokerCredentials // venue/environment -> credentials
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config: cfg,
			cache:  make(map[string]*BrokerCredentials),
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
		cache:  make(map[string]*BrokerCredentials),
	}, nil
}

// StoreCredentials writes venue credentials. With Vault disabled they live
// only in the in-memory cache, which is fine for paper trading.
func (c *Client) StoreCredentials(ctx context.Context, creds BrokerCredentials) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[c.cacheKey(creds.Venue, creds.Paper)] = &creds
		c.mu.Unlock()
		return nil
	}

	path := c.secretPath(creds.Venue, creds.Paper)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"username": creds.Username,
			"password": creds.Password,
			"app_key":  creds.AppKey,
			"venue":    creds.Venue,
			"paper":    creds.Paper,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cache[c.cacheKey(creds.Venue, creds.Paper)] = &creds
	c.mu.Unlock()
	return nil
}

// GetCredentials retrieves venue credentials, cache first.
func (c *Client) GetCredentials(ctx context.Context, venue string, paper bool) (*BrokerCredentials, error) {
	c.mu.RLock()
	if cached, ok := c.cache[c.cacheKey(venue, paper)]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("credentials for %s not found and vault is disabled", venue)
	}

	path := c.secretPath(venue, paper)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credentials for %s not found", venue)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	creds := &BrokerCredentials{
		Username: getString(data, "username"),
		Password: getString(data, "password"),
		AppKey:   getString(data, "app_key"),
		Venue:    venue,
		Paper:    paper,
	}

	c.mu.Lock()
	c.cache[c.cacheKey(venue, paper)] = creds
	c.mu.Unlock()
	return creds, nil
}

// DeleteCredentials removes venue credentials.
func (c *Client) DeleteCredentials(ctx context.Context, venue string, paper bool) error {
	c.mu.Lock()
	delete(c.cache, c.cacheKey(venue, paper))
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(venue, paper)); err != nil {
		return fmt.Errorf("failed to delete credentials from vault: %w", err)
	}
	return nil
}

// ClearCache clears the in-memory cache
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*BrokerCredentials)
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath(venue string, paper bool) string {
	return fmt.Sprintf("%s/data/%s/%s_%s", c.config.MountPath, c.config.SecretPath, venue, environment(paper))
}

func (c *Client) metadataPath(venue string, paper bool) string {
	return fmt.Sprintf("%s/metadata/%s/%s_%s", c.config.MountPath, c.config.SecretPath, venue, environment(paper))
}

func (c *Client) cacheKey(venue string, paper bool) string {
	return fmt.Sprintf("%s_%s", venue, environment(paper))
}

func environment(paper bool) string {
	if paper {
		return "paper"
	}
	return "live"
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
