package secrets

import (
	"context"
	"errors"
	"testing"

	"botfleet/config"
	"botfleet/internal/strategy"
)

func newDisabledClient(t *testing.T) *VaultClient {
	t.Helper()
	c, err := NewVaultClient(config.VaultConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewVaultClient failed: %v", err)
	}
	return c
}

func TestDisabledVaultStoresInMemory(t *testing.T) {
	c := newDisabledClient(t)
	ctx := context.Background()

	want := strategy.Credentials{APIKey: "k", SecretKey: "s", IsTestnet: true}
	if err := c.Store(ctx, "t1", want); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := c.Credentials(ctx, "t1")
	if err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestMissingCredentials(t *testing.T) {
	c := newDisabledClient(t)
	_, err := c.Credentials(context.Background(), "nobody")
	if !errors.Is(err, ErrCredentialsNotFound) {
		t.Errorf("expected ErrCredentialsNotFound, got %v", err)
	}
}

func TestDeleteAndInvalidate(t *testing.T) {
	c := newDisabledClient(t)
	ctx := context.Background()

	c.Store(ctx, "t1", strategy.Credentials{APIKey: "k"})
	if err := c.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Credentials(ctx, "t1"); !errors.Is(err, ErrCredentialsNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}

	c.Store(ctx, "t2", strategy.Credentials{APIKey: "k2"})
	c.Invalidate("t2")
	if _, err := c.Credentials(ctx, "t2"); !errors.Is(err, ErrCredentialsNotFound) {
		t.Errorf("expected not found after invalidate, got %v", err)
	}
}

func TestHealthWhenDisabled(t *testing.T) {
	c := newDisabledClient(t)
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("disabled vault must report healthy: %v", err)
	}
	if c.IsEnabled() {
		t.Error("expected IsEnabled false")
	}
}
