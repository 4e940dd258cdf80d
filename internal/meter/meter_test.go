package meter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"botfleet/internal/tier"
)

func TestReserveEnforcesBotQuota(t *testing.T) {
	m := New()
	limits := tier.GetLimits(tier.TierFree) // 1 bot

	if err := m.Reserve("tenant-1", 100, limits); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}

	err := m.Reserve("tenant-1", 100, limits)
	if err == nil {
		t.Fatal("expected second reserve to be denied")
	}
	qe, ok := IsQuotaError(err)
	if !ok {
		t.Fatalf("expected QuotaError, got %T", err)
	}
	if qe.Kind != QuotaBots {
		t.Errorf("expected bots kind, got %s", qe.Kind)
	}

	// A denied reserve must not change usage.
	if got := m.Snapshot("tenant-1").ActiveBots; got != 1 {
		t.Errorf("expected 1 active bot, got %d", got)
	}
}

func TestReserveEnforcesCapitalQuota(t *testing.T) {
	m := New()
	limits := tier.GetLimits(tier.TierFree) // 1000 capital

	if err := m.Reserve("tenant-1", 900, limits); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	m.Release("tenant-1", 0) // free the bot slot, keep capital booked

	err := m.Reserve("tenant-1", 200, limits)
	qe, ok := IsQuotaError(err)
	if !ok {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if qe.Kind != QuotaCapital {
		t.Errorf("expected capital kind, got %s", qe.Kind)
	}
}

func TestUnlimitedTierNeverDenies(t *testing.T) {
	m := New()
	limits := tier.GetLimits(tier.TierEnterprise)

	for i := 0; i < 100; i++ {
		if err := m.Reserve("big", 1e6, limits); err != nil {
			t.Fatalf("reserve %d failed: %v", i, err)
		}
	}
	if err := m.ConsumeAPICalls("big", 1_000_000, limits); err != nil {
		t.Fatalf("api calls denied: %v", err)
	}
}

func TestConcurrentReserveAdmitsExactlyMax(t *testing.T) {
	m := New()
	limits := tier.GetLimits(tier.TierPremium) // 10 bots

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < limits.MaxConcurrentBots+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Reserve("tenant-1", 10, limits); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != limits.MaxConcurrentBots {
		t.Errorf("expected exactly %d admitted, got %d", limits.MaxConcurrentBots, admitted)
	}
	if got := m.Snapshot("tenant-1").ActiveBots; got != limits.MaxConcurrentBots {
		t.Errorf("expected %d active bots, got %d", limits.MaxConcurrentBots, got)
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	m := New()
	m.Release("tenant-1", 500)

	snap := m.Snapshot("tenant-1")
	if snap.ActiveBots != 0 || snap.AllocatedCapital != 0 {
		t.Errorf("expected zeroed usage, got %+v", snap)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	m := New()
	limits := tier.GetLimits(tier.TierFree)

	if err := m.Reserve("a", 100, limits); err != nil {
		t.Fatalf("reserve for a failed: %v", err)
	}
	if err := m.Reserve("b", 100, limits); err != nil {
		t.Fatalf("reserve for b should not see a's usage: %v", err)
	}
}

func TestConsumeAPICallsWindow(t *testing.T) {
	m := New()
	m.window = 50 * time.Millisecond
	limits := tier.Limits{MaxAPICallsPerHour: 5}

	if err := m.ConsumeAPICalls("tenant-1", 5, limits); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	err := m.ConsumeAPICalls("tenant-1", 1, limits)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// After the window elapses the counter resets.
	time.Sleep(60 * time.Millisecond)
	if err := m.ConsumeAPICalls("tenant-1", 5, limits); err != nil {
		t.Fatalf("consume after window failed: %v", err)
	}
}

func TestConsumeAPICallsDenialNotRecorded(t *testing.T) {
	m := New()
	limits := tier.Limits{MaxAPICallsPerHour: 10}

	m.ConsumeAPICalls("tenant-1", 8, limits)
	if err := m.ConsumeAPICalls("tenant-1", 5, limits); err == nil {
		t.Fatal("expected denial")
	}
	if got := m.Snapshot("tenant-1").APICallsInWindow; got != 8 {
		t.Errorf("denied calls must not count, got %d", got)
	}
}

func TestCleanupEvictsIdleTenants(t *testing.T) {
	m := New()
	limits := tier.GetLimits(tier.TierBasic)

	m.Reserve("busy", 100, limits)
	m.Reserve("idle", 100, limits)
	m.Release("idle", 100)

	time.Sleep(10 * time.Millisecond)
	m.evictIdle(5 * time.Millisecond)

	tenants := m.Tenants()
	if len(tenants) != 1 || tenants[0] != "busy" {
		t.Errorf("expected only busy tenant retained, got %v", tenants)
	}
}

func TestStartCleanupStops(t *testing.T) {
	m := New()
	m.StartCleanup(5*time.Millisecond, time.Minute)
	m.Stop()
	m.Stop() // idempotent
}
