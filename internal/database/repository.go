package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"botfleet/internal/tier"
)

// Tenant is a registered account
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subscription binds a tenant to a tier for a period
type Subscription struct {
	ID        int64      `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Tier      tier.Tier  `json:"tier"`
	Status    string     `json:"status"`
	StartsAt  time.Time  `json:"starts_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ErrTenantNotFound reports a lookup against an unknown tenant ID.
var ErrTenantNotFound = errors.New("tenant not found")

// Repository provides tenant and subscription access on top of the
// connection pool.
type Repository struct {
	db *DB
}

// NewRepository creates a repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// CreateTenant inserts a tenant with an initial free subscription
func (r *Repository) CreateTenant(ctx context.Context, t *Tenant) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO tenants (id, name, email, is_active) VALUES ($1, $2, $3, TRUE)`,
		t.ID, t.Name, t.Email)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO subscriptions (tenant_id, tier, status) VALUES ($1, $2, 'active')`,
		t.ID, string(tier.TierFree))
	if err != nil {
		return fmt.Errorf("failed to create initial subscription: %w", err)
	}
	return nil
}

// GetTenant fetches one tenant by ID
func (r *Repository) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var t Tenant
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, name, email, is_active, created_at, updated_at
		 FROM tenants WHERE id = $1`, tenantID).
		Scan(&t.ID, &t.Name, &t.Email, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

// ListTenants returns every registered tenant
func (r *Repository) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, name, email, is_active, created_at, updated_at
		 FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Email, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// SetSubscription supersedes the tenant's current subscription with a
// new one at the given tier.
func (r *Repository) SetSubscription(ctx context.Context, tenantID string, t tier.Tier, expiresAt *time.Time) error {
	if !tier.Valid(t) {
		return fmt.Errorf("invalid tier %q", t)
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE subscriptions SET status = 'superseded', updated_at = CURRENT_TIMESTAMP
		 WHERE tenant_id = $1 AND status = 'active'`, tenantID); err != nil {
		return fmt.Errorf("failed to supersede subscription: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO subscriptions (tenant_id, tier, status, expires_at)
		 VALUES ($1, $2, 'active', $3)`, tenantID, string(t), expiresAt); err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}

	return tx.Commit(ctx)
}

// ActiveSubscription returns the tenant's current subscription, if any
func (r *Repository) ActiveSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	var s Subscription
	var tierStr string
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, tenant_id, tier, status, starts_at, expires_at, created_at
		 FROM subscriptions
		 WHERE tenant_id = $1 AND status = 'active'
		   AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP)
		 ORDER BY starts_at DESC LIMIT 1`, tenantID).
		Scan(&s.ID, &s.TenantID, &tierStr, &s.Status, &s.StartsAt, &s.ExpiresAt, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	s.Tier = tier.Tier(tierStr)
	return &s, nil
}

// TierFor implements tier.Source. Tenants without an unexpired active
// subscription resolve to the free tier.
func (r *Repository) TierFor(ctx context.Context, tenantID string) (tier.Tier, error) {
	sub, err := r.ActiveSubscription(ctx, tenantID)
	if err != nil {
		return tier.TierFree, err
	}
	if sub == nil || !tier.Valid(sub.Tier) {
		return tier.TierFree, nil
	}
	return sub.Tier, nil
}

// ExpiredSubscribers returns tenant IDs whose newest active
// subscription has lapsed. The sweep loop force-stops their fleets.
func (r *Repository) ExpiredSubscribers(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT DISTINCT tenant_id FROM subscriptions
		 WHERE status = 'active' AND expires_at IS NOT NULL
		   AND expires_at <= CURRENT_TIMESTAMP`)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired subscribers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkExpired flips lapsed active subscriptions to expired
func (r *Repository) MarkExpired(ctx context.Context, tenantID string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE subscriptions SET status = 'expired', updated_at = CURRENT_TIMESTAMP
		 WHERE tenant_id = $1 AND status = 'active'
		   AND expires_at IS NOT NULL AND expires_at <= CURRENT_TIMESTAMP`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to expire subscription: %w", err)
	}
	return nil
}

// RecordAuditEvent appends one lifecycle event to the audit log
func (r *Repository) RecordAuditEvent(ctx context.Context, tenantID, botID, eventType, detail string) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO bot_audit_log (tenant_id, bot_id, event_type, detail)
		 VALUES ($1, $2, $3, $4)`, tenantID, botID, eventType, detail)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}
