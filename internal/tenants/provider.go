// Package tenants resolves the regional configuration each tenant runs under
package tenants

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/savegress/complycore/internal/storage"
	"github.com/savegress/complycore/pkg/models"
	"go.uber.org/zap"
)

// Store is the persistence the provider reads from
type Store interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	GetRegionalConfig(ctx context.Context, tenantID string) (*models.RegionalConfig, error)
}

// Cache is an optional read-through cache for resolved configs
type Cache interface {
	GetRegionalConfig(ctx context.Context, tenantID string) (*models.RegionalConfig, error)
	SetRegionalConfig(ctx context.Context, tenantID string, rc *models.RegionalConfig) error
}

// DefaultsFunc returns the service-level defaults for a region
type DefaultsFunc func(region string) *models.RegionalConfig

// Provider resolves a tenant's regional config from its stored override,
// falling back to the defaults of the tenant's region
type Provider struct {
	store    Store
	cache    Cache
	defaults DefaultsFunc
	logger   *zap.SugaredLogger
}

// NewProvider creates a provider. cache may be nil.
func NewProvider(store Store, cache Cache, defaults DefaultsFunc, logger *zap.SugaredLogger) *Provider {
	if store == nil || defaults == nil {
		panic("tenants: store and defaults are required")
	}
	return &Provider{
		store:    store,
		cache:    cache,
		defaults: defaults,
		logger:   logger.Named("tenants"),
	}
}

// GetTenantConfig returns the fully defaulted regional config of a tenant
func (p *Provider) GetTenantConfig(ctx context.Context, tenantID string) (*models.RegionalConfig, error) {
	if tenantID == "" {
		return nil, models.NewValidationError("tenant_id", "required")
	}

	if p.cache != nil {
		if rc, err := p.cache.GetRegionalConfig(ctx, tenantID); err == nil {
			rc.ApplyDefaults()
			return rc, nil
		}
	}

	rc, err := p.store.GetRegionalConfig(ctx, tenantID)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		tenant, terr := p.store.GetTenant(ctx, tenantID)
		if terr != nil {
			return nil, fmt.Errorf("failed to resolve tenant: %w", terr)
		}
		rc = p.defaults(tenant.Region)
	default:
		return nil, fmt.Errorf("failed to load regional config: %w", err)
	}
	rc.ApplyDefaults()

	if p.cache != nil {
		if err := p.cache.SetRegionalConfig(ctx, tenantID, rc); err != nil {
			p.logger.Warnw("Failed to cache regional config", "tenant_id", tenantID, "error", err)
		}
	}
	return rc, nil
}

// ConfigSource is anything that can resolve tenant configs
type ConfigSource interface {
	GetTenantConfig(ctx context.Context, tenantID string) (*models.RegionalConfig, error)
}

type memoEntry struct {
	rc  *models.RegionalConfig
	err error
}

// PerInvocation memoizes lookups for the lifetime of one batch or scan so
// every component in a run sees the same config
type PerInvocation struct {
	source ConfigSource

	mu    sync.Mutex
	cache map[string]memoEntry
}

// NewPerInvocation wraps source with a per-run memo
func NewPerInvocation(source ConfigSource) *PerInvocation {
	return &PerInvocation{source: source, cache: make(map[string]memoEntry)}
}

// GetTenantConfig returns the memoized config, resolving it on first use
func (m *PerInvocation) GetTenantConfig(ctx context.Context, tenantID string) (*models.RegionalConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.cache[tenantID]; ok {
		return e.rc, e.err
	}
	rc, err := m.source.GetTenantConfig(ctx, tenantID)
	m.cache[tenantID] = memoEntry{rc: rc, err: err}
	return rc, err
}
