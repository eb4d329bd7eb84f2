package oauth

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// AnyTenant registers a provider for every tenant without its own entry of that name.
const AnyTenant = "*"

type registryKey struct {
	tenant string
	name   string
}

// Registry resolves (tenant, provider name) to a Provider. Configured providers are built
// on first use and cached; a discovery failure is not cached so the next call retries.
type Registry struct {
	mu        sync.RWMutex
	configs   map[registryKey]ProviderConfig
	providers map[registryKey]Provider
	client    *http.Client
}

// NewRegistry returns an empty registry. client is passed to every built provider and
// may be nil.
func NewRegistry(client *http.Client) *Registry {
	return &Registry{
		configs:   map[registryKey]ProviderConfig{},
		providers: map[registryKey]Provider{},
		client:    client,
	}
}

// Configure records cfg for tenant. The provider is built on the first Lookup.
func (r *Registry) Configure(tenant string, cfg ProviderConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	key := registryKey{tenant: tenant, name: cfg.Name}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[key] = cfg
	delete(r.providers, key)
	return nil
}

// ConfigureAll records a tenant → providers map, as loaded from the environment.
func (r *Registry) ConfigureAll(byTenant map[string][]ProviderConfig) error {
	for tenant, cfgs := range byTenant {
		for _, cfg := range cfgs {
			if err := r.Configure(tenant, cfg); err != nil {
				return fmt.Errorf("tenant %q: %w", tenant, err)
			}
		}
	}
	return nil
}

// Register installs a ready provider for tenant.
func (r *Registry) Register(tenant string, p Provider) {
	key := registryKey{tenant: tenant, name: p.Name()}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[key] = p
}

// Lookup returns the provider named name for tenant, falling back to AnyTenant.
func (r *Registry) Lookup(ctx context.Context, tenant, name string) (Provider, error) {
	if r == nil {
		return nil, ErrUnknownProvider
	}
	for _, key := range []registryKey{{tenant, name}, {AnyTenant, name}} {
		r.mu.RLock()
		p, built := r.providers[key]
		cfg, configured := r.configs[key]
		r.mu.RUnlock()

		if built {
			return p, nil
		}
		if configured {
			return r.build(ctx, key, cfg)
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnknownProvider, tenant, name)
}

// Names lists the provider names reachable from tenant.
func (r *Registry) Names(tenant string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	collect := func(key registryKey) {
		if key.tenant == tenant || key.tenant == AnyTenant {
			seen[key.name] = struct{}{}
		}
	}
	for key := range r.configs {
		collect(key)
	}
	for key := range r.providers {
		collect(key)
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) build(ctx context.Context, key registryKey, cfg ProviderConfig) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Kind {
	case KindOAuth2:
		p, err = NewOAuth2Provider(cfg, r.client)
	default:
		p, err = NewOIDCProvider(ctx, cfg, r.client)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.providers[key]; ok {
		return existing, nil
	}
	r.providers[key] = p
	return p, nil
}
