// Package provider maintains the registry of remote offerings and exposes
// their process catalogs through protocol-specific describe shims.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/log"
	"github.com/telluric-io/tern/pkg/storage"
	"github.com/telluric-io/tern/pkg/types"
)

// Registry persists providers and answers catalog queries against them.
type Registry struct {
	store  storage.Store
	http   *http.Client
	logger zerolog.Logger
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(store storage.Store) *Registry {
	return &Registry{
		store:  store,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: log.WithComponent("provider"),
	}
}

// Register validates and persists a provider record. The remote service is
// probed once so a dead endpoint is rejected at registration time rather
// than at first use.
func (r *Registry) Register(ctx context.Context, p *types.Provider) error {
	if p.ID == "" || !types.ProcessIDPattern.MatchString(p.ID) {
		return fault.New(fault.KindValidation, "invalid provider id %q", p.ID)
	}
	u, err := url.Parse(p.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fault.New(fault.KindValidation, "invalid provider url %q", p.URL)
	}
	switch p.Type {
	case types.ProviderWPS1, types.ProviderWPS2, types.ProviderREST, types.ProviderESGFCWT:
	default:
		return fault.New(fault.KindValidation, "unsupported provider type %q", p.Type)
	}
	if existing, err := r.store.GetProvider(p.ID); err == nil && existing != nil {
		return fault.New(fault.KindConflict, "provider %q already registered", p.ID)
	}

	if err := r.probe(ctx, p); err != nil {
		return fault.Wrap(fault.KindRemoteExecutor, err, "provider %q did not answer", p.ID)
	}

	if p.Visibility == "" {
		p.Visibility = types.VisibilityPrivate
	}
	p.CreatedAt = time.Now().UTC()
	if err := r.store.PutProvider(p); err != nil {
		return fmt.Errorf("failed to persist provider: %w", err)
	}
	r.logger.Info().Str("provider_id", p.ID).Str("type", string(p.Type)).Msg("provider registered")
	return nil
}

// Get returns one provider record.
func (r *Registry) Get(id string) (*types.Provider, error) {
	return r.store.GetProvider(id)
}

// List returns all registered providers.
func (r *Registry) List() ([]*types.Provider, error) {
	return r.store.ListProviders()
}

// Unregister removes a provider record.
func (r *Registry) Unregister(id string) error {
	if _, err := r.store.GetProvider(id); err != nil {
		return err
	}
	if err := r.store.DeleteProvider(id); err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	r.logger.Info().Str("provider_id", id).Msg("provider unregistered")
	return nil
}

// Processes lists the remote catalog of one provider.
func (r *Registry) Processes(ctx context.Context, id string) ([]types.Process, error) {
	p, err := r.store.GetProvider(id)
	if err != nil {
		return nil, err
	}
	switch p.Type {
	case types.ProviderWPS1, types.ProviderWPS2:
		return r.wpsCapabilities(ctx, p)
	default:
		return nil, fault.New(fault.KindValidation,
			"catalog listing is not supported for %s providers", p.Type)
	}
}

// Describe fetches the remote description of one process and translates it
// to the canonical form.
func (r *Registry) Describe(ctx context.Context, id, processID string) (*types.Process, error) {
	p, err := r.store.GetProvider(id)
	if err != nil {
		return nil, err
	}
	switch p.Type {
	case types.ProviderWPS1, types.ProviderWPS2:
		return r.wpsDescribe(ctx, p, processID)
	default:
		return nil, fault.New(fault.KindValidation,
			"describe is not supported for %s providers", p.Type)
	}
}

// probe issues a cheap request appropriate to the protocol.
func (r *Registry) probe(ctx context.Context, p *types.Provider) error {
	target := p.URL
	switch p.Type {
	case types.ProviderWPS1, types.ProviderWPS2:
		target = wpsURL(p.URL, "GetCapabilities", "")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("endpoint answered %d", resp.StatusCode)
	}
	return nil
}
