package app

import (
	"fmt"
	"sync/atomic"

	gateway "github.com/eugener/keygate/internal"
	"github.com/eugener/keygate/internal/provider"
)

// RouterService resolves a (product, model) pair to the provider that will
// serve it. The product table is immutable once published and swapped
// atomically by Update, so lookups never take a lock.
type RouterService struct {
	adapters *provider.Registry
	products atomic.Pointer[map[string]*gateway.ProductConfig]
}

// NewRouterService returns a RouterService over the given adapter registry
// and initial product table.
func NewRouterService(adapters *provider.Registry, products []gateway.ProductConfig) *RouterService {
	rs := &RouterService{adapters: adapters}
	rs.Update(products)
	return rs
}

// Update replaces the product table. In-flight requests keep the table they
// started with.
func (rs *RouterService) Update(products []gateway.ProductConfig) {
	m := make(map[string]*gateway.ProductConfig, len(products))
	for i := range products {
		p := products[i]
		m[p.ID] = &p
	}
	rs.products.Store(&m)
}

// Product returns the configuration for id or gateway.ErrProductNotFound.
func (rs *RouterService) Product(id string) (*gateway.ProductConfig, error) {
	p, ok := (*rs.products.Load())[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", gateway.ErrProductNotFound, id)
	}
	return p, nil
}

// Select returns the adapter and provider configuration for model within
// product. Providers are tried in configuration order; one with an empty
// model list accepts any model. The first match wins.
func (rs *RouterService) Select(product, model string) (gateway.Adapter, gateway.ProviderConfig, error) {
	p, err := rs.Product(product)
	if err != nil {
		return nil, gateway.ProviderConfig{}, err
	}

	for _, pc := range p.Providers {
		if !pc.Serves(model) {
			continue
		}
		a, err := rs.adapters.Get(pc.AdapterType())
		if err != nil {
			return nil, gateway.ProviderConfig{}, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		return a, pc, nil
	}
	return nil, gateway.ProviderConfig{}, fmt.Errorf("%w: %q in product %q", gateway.ErrModelNotSupported, model, product)
}
