// internal/chains/registry.go
package chains

import (
	"fmt"
	"sync"

	"crypto-payment-service/internal/domain"
)

// Registry holds one chain provider per network.
type Registry struct {
	providers map[domain.Network]domain.ChainProvider
	mu        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[domain.Network]domain.ChainProvider),
	}
}

// Register adds a provider, replacing any existing one for its network.
func (r *Registry) Register(p domain.ChainProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Network()] = p
}

func (r *Registry) Get(network domain.Network) (domain.ChainProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[network]
	if !ok {
		return nil, fmt.Errorf("chain not supported: %s", network)
	}
	return p, nil
}

func (r *Registry) List() []domain.Network {
	r.mu.RLock()
	defer r.mu.RUnlock()

	networks := make([]domain.Network, 0, len(r.providers))
	for n := range r.providers {
		networks = append(networks, n)
	}
	return networks
}
