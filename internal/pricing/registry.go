// Package pricing provides the external price providers, the ranked price
// oracle built on them, and the live search and ticker helpers.
package pricing

import (
	"fmt"
	"sort"
	"sync"

	"github.com/agatticelli/dex-swap-engine/internal/platform/config"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
)

// SourceFactory creates a price source from shared dependencies.
type SourceFactory func(deps SourceDeps) (Source, error)

// SourceDeps holds what the built-in source factories need.
type SourceDeps struct {
	Config      *config.Config
	CoinGecko   *CoinGeckoClient
	DexScreener *DexScreenerClient
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// SourceRegistry manages price source factories by provider name.
type SourceRegistry struct {
	factories map[string]SourceFactory
	mu        sync.RWMutex
}

// NewSourceRegistry creates a registry with the built-in sources.
func NewSourceRegistry() *SourceRegistry {
	r := &SourceRegistry{
		factories: make(map[string]SourceFactory),
	}

	r.Register(config.ProviderCoinGecko, createMarketSource)
	r.Register(config.ProviderDexScreener, createPairSource)

	return r
}

// Register adds a source factory to the registry.
func (r *SourceRegistry) Register(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create creates the named source.
func (r *SourceRegistry) Create(name string, deps SourceDeps) (Source, error) {
	r.mu.RLock()
	factory, exists := r.factories[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown price source: %s (available: %v)", name, r.List())
	}

	return factory(deps)
}

// Build creates sources in the given rank order.
func (r *SourceRegistry) Build(order []string, deps SourceDeps) ([]Source, error) {
	sources := make([]Source, 0, len(order))
	for _, name := range order {
		s, err := r.Create(name, deps)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, nil
}

// List returns the registered source names, sorted.
func (r *SourceRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func createMarketSource(deps SourceDeps) (Source, error) {
	if deps.CoinGecko == nil {
		return nil, fmt.Errorf("CoinGecko client is required for the %s source", config.ProviderCoinGecko)
	}
	var chains []config.ChainConfig
	if deps.Config != nil {
		chains = deps.Config.Chains
	}
	return NewMarketSource(deps.CoinGecko, chains), nil
}

func createPairSource(deps SourceDeps) (Source, error) {
	if deps.DexScreener == nil {
		return nil, fmt.Errorf("DexScreener client is required for the %s source", config.ProviderDexScreener)
	}
	chainID := config.ChainEthereum
	if deps.Config != nil {
		chainID = deps.Config.Engine.DefaultChainID
	}
	return NewPairSource(deps.DexScreener, chainID), nil
}
