package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
	"github.com/agatticelli/dex-swap-engine/internal/platform/schedule"
)

// ErrNoHealthyEndpoint is returned when every RPC endpoint is down
var ErrNoHealthyEndpoint = errors.New("no healthy RPC endpoints available")

// RPCEndpoint represents a single JSON-RPC endpoint
type RPCEndpoint struct {
	URL    string
	Weight int

	mu      sync.Mutex
	client  *ethclient.Client
	healthy atomic.Bool
	current int // smooth weighted round-robin state, guarded by the pool lock
}

func (e *RPCEndpoint) getClient() *ethclient.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

func (e *RPCEndpoint) setClient(c *ethclient.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client = c
}

// ClientPool spreads calls over weighted RPC endpoints, skipping unhealthy
// ones, and re-checks every endpoint in the background.
type ClientPool struct {
	endpoints []*RPCEndpoint
	mu        sync.Mutex
	dial      func(ctx context.Context, url string) (*ethclient.Client, error)
	health    *schedule.Handle
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// ClientPoolConfig holds client pool configuration
type ClientPoolConfig struct {
	Endpoints           []EndpointConfig
	HealthCheckInterval time.Duration
	Logger              *observability.Logger
	Metrics             *observability.Metrics
}

// EndpointConfig represents endpoint configuration
type EndpointConfig struct {
	URL    string
	Weight int
}

// NewClientPool dials every endpoint and starts background health checks
// bound to ctx. At least one endpoint must connect.
func NewClientPool(ctx context.Context, cfg ClientPoolConfig) (*ClientPool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	cp := &ClientPool{
		dial:    ethclient.DialContext,
		logger:  cfg.Logger.WithComponent("rpc-pool"),
		metrics: cfg.Metrics,
	}

	for _, epCfg := range cfg.Endpoints {
		weight := epCfg.Weight
		if weight <= 0 {
			weight = 1
		}
		ep := &RPCEndpoint{URL: epCfg.URL, Weight: weight}

		client, err := cp.dial(ctx, epCfg.URL)
		if err != nil {
			// kept as unhealthy; the health check reconnects
			cp.logger.LogError(ctx, "failed to connect to RPC endpoint", err, "url", epCfg.URL)
		} else {
			ep.setClient(client)
			ep.healthy.Store(true)
			cp.logger.LogInfo(ctx, "connected to RPC endpoint", "url", epCfg.URL, "weight", weight)
		}
		cp.endpoints = append(cp.endpoints, ep)
	}

	if cp.HealthyCount() == 0 {
		return nil, ErrNoHealthyEndpoint
	}

	cp.health = schedule.NewPoller(cfg.HealthCheckInterval, cp.CheckAll).Start(ctx)
	return cp, nil
}

// Client picks the next healthy endpoint by smooth weighted round-robin.
func (cp *ClientPool) Client() (*ethclient.Client, string, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	var (
		best  *RPCEndpoint
		total int
	)
	for _, ep := range cp.endpoints {
		if !ep.healthy.Load() || ep.getClient() == nil {
			continue
		}
		ep.current += ep.Weight
		total += ep.Weight
		if best == nil || ep.current > best.current {
			best = ep
		}
	}
	if best == nil {
		return nil, "", ErrNoHealthyEndpoint
	}
	best.current -= total
	return best.getClient(), best.URL, nil
}

// MarkUnhealthy takes an endpoint out of rotation until the next passing check
func (cp *ClientPool) MarkUnhealthy(url string) {
	for _, ep := range cp.endpoints {
		if ep.URL != url {
			continue
		}
		if ep.healthy.Swap(false) {
			cp.logger.LogWarn(context.Background(), "marking RPC endpoint as unhealthy", "url", url)
			cp.metrics.RecordRPCEndpointHealth(context.Background(), url, false)
		}
		return
	}
}

// CheckAll health-checks every endpoint concurrently and waits for them.
func (cp *ClientPool) CheckAll(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, ep := range cp.endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp.checkEndpoint(checkCtx, ep)
		}()
	}
	wg.Wait()
}

// checkEndpoint fetches the block number; nil clients are redialled first
func (cp *ClientPool) checkEndpoint(ctx context.Context, ep *RPCEndpoint) {
	client := ep.getClient()
	if client == nil {
		c, err := cp.dial(ctx, ep.URL)
		if err != nil {
			ep.healthy.Store(false)
			cp.metrics.RecordRPCEndpointHealth(ctx, ep.URL, false)
			return
		}
		ep.setClient(c)
		client = c
		cp.logger.LogInfo(ctx, "reconnected to RPC endpoint", "url", ep.URL)
	}

	if _, err := client.BlockNumber(ctx); err != nil {
		// our own timeout or shutdown says nothing about the endpoint
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			cp.logger.LogDebug(ctx, "RPC health check interrupted", "url", ep.URL, "error", err)
			return
		}
		if ep.healthy.Swap(false) {
			cp.logger.LogError(ctx, "RPC endpoint health check failed", err, "url", ep.URL)
		}
		cp.metrics.RecordRPCEndpointHealth(ctx, ep.URL, false)
		return
	}

	if !ep.healthy.Swap(true) {
		cp.logger.LogInfo(ctx, "RPC endpoint is now healthy", "url", ep.URL)
	}
	cp.metrics.RecordRPCEndpointHealth(ctx, ep.URL, true)
}

// HealthyCount returns the number of healthy endpoints
func (cp *ClientPool) HealthyCount() int {
	count := 0
	for _, ep := range cp.endpoints {
		if ep.healthy.Load() {
			count++
		}
	}
	return count
}

// EndpointStatus returns health by URL
func (cp *ClientPool) EndpointStatus() map[string]bool {
	status := make(map[string]bool, len(cp.endpoints))
	for _, ep := range cp.endpoints {
		status[ep.URL] = ep.healthy.Load()
	}
	return status
}

// Close stops health checks and closes all connections
func (cp *ClientPool) Close() {
	if cp.health != nil {
		cp.health.Stop()
	}
	for _, ep := range cp.endpoints {
		if c := ep.getClient(); c != nil {
			c.Close()
		}
	}
	cp.logger.LogInfo(context.Background(), "closed all RPC client connections")
}
