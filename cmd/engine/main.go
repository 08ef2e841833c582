package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/agatticelli/dex-swap-engine/internal/api"
	"github.com/agatticelli/dex-swap-engine/internal/chain"
	"github.com/agatticelli/dex-swap-engine/internal/execution"
	"github.com/agatticelli/dex-swap-engine/internal/liquidity"
	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/notification"
	"github.com/agatticelli/dex-swap-engine/internal/pairs"
	"github.com/agatticelli/dex-swap-engine/internal/platform/aws"
	"github.com/agatticelli/dex-swap-engine/internal/platform/cache"
	"github.com/agatticelli/dex-swap-engine/internal/platform/config"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
	"github.com/agatticelli/dex-swap-engine/internal/platform/worker"
	"github.com/agatticelli/dex-swap-engine/internal/positions"
	"github.com/agatticelli/dex-swap-engine/internal/pricing"
	"github.com/agatticelli/dex-swap-engine/internal/quote"
)

const serviceName = "dex-swap-engine"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("ignoring .env: %v", err)
	}

	log.Println("Loading configuration...")
	cfg := config.MustLoad(*configPath)
	chainCfg := cfg.DefaultChain()

	// Observability first: everything below takes a logger
	logger := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format).
		WithChain(chainCfg.ChainID)

	metrics, err := observability.NewMetrics(serviceName, cfg.Observability.Metrics.Enabled)
	if err != nil {
		log.Fatalf("Failed to create metrics: %v", err)
	}

	tracerProvider, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		ServiceName: serviceName,
		Version:     version,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRatio: cfg.Observability.Tracing.SampleRatio,
		ChainID:     chainCfg.ChainID,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		log.Fatalf("Failed to create tracer: %v", err)
	}
	defer tracerProvider.Shutdown(context.Background())

	logger.LogInfo(ctx, "observability setup complete",
		"gateway_mode", cfg.Gateway.Mode,
	)

	// Caches: in-process L1, optional Redis L2 shared between instances
	memCache := cache.NewMemoryCacheWithConfig(cache.MemoryCacheConfig{
		MaxSize:         cfg.Cache.L1MaxSize,
		CleanupInterval: cfg.Cache.CleanupInterval,
	})
	defer memCache.Close()

	var (
		l2         cache.Cache
		redisCache *cache.RedisCache
	)
	if cfg.Redis.Enabled {
		redisCache, err = cache.NewRedisCache(ctx, cache.RedisOptions{
			URL:      cfg.Redis.URL,
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   "swap:",
		})
		if err != nil {
			logger.LogError(ctx, "failed to connect to Redis", err, "address", cfg.Redis.Address)
			log.Fatalf("Failed to create Redis cache: %v", err)
		}
		defer redisCache.Close()
		l2 = redisCache
	}

	layeredCache := cache.NewLayeredCacheWithConfig(cache.LayeredCacheConfig{
		L1:       memCache,
		L2:       l2,
		L1MaxTTL: cfg.Cache.L1MaxTTL,
		Logger:   logger,
	})

	// Price providers, ranked by providers.order
	coinGecko := pricing.NewCoinGeckoClient(pricing.CoinGeckoClientConfig{
		Provider: cfg.Providers.CoinGecko,
		Logger:   logger,
		Metrics:  metrics,
	})
	dexScreener := pricing.NewDexScreenerClient(pricing.DexScreenerClientConfig{
		Provider: cfg.Providers.DexScreener,
		Chains:   cfg.Chains,
		Logger:   logger,
		Metrics:  metrics,
	})

	sources, err := pricing.NewSourceRegistry().Build(cfg.Providers.Order, pricing.SourceDeps{
		Config:      cfg,
		CoinGecko:   coinGecko,
		DexScreener: dexScreener,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatalf("Failed to build price sources: %v", err)
	}

	watchlist := make([]market.TokenKey, 0, len(cfg.Polling.Watchlist))
	for _, sym := range cfg.Polling.Watchlist {
		watchlist = append(watchlist, market.SymbolKey(sym))
	}

	oracle, err := pricing.NewPriceOracle(pricing.OracleConfig{
		Sources:       sources,
		Market:        coinGecko,
		Pairs:         dexScreener,
		Cache:         layeredCache,
		PriceTTL:      cfg.Cache.PriceTTL,
		SearchTTL:     cfg.Cache.SearchTTL,
		SourceTimeout: cfg.Providers.CoinGecko.Timeout,
		Watchlist:     watchlist,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tracerProvider.Tracer("oracle"),
	})
	if err != nil {
		log.Fatalf("Failed to create price oracle: %v", err)
	}

	// Chain gateway
	gateway, closeGateway, err := newGateway(ctx, cfg, chainCfg, logger, metrics)
	if err != nil {
		logger.LogError(ctx, "failed to create chain gateway", err)
		log.Fatalf("Failed to create chain gateway: %v", err)
	}
	defer closeGateway()

	tokens := market.NewDirectory(gateway)

	resolver, err := pairs.NewResolver(pairs.ResolverConfig{
		Gateway: gateway,
		Pairs:   dexScreener,
		Cache:   layeredCache,
		TTL:     cfg.Cache.PairTTL,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracerProvider.Tracer("pairs"),
	})
	if err != nil {
		log.Fatalf("Failed to create pair resolver: %v", err)
	}

	engine, err := quote.NewEngine(quote.EngineConfig{
		ChainID: chainCfg.ChainID,
		Tokens:  tokens,
		Sources: []quote.QuoteSource{
			quote.NewOnChainReserves(resolver),
			quote.NewEstimatedMidPrice(oracle),
		},
		FeeBps:             cfg.Engine.FeeBps,
		DefaultSlippagePct: cfg.Engine.DefaultSlippagePct,
		MaxSlippagePct:     cfg.Engine.MaxSlippagePct,
		TTL:                cfg.Cache.QuoteTTL,
		Logger:             logger,
		Metrics:            metrics,
		Tracer:             tracerProvider.Tracer("quote"),
	})
	if err != nil {
		log.Fatalf("Failed to create quote engine: %v", err)
	}

	calculator, err := liquidity.NewCalculator(liquidity.CalculatorConfig{
		ChainID:            chainCfg.ChainID,
		Tokens:             tokens,
		Pairs:              resolver,
		DefaultSlippagePct: cfg.Engine.DefaultSlippagePct,
		MaxSlippagePct:     cfg.Engine.MaxSlippagePct,
		DeadlineWindow:     cfg.Engine.DeadlineWindow,
		Logger:             logger,
		Tracer:             tracerProvider.Tracer("liquidity"),
	})
	if err != nil {
		log.Fatalf("Failed to create liquidity calculator: %v", err)
	}

	pool := worker.NewPool(ctx, 4, 64)
	defer pool.Close()

	tracker, err := positions.NewTracker(positions.TrackerConfig{
		Gateway: gateway,
		Tokens:  tokens,
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracerProvider.Tracer("positions"),
	})
	if err != nil {
		log.Fatalf("Failed to create position tracker: %v", err)
	}

	publisher := newPublisher(ctx, cfg, logger, metrics, tracerProvider.Tracer("notification"))

	executor, err := execution.NewExecutor(execution.Config{
		Gateway:           gateway,
		Quoter:            engine,
		Planner:           calculator,
		Positions:         tracker,
		Pairs:             resolver,
		Publisher:         publisher,
		DeadlineWindow:    cfg.Engine.DeadlineWindow,
		WaitConfirmations: cfg.Gateway.WaitConfirmations,
		ConfirmationPoll:  cfg.Gateway.ConfirmationPoll,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            tracerProvider.Tracer("execution"),
	})
	if err != nil {
		log.Fatalf("Failed to create executor: %v", err)
	}

	// Warm the price cache before serving traffic
	warmer := cache.NewWarmer(logger, 30*time.Second)
	warmer.RegisterProvider(oracle)
	warmer.RegisterProvider(cache.WarmupFunc("positions", func(ctx context.Context) error {
		_, err := tracker.Refresh(ctx, gateway.Account())
		return err
	}))
	if results := warmer.Warmup(ctx); results.HasErrors() {
		logger.LogWarn(ctx, "cache warmup incomplete", "failed", results.Failed())
	}

	// Background refreshers
	ticker := pricing.NewTicker(oracle, pricing.TickerConfig{
		Keys:     watchlist,
		Interval: cfg.Polling.PriceInterval,
		Logger:   logger,
	}).Start(ctx)
	defer ticker.Stop()

	positionsPoller := tracker.Start(ctx, gateway.Account(), cfg.Polling.PositionInterval)
	defer positionsPoller.Stop()

	var pinger api.Pinger
	if redisCache != nil {
		pinger = redisCache
	}

	server, err := api.NewServer(api.Config{
		ChainID:   chainCfg.ChainID,
		Owner:     gateway.Account(),
		Quoter:    engine,
		Executor:  executor,
		Planner:   calculator,
		Prices:    oracle,
		Pairs:     resolver,
		Tokens:    tokens,
		Positions: tracker,
		Providers: []pricing.HealthProvider{coinGecko, dexScreener},
		Cache:     pinger,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		log.Fatalf("Failed to create API server: %v", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe(ctx, cfg.HTTP.Port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.LogInfo(ctx, "swap engine started", "port", cfg.HTTP.Port, "owner", gateway.Account().Hex())

	var srvErr error
	select {
	case <-sigCh:
		logger.LogInfo(ctx, "shutdown signal received, gracefully stopping...")
		cancel()
		srvErr = <-serverErr
	case srvErr = <-serverErr:
	}
	if srvErr != nil {
		logger.LogError(context.Background(), "HTTP server error", srvErr)
	}
	logger.LogInfo(context.Background(), "application stopped")
}

// newGateway builds the chain gateway for gateway.mode. The returned func
// releases its connections.
func newGateway(ctx context.Context, cfg *config.Config, chainCfg config.ChainConfig, logger *observability.Logger, metrics *observability.Metrics) (chain.Gateway, func(), error) {
	if cfg.Gateway.Mode == config.GatewayModeRPC {
		endpoints := make([]chain.EndpointConfig, len(chainCfg.RPCEndpoints))
		for i, ep := range chainCfg.RPCEndpoints {
			endpoints[i] = chain.EndpointConfig{URL: ep.URL, Weight: ep.Weight}
		}

		clientPool, err := chain.NewClientPool(ctx, chain.ClientPoolConfig{
			Endpoints:           endpoints,
			HealthCheckInterval: cfg.Gateway.HealthCheckInterval,
			Logger:              logger,
			Metrics:             metrics,
		})
		if err != nil {
			return nil, nil, err
		}

		gw, err := chain.NewEthGateway(chain.EthGatewayConfig{
			ChainID:        chainCfg.ChainID,
			Pool:           clientPool,
			FactoryAddress: chainCfg.FactoryAddress,
			RouterAddress:  chainCfg.RouterAddress,
			SignerKey:      cfg.Gateway.SignerKey,
			Owner:          cfg.Gateway.Owner,
			KnownPairs:     chainCfg.KnownPairs,
			CallTimeout:    cfg.Gateway.CallTimeout,
			Logger:         logger,
			Metrics:        metrics,
		})
		if err != nil {
			clientPool.Close()
			return nil, nil, err
		}
		return gw, clientPool.Close, nil
	}

	sim := chain.NewSimGateway(chain.SimConfig{
		ChainID: chainCfg.ChainID,
		FeeBps:  cfg.Engine.FeeBps,
		Logger:  logger,
		Metrics: metrics,
	})
	if err := seedSimulation(sim, chainCfg.ChainID); err != nil {
		return nil, nil, err
	}
	logger.LogInfo(ctx, "using simulated chain gateway", "account", sim.Account().Hex())
	return sim, func() {}, nil
}

type simPool struct {
	a, b     string
	reserveA int64
	reserveB int64
}

// simulated pools priced near market so quotes look familiar
var simPools = []simPool{
	{"USDC", "ETH", 1_000_000, 500},
	{"USDT", "ETH", 400_000, 200},
	{"DAI", "USDC", 250_000, 250_000},
	{"WBTC", "ETH", 50, 1_500},
	{"LINK", "ETH", 100_000, 750},
}

// seedSimulation creates the demo pools and funds the simulated account
func seedSimulation(sim *chain.SimGateway, chainID int64) error {
	funded := make(map[string]bool)
	for _, p := range simPools {
		a, err := market.WellKnownToken(p.a, chainID)
		if err != nil {
			return err
		}
		b, err := market.WellKnownToken(p.b, chainID)
		if err != nil {
			return err
		}
		sim.SeedPool(a, b,
			market.ToRaw(decimal.NewFromInt(p.reserveA), a.Decimals),
			market.ToRaw(decimal.NewFromInt(p.reserveB), b.Decimals),
		)

		for _, tok := range []market.Token{a, b} {
			if funded[tok.Symbol] {
				continue
			}
			funded[tok.Symbol] = true
			// a wallet's worth: 1% of the token's first pool reserve
			reserve := p.reserveA
			if tok.SameAs(b) {
				reserve = p.reserveB
			}
			sim.Fund(tok.Address, sim.Account(), market.ToRaw(decimal.NewFromInt(reserve).Div(decimal.NewFromInt(100)), tok.Decimals))
		}
	}
	return nil
}

// newPublisher returns the SNS publisher when AWS is enabled, else a
// publisher that only logs.
func newPublisher(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics, tracer observability.Tracer) execution.EventPublisher {
	if !cfg.AWS.Enabled {
		return notification.NewNoOpPublisher(logger)
	}

	awsCfg, err := aws.LoadAWSConfig(ctx, aws.Config{Region: cfg.AWS.Region})
	if err != nil {
		logger.LogError(ctx, "failed to load AWS config, notifications disabled", err)
		return notification.NewNoOpPublisher(logger)
	}

	snsClient := aws.NewSNSClient(aws.SNSClientConfig{
		AWSConfig: awsCfg,
		Endpoint:  cfg.AWS.Endpoint,
		Logger:    logger,
		Metrics:   metrics,
	})

	publisher, err := notification.NewPublisher(notification.PublisherConfig{
		SNSClient: snsClient,
		TopicARN:  cfg.AWS.SNSTopicARN,
		Logger:    logger,
		Tracer:    tracer,
	})
	if err != nil {
		logger.LogError(ctx, "failed to create SNS publisher, notifications disabled", err)
		return notification.NewNoOpPublisher(logger)
	}
	return publisher
}
