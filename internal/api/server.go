// Package api exposes the engine over a small JSON HTTP surface: quoting,
// swap and liquidity execution, prices, search, pair discovery, positions,
// and the health, readiness and metrics endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/agatticelli/dex-swap-engine/internal/execution"
	"github.com/agatticelli/dex-swap-engine/internal/liquidity"
	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
	"github.com/agatticelli/dex-swap-engine/internal/positions"
	"github.com/agatticelli/dex-swap-engine/internal/pricing"
	"github.com/agatticelli/dex-swap-engine/internal/quote"
)

const (
	defaultRequestTimeout = 15 * time.Second
	shutdownTimeout       = 10 * time.Second
	maxBodyBytes          = 1 << 20
)

// Quoter prices swaps
type Quoter interface {
	Quote(ctx context.Context, req quote.Request) (quote.SwapQuote, error)
}

// Executor runs swap and liquidity transactions
type Executor interface {
	Swap(ctx context.Context, req quote.Request) (execution.SwapResult, error)
	AddLiquidity(ctx context.Context, req liquidity.AddRequest) (execution.AddResult, error)
	RemoveLiquidity(ctx context.Context, pair common.Address, percentageBps int64, slippagePct *decimal.Decimal) (execution.RemoveResult, error)
}

// Planner previews liquidity deposits without submitting them
type Planner interface {
	PlanAddLiquidity(ctx context.Context, req liquidity.AddRequest) (liquidity.AddPlan, error)
}

// Prices serves USD prices and token search
type Prices interface {
	Snapshot(ctx context.Context, keys []market.TokenKey) (map[string]market.PricePoint, error)
	SearchTokens(ctx context.Context, query string) ([]market.TokenSummary, error)
}

// PairFinder lists pools trading a token
type PairFinder interface {
	Discover(ctx context.Context, token market.Token) ([]market.PairSummary, error)
}

// TokenResolver turns token keys into chain tokens
type TokenResolver interface {
	Resolve(ctx context.Context, key market.TokenKey, chainID int64) (market.Token, error)
}

// PositionLister returns an owner's tracked positions
type PositionLister interface {
	Positions(owner common.Address) []positions.Position
}

// Pinger checks a backing store
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the server's collaborators. Executor and Pairs may be nil;
// the routes they back then answer 501.
type Config struct {
	ChainID int64
	// Owner is used by /v1/positions when no owner is given
	Owner common.Address

	Quoter    Quoter
	Executor  Executor
	Planner   Planner
	Prices    Prices
	Pairs     PairFinder
	Tokens    TokenResolver
	Positions PositionLister

	Providers []pricing.HealthProvider
	Cache     Pinger

	RequestTimeout time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Server is the engine's HTTP front end
type Server struct {
	cfg     Config
	mux     *http.ServeMux
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewServer creates a server and registers its routes
func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.Quoter == nil:
		return nil, errors.New("quoter is required")
	case cfg.Prices == nil:
		return nil, errors.New("prices are required")
	case cfg.Tokens == nil:
		return nil, errors.New("token resolver is required")
	case cfg.Positions == nil:
		return nil, errors.New("position lister is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		logger:  cfg.Logger.WithComponent("api"),
		metrics: cfg.Metrics,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	s.mux.HandleFunc("POST /v1/quote", s.handleQuote)
	s.mux.HandleFunc("POST /v1/swap", s.handleSwap)
	s.mux.HandleFunc("POST /v1/liquidity/add", s.handleAddLiquidity)
	s.mux.HandleFunc("POST /v1/liquidity/remove", s.handleRemoveLiquidity)
	s.mux.HandleFunc("GET /v1/prices", s.handlePrices)
	s.mux.HandleFunc("GET /v1/search", s.handleSearch)
	s.mux.HandleFunc("GET /v1/pairs", s.handlePairs)
	s.mux.HandleFunc("GET /v1/positions", s.handlePositions)
}

// Handler returns the root handler with request logging and timeouts
func (s *Server) Handler() http.Handler {
	return s.withTimeout(s.withLogging(s.mux))
}

// ListenAndServe serves on port until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.LogInfo(ctx, "HTTP server listening", "address", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.LogDebug(r.Context(), "request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) withTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
