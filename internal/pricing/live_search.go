package pricing

import (
	"context"
	"time"

	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
	"github.com/agatticelli/dex-swap-engine/internal/platform/schedule"
)

// SearchResult is delivered for the newest query of a session.
// Err is set instead of Results when the search failed.
type SearchResult struct {
	Session string
	Query   string
	Results []market.TokenSummary
	Err     error
}

type searchOutcome struct {
	query   string
	results []market.TokenSummary
}

// LiveSearch debounces search-box input per session and delivers only the
// result of the latest query.
type LiveSearch struct {
	runner *schedule.Runner[searchOutcome]
	oracle *PriceOracle
}

// LiveSearchConfig configures LiveSearch
type LiveSearchConfig struct {
	Debounce time.Duration
	Timeout  time.Duration
	OnResult func(SearchResult)
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// NewLiveSearch creates a live search bound to ctx
func NewLiveSearch(ctx context.Context, oracle *PriceOracle, cfg LiveSearchConfig) *LiveSearch {
	if cfg.OnResult == nil {
		cfg.OnResult = func(SearchResult) {}
	}
	onResult := cfg.OnResult

	runner := schedule.NewRunner(ctx, schedule.RunnerConfig[searchOutcome]{
		Kind:     "search",
		Debounce: cfg.Debounce,
		Timeout:  cfg.Timeout,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
		Apply: func(o schedule.Outcome[searchOutcome]) {
			onResult(SearchResult{
				Session: o.Key,
				Query:   o.Value.query,
				Results: o.Value.results,
				Err:     o.Err,
			})
		},
	})

	return &LiveSearch{runner: runner, oracle: oracle}
}

// Input records a new query for session.
func (s *LiveSearch) Input(session, query string) {
	s.runner.Submit(session, func(ctx context.Context) (searchOutcome, error) {
		results, err := s.oracle.SearchTokens(ctx, query)
		return searchOutcome{query: query, results: results}, err
	})
}

// Cancel drops the pending and in-flight query for session
func (s *LiveSearch) Cancel(session string) {
	s.runner.Cancel(session)
}

// Stop cancels everything
func (s *LiveSearch) Stop() {
	s.runner.Stop()
}
