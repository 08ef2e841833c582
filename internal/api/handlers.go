package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/agatticelli/dex-swap-engine/internal/liquidity"
	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/money"
	"github.com/agatticelli/dex-swap-engine/internal/pricing"
	"github.com/agatticelli/dex-swap-engine/internal/quote"
)

var errBadRequest = errors.New("bad request")

// swapRequest is the body of /v1/quote and /v1/swap. Token fields accept
// "chainId:0xaddress", "sym:SYMBOL" or a bare well-known symbol.
type swapRequest struct {
	TokenIn     string           `json:"tokenIn"`
	TokenOut    string           `json:"tokenOut"`
	AmountIn    decimal.Decimal  `json:"amountIn"`
	SlippagePct *decimal.Decimal `json:"slippagePct,omitempty"`
}

func (r swapRequest) toQuoteRequest() (quote.Request, error) {
	in, err := market.ParseTokenKey(r.TokenIn)
	if err != nil {
		return quote.Request{}, fmt.Errorf("tokenIn: %w", err)
	}
	out, err := market.ParseTokenKey(r.TokenOut)
	if err != nil {
		return quote.Request{}, fmt.Errorf("tokenOut: %w", err)
	}
	return quote.Request{
		TokenIn:     in,
		TokenOut:    out,
		AmountIn:    r.AmountIn,
		SlippagePct: r.SlippagePct,
	}, nil
}

type addLiquidityRequest struct {
	TokenA      string           `json:"tokenA"`
	TokenB      string           `json:"tokenB"`
	AmountA     decimal.Decimal  `json:"amountA"`
	AmountB     *decimal.Decimal `json:"amountB,omitempty"`
	SlippagePct *decimal.Decimal `json:"slippagePct,omitempty"`
	// DryRun returns the plan without submitting anything
	DryRun bool `json:"dryRun,omitempty"`
}

// removeLiquidityRequest takes the share to withdraw either in basis points
// or as a percentage ("percentage": 25 is 2500 bps), not both.
type removeLiquidityRequest struct {
	Pair          string           `json:"pair"`
	PercentageBps int64            `json:"percentageBps,omitempty"`
	Percentage    *decimal.Decimal `json:"percentage,omitempty"`
	SlippagePct   *decimal.Decimal `json:"slippagePct,omitempty"`
}

func (b removeLiquidityRequest) bps() (int64, error) {
	if b.Percentage == nil {
		return b.PercentageBps, nil
	}
	if b.PercentageBps != 0 {
		return 0, fmt.Errorf("%w: set percentage or percentageBps, not both", errBadRequest)
	}
	bps, err := money.ParseBPSPercent(*b.Percentage)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return bps.Int64(), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports ready while at least one price provider is usable
// and the shared cache, when configured, answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	health := make([]pricing.ProviderHealth, 0, len(s.cfg.Providers))
	for _, p := range s.cfg.Providers {
		health = append(health, p.Health())
	}

	ready := len(s.cfg.Providers) == 0 || pricing.AnyHealthy(s.cfg.Providers)
	body := map[string]interface{}{"providers": health}

	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.Ping(r.Context()); err != nil {
			ready = false
			body["cache"] = err.Error()
		} else {
			body["cache"] = "ok"
		}
	}

	status := http.StatusOK
	body["status"] = "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		body["status"] = "not_ready"
	}
	writeJSON(w, status, body)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var body swapRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := body.toQuoteRequest()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q, err := s.cfg.Quoter.Quote(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Executor == nil {
		writeNotImplemented(w, "execution")
		return
	}
	var body swapRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := body.toQuoteRequest()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.cfg.Executor.Swap(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAddLiquidity(w http.ResponseWriter, r *http.Request) {
	var body addLiquidityRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := market.ParseTokenKey(body.TokenA)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("tokenA: %w", err))
		return
	}
	b, err := market.ParseTokenKey(body.TokenB)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("tokenB: %w", err))
		return
	}
	req := liquidity.AddRequest{
		TokenA:         a,
		TokenB:         b,
		AmountADesired: body.AmountA,
		AmountBDesired: body.AmountB,
		SlippagePct:    body.SlippagePct,
	}

	if body.DryRun {
		if s.cfg.Planner == nil {
			writeNotImplemented(w, "liquidity planning")
			return
		}
		plan, err := s.cfg.Planner.PlanAddLiquidity(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
		return
	}

	if s.cfg.Executor == nil {
		writeNotImplemented(w, "execution")
		return
	}
	res, err := s.cfg.Executor.AddLiquidity(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Executor == nil {
		writeNotImplemented(w, "execution")
		return
	}
	var body removeLiquidityRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !common.IsHexAddress(body.Pair) {
		s.writeError(w, r, fmt.Errorf("%w: pair must be a hex address", errBadRequest))
		return
	}

	bps, err := body.bps()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.cfg.Executor.RemoveLiquidity(r.Context(), common.HexToAddress(body.Pair), bps, body.SlippagePct)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePrices serves GET /v1/prices?keys=sym:ETH,1:0x...
// Keys that cannot be priced are left out of the response.
func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	raw := strings.Split(r.URL.Query().Get("keys"), ",")
	keys := make([]market.TokenKey, 0, len(raw))
	for _, k := range raw {
		if strings.TrimSpace(k) == "" {
			continue
		}
		key, err := market.ParseTokenKey(k)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: keys is required", errBadRequest))
		return
	}

	points, err := s.cfg.Prices.Snapshot(r.Context(), keys)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"prices": points})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	results, err := s.cfg.Prices.SearchTokens(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Pairs == nil {
		writeNotImplemented(w, "pair discovery")
		return
	}
	key, err := market.ParseTokenKey(r.URL.Query().Get("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := s.cfg.Tokens.Resolve(r.Context(), key, s.cfg.ChainID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	pairs, err := s.cfg.Pairs.Discover(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": token, "pairs": pairs})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	owner := s.cfg.Owner
	if raw := r.URL.Query().Get("owner"); raw != "" {
		if !common.IsHexAddress(raw) {
			s.writeError(w, r, fmt.Errorf("%w: owner must be a hex address", errBadRequest))
			return
		}
		owner = common.HexToAddress(raw)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner":     owner,
		"positions": s.cfg.Positions.Positions(owner),
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeNotImplemented(w http.ResponseWriter, feature string) {
	writeJSON(w, http.StatusNotImplemented, errorBody{Error: feature + " is not configured"})
}
