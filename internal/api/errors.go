package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/agatticelli/dex-swap-engine/internal/chain"
	"github.com/agatticelli/dex-swap-engine/internal/execution"
	"github.com/agatticelli/dex-swap-engine/internal/liquidity"
	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/pairs"
	"github.com/agatticelli/dex-swap-engine/internal/platform/resilience"
	"github.com/agatticelli/dex-swap-engine/internal/positions"
	"github.com/agatticelli/dex-swap-engine/internal/pricing"
	"github.com/agatticelli/dex-swap-engine/internal/quote"
)

type errorBody struct {
	Error string `json:"error"`
	// Step is the execution step that failed, if any
	Step        string `json:"step,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

var statusBySentinel = []struct {
	err    error
	status int
}{
	{errBadRequest, http.StatusBadRequest},
	{market.ErrInvalidTokenKey, http.StatusBadRequest},
	{market.ErrUnknownSymbol, http.StatusBadRequest},
	{quote.ErrInvalidAmount, http.StatusBadRequest},
	{quote.ErrSameToken, http.StatusBadRequest},
	{quote.ErrInvalidSlippage, http.StatusBadRequest},
	{quote.ErrInvalidToken, http.StatusBadRequest},
	{liquidity.ErrInvalidAmount, http.StatusBadRequest},
	{liquidity.ErrInvalidSlippage, http.StatusBadRequest},
	{liquidity.ErrInvalidToken, http.StatusBadRequest},
	{liquidity.ErrSameToken, http.StatusBadRequest},
	{liquidity.ErrInvalidPercentage, http.StatusBadRequest},
	{pairs.ErrSameToken, http.StatusBadRequest},
	{pairs.ErrChainMismatch, http.StatusBadRequest},

	{market.ErrTokenNotFound, http.StatusNotFound},
	{pricing.ErrPriceNotFound, http.StatusNotFound},
	{positions.ErrPositionNotFound, http.StatusNotFound},
	{chain.ErrPairNotFound, http.StatusNotFound},

	{execution.ErrNotExecutable, http.StatusConflict},
	{liquidity.ErrEmptyPosition, http.StatusConflict},

	{chain.ErrTxReverted, http.StatusUnprocessableEntity},
	{chain.ErrInsufficientBalance, http.StatusUnprocessableEntity},
	{chain.ErrInsufficientOutput, http.StatusUnprocessableEntity},
	{chain.ErrDeadlineExpired, http.StatusUnprocessableEntity},

	{pairs.ErrNoPairProvider, http.StatusNotImplemented},
	{chain.ErrReadOnly, http.StatusNotImplemented},

	{quote.ErrPairUnavailable, http.StatusServiceUnavailable},
	{pricing.ErrProviderTimeout, http.StatusServiceUnavailable},
	{pricing.ErrSearchUnavailable, http.StatusServiceUnavailable},
	{resilience.ErrCircuitOpen, http.StatusServiceUnavailable},

	{execution.ErrConfirmationTimeout, http.StatusGatewayTimeout},
	{context.DeadlineExceeded, http.StatusGatewayTimeout},
}

// statusFor maps an engine error to an HTTP status
func statusFor(err error) int {
	for _, s := range statusBySentinel {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	var stepErr *execution.StepError
	if errors.As(err, &stepErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), Recoverable: quote.IsRecoverable(err)}

	var stepErr *execution.StepError
	if errors.As(err, &stepErr) {
		body.Step = stepErr.Step
	}

	if status >= http.StatusInternalServerError {
		s.logger.LogError(r.Context(), "request failed", err,
			"path", r.URL.Path,
			"status", status,
			"step", body.Step,
		)
		s.metrics.RecordError(r.Context(), "api")
	} else {
		s.logger.LogDebug(r.Context(), "request rejected",
			"path", r.URL.Path,
			"status", status,
			"error", err.Error(),
		)
	}
	writeJSON(w, status, body)
}
