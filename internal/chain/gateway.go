// Package chain is the boundary to the AMM contracts: pair discovery,
// reserves, allowances and the swap/liquidity transactions. EthGateway talks
// to a Uniswap V2 style deployment over JSON-RPC; SimGateway keeps
// constant-product pools in memory for simulation mode and tests.
package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agatticelli/dex-swap-engine/internal/market"
)

var (
	ErrPairNotFound          = errors.New("pair not found")
	ErrTxNotFound            = errors.New("transaction not found")
	ErrTxReverted            = errors.New("transaction reverted")
	ErrDeadlineExpired       = errors.New("deadline expired")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInsufficientOutput    = errors.New("insufficient output amount")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrReadOnly              = errors.New("gateway has no signer")
)

// TxStatus is the lifecycle state of a submitted transaction
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// TxKind names the gateway operation behind a transaction
type TxKind string

const (
	TxApprove         TxKind = "approve"
	TxSwap            TxKind = "swap"
	TxAddLiquidity    TxKind = "add_liquidity"
	TxRemoveLiquidity TxKind = "remove_liquidity"
)

// TxHandle identifies a submitted transaction and its last known status.
type TxHandle struct {
	Hash        common.Hash `json:"hash"`
	Kind        TxKind      `json:"kind"`
	Status      TxStatus    `json:"status"`
	SubmittedAt time.Time   `json:"submittedAt"`
	Error       string      `json:"error,omitempty"`
}

// Done reports whether the transaction reached a final state.
func (h TxHandle) Done() bool {
	return h.Status == TxConfirmed || h.Status == TxFailed
}

// Reserves is a pair's state in token0/token1 order.
type Reserves struct {
	Pair        common.Address
	Token0      common.Address
	Token1      common.Address
	Reserve0    *big.Int
	Reserve1    *big.Int
	TotalSupply *big.Int
}

// For returns the reserves ordered as (tokenA, tokenB).
func (r Reserves) For(tokenA common.Address) (reserveA, reserveB *big.Int) {
	if tokenA == r.Token0 {
		return r.Reserve0, r.Reserve1
	}
	return r.Reserve1, r.Reserve0
}

// SwapParams are the arguments of an exact-input swap.
type SwapParams struct {
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Recipient    common.Address
	Deadline     int64 // unix seconds
}

// AddLiquidityParams are the arguments of a router addLiquidity call.
type AddLiquidityParams struct {
	TokenA         common.Address
	TokenB         common.Address
	AmountADesired *big.Int
	AmountBDesired *big.Int
	AmountAMin     *big.Int
	AmountBMin     *big.Int
	Recipient      common.Address
	Deadline       int64
}

// RemoveLiquidityParams are the arguments of a router removeLiquidity call.
type RemoveLiquidityParams struct {
	TokenA     common.Address
	TokenB     common.Address
	Liquidity  *big.Int
	AmountAMin *big.Int
	AmountBMin *big.Int
	Recipient  common.Address
	Deadline   int64
}

// Gateway is the engine's view of one chain's AMM deployment.
// Gateway errors are never retried by callers.
type Gateway interface {
	ChainID() int64
	// Account is the address transactions are sent from.
	Account() common.Address
	// Router is the spender that must be approved for swaps and liquidity.
	Router() common.Address

	// GetPair returns the pair address, or the zero address when the pair
	// does not exist.
	GetPair(ctx context.Context, tokenA, tokenB common.Address) (common.Address, error)
	GetReserves(ctx context.Context, pair common.Address) (Reserves, error)
	LPBalance(ctx context.Context, pair, owner common.Address) (*big.Int, error)
	// KnownPairs lists pairs worth scanning for an owner's LP balance.
	KnownPairs(ctx context.Context) ([]common.Address, error)

	GetAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (TxHandle, error)
	SwapExactInput(ctx context.Context, p SwapParams) (TxHandle, error)
	AddLiquidity(ctx context.Context, p AddLiquidityParams) (TxHandle, error)
	RemoveLiquidity(ctx context.Context, p RemoveLiquidityParams) (TxHandle, error)
	TxStatus(ctx context.Context, hash common.Hash) (TxHandle, error)

	market.MetadataSource
}

// MaxUint256 is the conventional unlimited allowance.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func sortAddresses(a, b common.Address) (common.Address, common.Address) {
	if a.Cmp(b) <= 0 {
		return a, b
	}
	return b, a
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
