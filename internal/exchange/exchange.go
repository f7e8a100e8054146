// Package exchange executes the batch's single aggregated USDC -> ETH swap.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/atmx/dca-engine/internal/model"
	"github.com/atmx/dca-engine/internal/oracle"
)

// ErrSwapFailed wraps any swap revert.
var ErrSwapFailed = errors.New("exchange: swap failed")

// Exchange swaps amountIn USDC base units for ETH wei. A zero result is a
// failed swap for the caller, not an error.
type Exchange interface {
	Swap(ctx context.Context, amountIn *big.Int) (*big.Int, error)
}

// Func adapts a function to Exchange.
type Func func(ctx context.Context, amountIn *big.Int) (*big.Int, error)

func (f Func) Swap(ctx context.Context, amountIn *big.Int) (*big.Int, error) {
	return f(ctx, amountIn)
}

// Vault settles the engine's side of a trade.
type Vault interface {
	Convert(ctx context.Context, from model.Asset, amountIn *big.Int, to model.Asset, amountOut *big.Int) error
}

// OracleExchange fills swaps at the oracle price less a fee, settling
// against the rail vault. It stands in for a DEX router in development.
type OracleExchange struct {
	oracle oracle.Oracle
	vault  Vault
	feeBps int64
}

// NewOracleExchange creates an exchange charging feeBps basis points.
func NewOracleExchange(o oracle.Oracle, v Vault, feeBps int64) *OracleExchange {
	return &OracleExchange{oracle: o, vault: v, feeBps: feeBps}
}

var (
	bpsDenominator = decimal.NewFromInt(10_000)
	weiPerETH      = decimal.New(1, int32(model.AssetETH.Decimals()))
	unitsPerUSDC   = decimal.New(1, int32(model.AssetUSDC.Decimals()))
)

// Quote returns the wei out for amountIn USDC units at price.
func (x *OracleExchange) Quote(amountIn *big.Int, price oracle.Price) *big.Int {
	usd := decimal.NewFromBigInt(amountIn, 0).Div(unitsPerUSDC)
	px := decimal.NewFromBigInt(price.Value, -int32(price.Decimals))
	if px.Sign() <= 0 {
		return new(big.Int)
	}
	keep := bpsDenominator.Sub(decimal.NewFromInt(x.feeBps)).Div(bpsDenominator)
	return usd.Mul(weiPerETH).Mul(keep).Div(px).Floor().BigInt()
}

func (x *OracleExchange) Swap(ctx context.Context, amountIn *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive input", ErrSwapFailed)
	}
	price, err := x.oracle.LatestPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}
	out := x.Quote(amountIn, price)
	if out.Sign() <= 0 {
		return new(big.Int), nil
	}
	if err := x.vault.Convert(ctx, model.AssetUSDC, amountIn, model.AssetETH, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}
	slog.Info("swap filled",
		"amount_in", decimal.NewFromBigInt(amountIn, -int32(model.AssetUSDC.Decimals())).String(),
		"amount_out", decimal.NewFromBigInt(out, -int32(model.AssetETH.Decimals())).String(),
		"fee_bps", x.feeBps,
	)
	return out, nil
}
