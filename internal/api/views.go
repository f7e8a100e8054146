package api

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dca-engine/internal/fhe"
	"github.com/atmx/dca-engine/internal/ledger"
	"github.com/atmx/dca-engine/internal/model"
	"github.com/atmx/dca-engine/internal/oracle"
)

// ResultView presents a batch result with base units converted to
// decimal token amounts.
type ResultView struct {
	BatchID          uint64          `json:"batch_id"`
	Success          bool            `json:"success"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	ParticipantCount int             `json:"participant_count"`
	Price            decimal.Decimal `json:"price"`
	TotalUSDCIn      decimal.Decimal `json:"total_usdc_in"`
	TotalETHOut      decimal.Decimal `json:"total_eth_out"`
	ScaledRate       string          `json:"scaled_rate"`
	ExecutedAt       time.Time       `json:"executed_at"`
}

func newResultView(r *model.BatchResult) ResultView {
	return ResultView{
		BatchID:          r.BatchID,
		Success:          r.Success,
		FailureReason:    r.FailureReason,
		ParticipantCount: r.ParticipantCount,
		Price:            units(r.PriceAtExecution, int32(oracle.PriceDecimals)),
		TotalUSDCIn:      units(r.TotalAmountIn, model.AssetUSDC.Decimals()),
		TotalETHOut:      units(r.TotalAmountOut, model.AssetETH.Decimals()),
		ScaledRate:       bigString(r.ScaledRate),
		ExecutedAt:       r.ExecutedAt,
	}
}

// WithdrawalView presents a withdrawal with its paid amount in tokens.
type WithdrawalView struct {
	RequestID  string                 `json:"request_id"`
	Owner      common.Address         `json:"owner"`
	Asset      model.Asset            `json:"asset"`
	Status     model.WithdrawalStatus `json:"status"`
	Amount     *decimal.Decimal       `json:"amount,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
}

func newWithdrawalView(w *model.Withdrawal) WithdrawalView {
	v := WithdrawalView{
		RequestID:  w.RequestID,
		Owner:      w.Owner,
		Asset:      w.Asset,
		Status:     w.Status,
		CreatedAt:  w.CreatedAt,
		ResolvedAt: w.ResolvedAt,
	}
	if w.Amount != nil {
		d := units(w.Amount, w.Asset.Decimals())
		v.Amount = &d
	}
	return v
}

// RevealView presents an owner's declassified balance.
type RevealView struct {
	RequestID   fhe.RequestID    `json:"request_id"`
	Asset       model.Asset      `json:"asset"`
	Ready       bool             `json:"ready"`
	Balance     *decimal.Decimal `json:"balance,omitempty"`
	RequestedAt time.Time        `json:"requested_at"`
}

func newRevealView(r *ledger.Reveal) RevealView {
	v := RevealView{
		RequestID:   r.RequestID,
		Asset:       r.Asset,
		Ready:       r.Ready,
		RequestedAt: r.RequestedAt,
	}
	if r.Ready && r.Amount != nil {
		d := units(r.Amount, r.Asset.Decimals())
		v.Balance = &d
	}
	return v
}

func units(x *big.Int, decimals int32) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x, -decimals)
}

func bigString(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}
