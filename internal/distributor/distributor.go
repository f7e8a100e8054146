// Package distributor splits a batch's swap output among its participants
// in proportion to their encrypted contributions.
//
// Encrypted division does not exist, so the ratio out/in is computed once in
// plaintext, pre-multiplied by RatePrecision, and multiplied into each
// contribution. Balances therefore hold ETH scaled by RatePrecision; payout
// divides by it in plaintext after declassification.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/dca-engine/internal/fhe"
	"github.com/atmx/dca-engine/internal/model"
)

var (
	// ErrZeroInput guards the division in ScaledRate. Distribution is gated
	// on a successful batch, so hitting it is a logic error upstream.
	ErrZeroInput = errors.New("distributor: zero swap input")

	// ErrRateOverflow is returned when contribution*rate could exceed the
	// euint256 product width.
	ErrRateOverflow = errors.New("distributor: scaled rate overflows product width")
)

// RatePrecision is the fixed-point scale, 1e27. With 6-decimal USDC in and
// 18-decimal ETH out, the rate carries at least 27 significant digits, so
// truncation loses less than one wei per contribution.
var RatePrecision = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)

// contributionBits is the width contributions are stored at (euint64).
const contributionBits = 64

// productWidth is the width of the per-user multiply.
const productWidth = fhe.Uint256

// ScaledRate returns floor(out * RatePrecision / in).
func ScaledRate(out, in *big.Int) (*big.Int, error) {
	if in == nil || in.Sign() <= 0 {
		return nil, ErrZeroInput
	}
	if out == nil || out.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative output", ErrZeroInput)
	}
	rate := new(big.Int).Mul(out, RatePrecision)
	rate.Quo(rate, in)
	if err := checkWidth(rate); err != nil {
		return nil, err
	}
	return rate, nil
}

func checkWidth(rate *big.Int) error {
	if rate.BitLen()+contributionBits > int(productWidth) {
		return fmt.Errorf("%w: rate has %d bits", ErrRateOverflow, rate.BitLen())
	}
	return nil
}

// Payout converts a declassified scaled balance to base units, rounding down.
func Payout(scaled *big.Int) *big.Int {
	if scaled == nil {
		return new(big.Int)
	}
	return new(big.Int).Quo(scaled, RatePrecision)
}

// Contribution is one participant's encrypted euint64 input to a batch.
type Contribution struct {
	User   common.Address
	Amount fhe.Value
}

// Balances is the ledger surface the distributor writes through.
type Balances interface {
	Credit(ctx context.Context, caller, user common.Address, asset model.Asset, v fhe.Value) error
	Debit(ctx context.Context, caller, user common.Address, asset model.Asset, v fhe.Value) error
}

// Distributor credits proceeds and debits spent USDC for every participant.
type Distributor struct {
	fhe      fhe.Provider
	balances Balances
	caller   common.Address
}

// New creates a distributor that writes to balances as caller.
func New(provider fhe.Provider, balances Balances, caller common.Address) *Distributor {
	return &Distributor{fhe: provider, balances: balances, caller: caller}
}

// Progress records which balance writes of one distribution have landed.
// Passing the same Progress to a retried Distribute resumes after the last
// applied write, so no participant is credited or debited twice.
type Progress struct {
	credited map[int]bool
	debited  map[int]bool
}

// NewProgress returns an empty Progress.
func NewProgress() *Progress {
	return &Progress{credited: make(map[int]bool), debited: make(map[int]bool)}
}

// Applied reports the number of contributions fully written.
func (p *Progress) Applied() int {
	n := 0
	for i := range p.credited {
		if p.debited[i] {
			n++
		}
	}
	return n
}

type share struct {
	user         common.Address
	contribution fhe.Value
	scaled       fhe.Value
}

// Distribute applies rate to every contribution: the user's scaled ETH
// balance grows by contribution*rate and their USDC balance shrinks by the
// contribution. All products are computed before any balance is touched.
//
// Writes already recorded in progress are skipped and each new write is
// recorded as it lands. A nil progress tracks nothing.
func (d *Distributor) Distribute(ctx context.Context, batchID uint64, rate *big.Int, contributions []Contribution, progress *Progress) error {
	if rate == nil || rate.Sign() <= 0 {
		return fmt.Errorf("%w: batch %d has no rate", ErrZeroInput, batchID)
	}
	if err := checkWidth(rate); err != nil {
		return err
	}

	rateEnc, err := d.fhe.Encrypt(rate, productWidth)
	if err != nil {
		return fmt.Errorf("encrypt rate: %w", err)
	}

	shares := make([]share, 0, len(contributions))
	for _, c := range contributions {
		if c.Amount.Width != fhe.Uint64 {
			return fmt.Errorf("%w: contribution of %s is %s", fhe.ErrWidthMismatch, c.User.Hex(), c.Amount.Width)
		}
		wide, err := d.fhe.Widen(c.Amount, productWidth)
		if err != nil {
			return fmt.Errorf("widen contribution: %w", err)
		}
		scaled, err := d.fhe.Mul(wide, rateEnc)
		if err != nil {
			return fmt.Errorf("scale contribution: %w", err)
		}
		shares = append(shares, share{user: c.User, contribution: c.Amount, scaled: scaled})
	}

	if progress == nil {
		progress = NewProgress()
	}
	for i, s := range shares {
		if !progress.credited[i] {
			if err := d.balances.Credit(ctx, d.caller, s.user, model.AssetETH, s.scaled); err != nil {
				return fmt.Errorf("credit %s: %w", s.user.Hex(), err)
			}
			progress.credited[i] = true
		}
		if !progress.debited[i] {
			if err := d.balances.Debit(ctx, d.caller, s.user, model.AssetUSDC, s.contribution); err != nil {
				return fmt.Errorf("debit %s: %w", s.user.Hex(), err)
			}
			progress.debited[i] = true
		}
	}

	slog.Info("proceeds distributed", "batch_id", batchID, "participants", len(shares))
	return nil
}
