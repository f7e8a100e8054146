package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/dca-engine/internal/auth"
	"github.com/atmx/dca-engine/internal/distributor"
	"github.com/atmx/dca-engine/internal/fhe"
	"github.com/atmx/dca-engine/internal/metrics"
	"github.com/atmx/dca-engine/internal/model"
)

// Reveal is an owner-requested declassification of their own balance.
// It is not persisted: reveals are a convenience view, not ledger state.
type Reveal struct {
	RequestID   fhe.RequestID  `json:"request_id"`
	Owner       common.Address `json:"owner"`
	Asset       model.Asset    `json:"asset"`
	Ready       bool           `json:"ready"`
	Plaintext   *big.Int       `json:"plaintext,omitempty"` // ETH: scaled by RatePrecision
	Amount      *big.Int       `json:"amount,omitempty"`    // base units
	RequestedAt time.Time      `json:"requested_at"`
}

// RequestBalanceReveal asks for the caller's own balance in asset. Only an
// address on the balance handle's ACL may ask.
func (l *Ledger) RequestBalanceReveal(ctx context.Context, caller common.Address, asset model.Asset) (fhe.RequestID, error) {
	if !asset.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAsset, asset)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.account(ctx, caller)
	if err != nil {
		return "", err
	}
	bal := acc.Balance(asset)
	if !l.fhe.IsAllowed(bal, caller) {
		return "", fmt.Errorf("%w: %v", auth.ErrUnauthorized, fhe.ErrNotAllowed)
	}
	id, err := l.fhe.RequestDeclassify(ctx, bal, l.onRevealDecrypted)
	if err != nil {
		return "", fmt.Errorf("request declassification: %w", err)
	}
	metrics.DeclassifyRequests.WithLabelValues("reveal").Inc()

	l.reveals[id] = &Reveal{RequestID: id, Owner: caller, Asset: asset, RequestedAt: l.now()}
	return id, nil
}

func (l *Ledger) onRevealDecrypted(_ context.Context, id fhe.RequestID, plaintext *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reveals[id]
	if !ok || r.Ready {
		return nil
	}
	r.Ready = true
	r.Plaintext = new(big.Int).Set(plaintext)
	r.Amount = new(big.Int).Set(plaintext)
	if r.Asset == model.AssetETH {
		r.Amount = distributor.Payout(plaintext)
	}
	return nil
}

// Reveal returns a reveal to its owner. Other callers get
// ErrRevealNotFound, indistinguishable from an unknown id.
func (l *Ledger) Reveal(_ context.Context, caller common.Address, id fhe.RequestID) (*Reveal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reveals[id]
	if !ok || r.Owner != caller {
		return nil, fmt.Errorf("%w: %s", ErrRevealNotFound, id)
	}
	out := *r
	return &out, nil
}
