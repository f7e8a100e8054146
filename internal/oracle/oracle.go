// Package oracle reads the public ETH/USD price the aggregator filters
// intents against.
package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"
)

// ErrNoPrice is returned when a feed has no usable answer.
var ErrNoPrice = errors.New("oracle: no price available")

// PriceDecimals is the precision intents express price bounds in: USDC
// base units per ETH.
const PriceDecimals = 6

// Price is one feed reading.
type Price struct {
	Value     *big.Int  `json:"value"`
	Decimals  uint8     `json:"decimals"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scaled converts the price to the given number of decimals, truncating.
func (p Price) Scaled(decimals uint8) *big.Int {
	out := new(big.Int).Set(p.Value)
	switch {
	case decimals > p.Decimals:
		out.Mul(out, pow10(decimals-p.Decimals))
	case decimals < p.Decimals:
		out.Quo(out, pow10(p.Decimals-decimals))
	}
	return out
}

// Age returns how old the reading is at now.
func (p Price) Age(now time.Time) time.Duration {
	return now.Sub(p.UpdatedAt)
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Oracle returns the latest price.
type Oracle interface {
	LatestPrice(ctx context.Context) (Price, error)
}

// StaticOracle serves a settable price. A zero update time is reported as
// the time of the read, which keeps a dev price permanently fresh.
type StaticOracle struct {
	mu    sync.RWMutex
	price Price
}

// NewStaticOracle creates an oracle returning value with the given decimals.
func NewStaticOracle(value *big.Int, decimals uint8, updatedAt time.Time) *StaticOracle {
	return &StaticOracle{price: Price{Value: new(big.Int).Set(value), Decimals: decimals, UpdatedAt: updatedAt}}
}

// Set replaces the price.
func (o *StaticOracle) Set(value *big.Int, updatedAt time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.price.Value = new(big.Int).Set(value)
	o.price.UpdatedAt = updatedAt
}

func (o *StaticOracle) LatestPrice(context.Context) (Price, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.price.Value == nil || o.price.Value.Sign() <= 0 {
		return Price{}, ErrNoPrice
	}
	p := o.price
	p.Value = new(big.Int).Set(o.price.Value)
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	return p, nil
}
