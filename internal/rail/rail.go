// Package rail is the external value-transfer rail: plaintext token
// movements between users and the engine's vault.
package rail

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/dca-engine/internal/model"
)

var (
	// ErrInsufficientFunds is returned when a source balance cannot cover a
	// transfer.
	ErrInsufficientFunds = errors.New("rail: insufficient funds")

	// ErrInvalidAmount is returned for nil, zero or negative amounts.
	ErrInvalidAmount = errors.New("rail: amount must be positive")
)

// Rail moves plaintext amounts in base units.
type Rail interface {
	// TransferIn pulls amount of asset from a user into the vault.
	TransferIn(ctx context.Context, from common.Address, asset model.Asset, amount *big.Int) error

	// TransferOut pays amount of asset from the vault to a user.
	TransferOut(ctx context.Context, to common.Address, asset model.Asset, amount *big.Int) error
}

// MemoryRail is an in-memory token ledger with a single vault.
// With faucet enabled, TransferIn mints whatever the user is missing,
// which keeps local demos free of a token contract.
type MemoryRail struct {
	mu       sync.Mutex
	balances map[model.Asset]map[common.Address]*big.Int
	vault    map[model.Asset]*big.Int
	faucet   bool
}

// NewMemoryRail creates an empty rail.
func NewMemoryRail(faucet bool) *MemoryRail {
	return &MemoryRail{
		balances: make(map[model.Asset]map[common.Address]*big.Int),
		vault:    make(map[model.Asset]*big.Int),
		faucet:   faucet,
	}
}

// Mint credits a user balance out of thin air.
func (r *MemoryRail) Mint(to common.Address, asset model.Asset, amount *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bal := r.balanceLocked(to, asset)
	bal.Add(bal, amount)
}

// BalanceOf returns a copy of a user's balance.
func (r *MemoryRail) BalanceOf(addr common.Address, asset model.Asset) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.balanceLocked(addr, asset))
}

// Vault returns a copy of the vault balance.
func (r *MemoryRail) Vault(asset model.Asset) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.vaultLocked(asset))
}

func (r *MemoryRail) TransferIn(_ context.Context, from common.Address, asset model.Asset, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	bal := r.balanceLocked(from, asset)
	if bal.Cmp(amount) < 0 {
		if !r.faucet {
			return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientFunds, from.Hex(), bal, asset, amount)
		}
		bal.Set(amount)
	}
	bal.Sub(bal, amount)
	v := r.vaultLocked(asset)
	v.Add(v, amount)
	return nil
}

func (r *MemoryRail) TransferOut(_ context.Context, to common.Address, asset model.Asset, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.vaultLocked(asset)
	if v.Cmp(amount) < 0 {
		return fmt.Errorf("%w: vault has %s %s, needs %s", ErrInsufficientFunds, v, asset, amount)
	}
	v.Sub(v, amount)
	bal := r.balanceLocked(to, asset)
	bal.Add(bal, amount)
	return nil
}

// Convert swaps vault funds from one asset to another, settling the
// engine's side of an exchange trade.
func (r *MemoryRail) Convert(_ context.Context, from model.Asset, amountIn *big.Int, to model.Asset, amountOut *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in := r.vaultLocked(from)
	if in.Cmp(amountIn) < 0 {
		return fmt.Errorf("%w: vault has %s %s, swap needs %s", ErrInsufficientFunds, in, from, amountIn)
	}
	in.Sub(in, amountIn)
	out := r.vaultLocked(to)
	out.Add(out, amountOut)
	return nil
}

func (r *MemoryRail) balanceLocked(addr common.Address, asset model.Asset) *big.Int {
	m, ok := r.balances[asset]
	if !ok {
		m = make(map[common.Address]*big.Int)
		r.balances[asset] = m
	}
	bal, ok := m[addr]
	if !ok {
		bal = new(big.Int)
		m[addr] = bal
	}
	return bal
}

func (r *MemoryRail) vaultLocked(asset model.Asset) *big.Int {
	v, ok := r.vault[asset]
	if !ok {
		v = new(big.Int)
		r.vault[asset] = v
	}
	return v
}
