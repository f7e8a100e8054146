package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/dca-engine/internal/auth"
	"github.com/atmx/dca-engine/internal/fhe"
	"github.com/atmx/dca-engine/internal/model"
)

// Lock pins users' funds to batchID and returns the subset that was
// Active and is now locked. Locked users cannot start a withdrawal until
// Unlock releases the batch. Users already locked by another batch are
// skipped.
func (l *Ledger) Lock(ctx context.Context, caller common.Address, batchID uint64, users []common.Address) ([]common.Address, error) {
	if err := l.policy.Authorize(caller, auth.RoleAggregator); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	locked := make([]common.Address, 0, len(users))
	for _, u := range users {
		if owner, ok := l.locks[u]; ok {
			if owner == batchID {
				locked = append(locked, u)
			}
			continue
		}
		acc, err := l.store.GetAccount(ctx, u)
		if err != nil || acc.State != model.StateActive {
			continue
		}
		l.locks[u] = batchID
		locked = append(locked, u)
	}
	slog.Debug("funds locked", "batch_id", batchID, "users", len(locked))
	return locked, nil
}

// Unlock releases every user locked by batchID. Unlocking twice is a no-op.
func (l *Ledger) Unlock(_ context.Context, caller common.Address, batchID uint64) error {
	if err := l.policy.Authorize(caller, auth.RoleAggregator); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for u, id := range l.locks {
		if id == batchID {
			delete(l.locks, u)
		}
	}
	return nil
}

// Locked reports the batch holding user's funds, if any.
func (l *Ledger) Locked(user common.Address) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.locks[user]
	return id, ok
}

// Credit adds v to user's balance in asset.
func (l *Ledger) Credit(ctx context.Context, caller, user common.Address, asset model.Asset, v fhe.Value) error {
	return l.apply(ctx, caller, user, asset, v, l.fhe.Add)
}

// Debit subtracts v from user's balance in asset. Callers must have proven
// sufficiency under encryption; the subtraction itself wraps.
func (l *Ledger) Debit(ctx context.Context, caller, user common.Address, asset model.Asset, v fhe.Value) error {
	return l.apply(ctx, caller, user, asset, v, l.fhe.Sub)
}

func (l *Ledger) apply(ctx context.Context, caller, user common.Address, asset model.Asset, v fhe.Value, op func(a, b fhe.Value) (fhe.Value, error)) error {
	if err := l.policy.Authorize(caller, auth.RoleAggregator); err != nil {
		return err
	}
	if !asset.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAsset, asset)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.account(ctx, user)
	if err != nil {
		return err
	}
	bal, err := op(acc.Balance(asset), v)
	if err != nil {
		return fmt.Errorf("%s balance of %s: %w", asset, user.Hex(), err)
	}
	if err := l.fhe.Allow(bal, user); err != nil {
		return err
	}
	acc.SetBalance(asset, bal)
	acc.UpdatedAt = l.now()
	return l.store.SaveAccount(ctx, acc)
}
