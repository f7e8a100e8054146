// Package ledger keeps each user's confidential USDC and scaled-ETH
// balances and the account state machine that gates deposits, withdrawals
// and batch eligibility:
//
//	Uninitialized --deposit--> Active --InitiateWithdrawal--> Withdrawing
//	Withdrawing --callback--> Withdrawn --deposit--> Active
//	Withdrawing --CancelWithdrawal--> Active
//
// Balances are only ever changed by encrypted add or sub of a delta.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/dca-engine/internal/auth"
	"github.com/atmx/dca-engine/internal/distributor"
	"github.com/atmx/dca-engine/internal/events"
	"github.com/atmx/dca-engine/internal/fhe"
	"github.com/atmx/dca-engine/internal/metrics"
	"github.com/atmx/dca-engine/internal/model"
	"github.com/atmx/dca-engine/internal/rail"
	"github.com/atmx/dca-engine/internal/store"
)

var (
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
	ErrInvalidAsset      = errors.New("ledger: unknown asset")
	ErrNotInitialized    = errors.New("ledger: account not initialized")
	ErrUserNotActive     = errors.New("ledger: account not active")
	ErrWithdrawalPending = errors.New("ledger: withdrawal already pending")
	ErrNotWithdrawing    = errors.New("ledger: no withdrawal in progress")
	ErrFundsLocked       = errors.New("ledger: funds locked in an in-flight batch")
	ErrRevealNotFound    = errors.New("ledger: reveal request not found")
)

// Ledger is the confidential balance book. A single mutex serializes all
// state transitions; declassification callbacks take the same mutex, so
// they may fire at any time without racing a request in flight.
type Ledger struct {
	store     store.Store
	fhe       fhe.Provider
	rail      rail.Rail
	policy    auth.Policy
	publisher events.Publisher
	contract  common.Address
	now       func() time.Time

	mu      sync.Mutex
	locks   map[common.Address]uint64 // user -> in-flight batch id
	reveals map[fhe.RequestID]*Reveal
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithPublisher sets the event sink.
func WithPublisher(p events.Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// New creates a ledger. contract is the address input proofs must be bound to.
func New(st store.Store, provider fhe.Provider, rl rail.Rail, policy auth.Policy, contract common.Address, opts ...Option) *Ledger {
	l := &Ledger{
		store:     st,
		fhe:       provider,
		rail:      rl,
		policy:    policy,
		publisher: events.Discard,
		contract:  contract,
		now:       func() time.Time { return time.Now().UTC() },
		locks:     make(map[common.Address]uint64),
		reveals:   make(map[fhe.RequestID]*Reveal),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Deposit pulls amount USDC from user over the rail and adds encAmount to
// their encrypted balance.
//
// The plaintext amount and the encrypted amount are trusted to match. Nothing
// binds the two; a production deployment needs a proof that does.
func (l *Ledger) Deposit(ctx context.Context, user common.Address, encAmount fhe.Value, proof fhe.Proof, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if encAmount.Width != fhe.Uint64 {
		return fmt.Errorf("%w: deposit must be euint64, got %s", fhe.ErrWidthMismatch, encAmount.Width)
	}
	if err := l.fhe.VerifyInput(encAmount, proof, l.contract, user); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.store.GetAccount(ctx, user)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if acc, err = l.newAccount(user); err != nil {
			return err
		}
	case err != nil:
		return err
	case acc.State == model.StateWithdrawing:
		return fmt.Errorf("%w: resolve or cancel it before depositing", ErrWithdrawalPending)
	}

	if err := l.rail.TransferIn(ctx, user, model.AssetUSDC, amount); err != nil {
		return err
	}

	bal, err := l.fhe.Add(acc.USDCBalance, encAmount)
	if err != nil {
		return fmt.Errorf("add deposit: %w", err)
	}
	if err := l.fhe.Allow(bal, user); err != nil {
		return err
	}
	acc.USDCBalance = bal
	prev := acc.State
	acc.State = model.StateActive
	acc.UpdatedAt = l.now()
	if err := l.store.SaveAccount(ctx, acc); err != nil {
		return err
	}

	slog.Info("deposit accepted", "user", user.Hex(), "from_state", prev)
	return nil
}

func (l *Ledger) newAccount(user common.Address) (*model.Account, error) {
	usdc, err := l.fhe.Encrypt(new(big.Int), fhe.Uint64)
	if err != nil {
		return nil, err
	}
	eth, err := l.fhe.Encrypt(new(big.Int), fhe.Uint256)
	if err != nil {
		return nil, err
	}
	if err := l.fhe.Allow(eth, user); err != nil {
		return nil, err
	}
	now := l.now()
	return &model.Account{
		Owner:            user,
		State:            model.StateUninitialized,
		USDCBalance:      usdc,
		ETHBalanceScaled: eth,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// InitiateWithdrawal requests declassification of the user's balance in
// asset and moves the account to Withdrawing. The returned id resolves
// through OnWithdrawalDecrypted.
func (l *Ledger) InitiateWithdrawal(ctx context.Context, user common.Address, asset model.Asset) (fhe.RequestID, error) {
	if !asset.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAsset, asset)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.account(ctx, user)
	if err != nil {
		return "", err
	}
	switch {
	case acc.State == model.StateWithdrawing:
		return "", fmt.Errorf("%w: request %s", ErrWithdrawalPending, acc.LastWithdrawal)
	case acc.State != model.StateActive:
		return "", fmt.Errorf("%w: state is %s", ErrUserNotActive, acc.State)
	}
	if batchID, locked := l.locks[user]; locked {
		return "", fmt.Errorf("%w: batch %d", ErrFundsLocked, batchID)
	}

	snapshot := acc.Balance(asset)
	id, err := l.fhe.RequestDeclassify(ctx, snapshot, l.OnWithdrawalDecrypted)
	if err != nil {
		return "", fmt.Errorf("request declassification: %w", err)
	}
	metrics.DeclassifyRequests.WithLabelValues("withdrawal").Inc()

	now := l.now()
	w := &model.Withdrawal{
		RequestID: string(id),
		Owner:     user,
		Asset:     asset,
		Snapshot:  snapshot,
		Status:    model.WithdrawalPending,
		CreatedAt: now,
	}
	if err := l.store.InsertWithdrawal(ctx, w); err != nil {
		return "", err
	}
	acc.State = model.StateWithdrawing
	acc.LastWithdrawal = w.RequestID
	acc.UpdatedAt = now
	if err := l.store.SaveAccount(ctx, acc); err != nil {
		return "", err
	}
	metrics.PendingWithdrawals.Inc()

	slog.Info("withdrawal initiated", "user", user.Hex(), "asset", asset, "request_id", id)
	l.publish(ctx, events.WithdrawalRequested, user, id)
	return id, nil
}

// OnWithdrawalDecrypted is the declassification callback for withdrawals.
// Unknown, cancelled and already resolved ids are ignored, so replays are
// harmless. A rail failure returns an error and leaves everything pending
// for the next delivery.
func (l *Ledger) OnWithdrawalDecrypted(ctx context.Context, id fhe.RequestID, plaintext *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, err := l.store.GetWithdrawal(ctx, string(id))
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("withdrawal callback for unknown request", "request_id", id)
		return nil
	}
	if err != nil {
		return err
	}
	if w.Status != model.WithdrawalPending {
		slog.Debug("withdrawal callback replay ignored", "request_id", id, "status", w.Status)
		return nil
	}
	acc, err := l.store.GetAccount(ctx, w.Owner)
	if err != nil {
		return err
	}
	if acc.State != model.StateWithdrawing || acc.LastWithdrawal != w.RequestID {
		slog.Warn("stale withdrawal callback", "request_id", id, "user", w.Owner.Hex())
		return nil
	}

	amount := new(big.Int).Set(plaintext)
	if w.Asset == model.AssetETH {
		amount = distributor.Payout(plaintext)
	}
	if err := l.rail.TransferOut(ctx, w.Owner, w.Asset, amount); err != nil {
		return fmt.Errorf("pay out withdrawal %s: %w", id, err)
	}

	// Subtracting the declassified snapshot zeroes the balance unless
	// something was credited after the request, which the fund lock prevents.
	bal, err := l.fhe.Sub(acc.Balance(w.Asset), w.Snapshot)
	if err != nil {
		return err
	}
	if err := l.fhe.Allow(bal, w.Owner); err != nil {
		return err
	}
	now := l.now()
	acc.SetBalance(w.Asset, bal)
	acc.State = model.StateWithdrawn
	acc.UpdatedAt = now
	if err := l.store.SaveAccount(ctx, acc); err != nil {
		return err
	}
	w.Status = model.WithdrawalCompleted
	w.Amount = amount
	w.ResolvedAt = &now
	if err := l.store.UpdateWithdrawal(ctx, w); err != nil {
		return err
	}
	metrics.PendingWithdrawals.Dec()

	slog.Info("withdrawal completed", "user", w.Owner.Hex(), "asset", w.Asset, "request_id", id)
	l.publish(ctx, events.WithdrawalCompleted, w.Owner, id)
	return nil
}

// CancelWithdrawal abandons the pending withdrawal. A callback arriving
// later for the cancelled id is ignored.
func (l *Ledger) CancelWithdrawal(ctx context.Context, user common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.account(ctx, user)
	if err != nil {
		return err
	}
	if acc.State != model.StateWithdrawing {
		return fmt.Errorf("%w: state is %s", ErrNotWithdrawing, acc.State)
	}
	w, err := l.store.GetWithdrawal(ctx, acc.LastWithdrawal)
	if err != nil {
		return err
	}

	now := l.now()
	w.Status = model.WithdrawalCancelled
	w.ResolvedAt = &now
	if err := l.store.UpdateWithdrawal(ctx, w); err != nil {
		return err
	}
	acc.State = model.StateActive
	acc.UpdatedAt = now
	if err := l.store.SaveAccount(ctx, acc); err != nil {
		return err
	}
	metrics.PendingWithdrawals.Dec()

	slog.Info("withdrawal cancelled", "user", user.Hex(), "request_id", w.RequestID)
	l.publish(ctx, events.WithdrawalCancelled, user, fhe.RequestID(w.RequestID))
	return nil
}

// WithdrawalStatus returns the user's most recent withdrawal.
func (l *Ledger) WithdrawalStatus(ctx context.Context, user common.Address) (*model.Withdrawal, error) {
	acc, err := l.account(ctx, user)
	if err != nil {
		return nil, err
	}
	if acc.LastWithdrawal == "" {
		return nil, fmt.Errorf("withdrawal for %s: %w", user.Hex(), store.ErrNotFound)
	}
	return l.store.GetWithdrawal(ctx, acc.LastWithdrawal)
}

// Account returns the user's account.
func (l *Ledger) Account(ctx context.Context, user common.Address) (*model.Account, error) {
	return l.account(ctx, user)
}

// IsActive reports whether user may submit intents and join batches.
// Unknown users are not active.
func (l *Ledger) IsActive(ctx context.Context, user common.Address) (bool, error) {
	acc, err := l.store.GetAccount(ctx, user)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return acc.State == model.StateActive, nil
}

// Balance returns the opaque handle of user's balance in asset.
func (l *Ledger) Balance(ctx context.Context, user common.Address, asset model.Asset) (fhe.Value, error) {
	if !asset.Valid() {
		return fhe.Value{}, fmt.Errorf("%w: %q", ErrInvalidAsset, asset)
	}
	acc, err := l.account(ctx, user)
	if err != nil {
		return fhe.Value{}, err
	}
	return acc.Balance(asset), nil
}

func (l *Ledger) account(ctx context.Context, user common.Address) (*model.Account, error) {
	acc, err := l.store.GetAccount(ctx, user)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, user.Hex())
	}
	return acc, err
}

func (l *Ledger) publish(ctx context.Context, t events.Type, user common.Address, id fhe.RequestID) {
	e := events.New(t)
	e.User = user.Hex()
	e.RequestID = string(id)
	if err := l.publisher.Publish(ctx, e); err != nil {
		slog.Warn("event publish failed", "type", t, "err", err)
	}
}
