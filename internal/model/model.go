// Package model defines the core domain types shared across the DCA engine.
// Individual amounts only ever appear as encrypted handles; plaintext
// amounts exist solely at batch level (BatchResult) and on payout.
package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/dca-engine/internal/fhe"
)

// AccountState is the lifecycle state of a user account.
type AccountState string

const (
	StateUninitialized AccountState = "uninitialized"
	StateActive        AccountState = "active"
	StateWithdrawing   AccountState = "withdrawing"
	StateWithdrawn     AccountState = "withdrawn"
)

// Asset names a balance held by the ledger.
type Asset string

const (
	AssetUSDC Asset = "USDC"
	AssetETH  Asset = "ETH"
)

// Decimals returns the base-unit exponent of the asset.
func (a Asset) Decimals() int32 {
	if a == AssetETH {
		return 18
	}
	return 6
}

// Valid reports whether a is a known asset.
func (a Asset) Valid() bool {
	return a == AssetUSDC || a == AssetETH
}

// Account is a user's confidential balance sheet. Accounts are never
// deleted, only moved between states.
type Account struct {
	Owner            common.Address `json:"owner" db:"owner"`
	State            AccountState   `json:"state" db:"state"`
	USDCBalance      fhe.Value      `json:"usdc_balance" db:"usdc_balance"`
	ETHBalanceScaled fhe.Value      `json:"eth_balance_scaled" db:"eth_balance_scaled"`
	LastWithdrawal   string         `json:"last_withdrawal,omitempty" db:"last_withdrawal"` // latest request id, any status
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
}

// Balance returns the handle holding the given asset.
func (a *Account) Balance(asset Asset) fhe.Value {
	if asset == AssetETH {
		return a.ETHBalanceScaled
	}
	return a.USDCBalance
}

// SetBalance replaces the handle for asset. Callers must derive the new
// handle by adding to or subtracting from the old one.
func (a *Account) SetBalance(asset Asset, v fhe.Value) {
	if asset == AssetETH {
		a.ETHBalanceScaled = v
		return
	}
	a.USDCBalance = v
}

// EncryptedParams are the confidential DCA parameters of one intent.
// Amounts and prices are euint64, counts euint32.
type EncryptedParams struct {
	Budget         fhe.Value `json:"budget"`
	TradeCount     fhe.Value `json:"trade_count"`
	AmountPerTrade fhe.Value `json:"amount_per_trade"`
	Frequency      fhe.Value `json:"frequency"`
	MinPrice       fhe.Value `json:"min_price"`
	MaxPrice       fhe.Value `json:"max_price"`
}

// Values returns the parameters in a fixed order.
func (p EncryptedParams) Values() []fhe.Value {
	return []fhe.Value{p.Budget, p.TradeCount, p.AmountPerTrade, p.Frequency, p.MinPrice, p.MaxPrice}
}

// Intent is a user's encrypted request to buy ETH with USDC when the price
// falls inside a private range.
type Intent struct {
	ID          uint64          `json:"id" db:"id"`
	Owner       common.Address  `json:"owner" db:"owner"`
	Params      EncryptedParams `json:"params"`
	BatchID     uint64          `json:"batch_id" db:"batch_id"`
	IsActive    bool            `json:"is_active" db:"is_active"`
	IsProcessed bool            `json:"is_processed" db:"is_processed"`
	SubmittedAt time.Time       `json:"submitted_at" db:"submitted_at"`
}

// BatchState is the lifecycle state of a batch.
type BatchState string

const (
	BatchOpen       BatchState = "open"
	BatchReady      BatchState = "ready"      // hit MAX_BATCH_SIZE at submission
	BatchProcessing BatchState = "processing" // sealed, total being declassified
	BatchClosed     BatchState = "closed"
)

// Batch is a bounded group of intents processed together.
type Batch struct {
	ID        uint64     `json:"id" db:"id"`
	IntentIDs []uint64   `json:"intent_ids" db:"intent_ids"`
	State     BatchState `json:"state" db:"state"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// BatchResult is the immutable outcome of processing one batch.
type BatchResult struct {
	BatchID          uint64    `json:"batch_id" db:"batch_id"`
	Success          bool      `json:"success" db:"success"`
	ParticipantCount int       `json:"participant_count" db:"participant_count"`
	PriceAtExecution *big.Int  `json:"price_at_execution" db:"price_at_execution"`
	TotalAmountIn    *big.Int  `json:"total_amount_in" db:"total_amount_in"`
	TotalAmountOut   *big.Int  `json:"total_amount_out" db:"total_amount_out"`
	ScaledRate       *big.Int  `json:"scaled_rate" db:"scaled_rate"`
	FailureReason    string    `json:"failure_reason,omitempty" db:"failure_reason"`
	ExecutedAt       time.Time `json:"executed_at" db:"executed_at"`
}

// WithdrawalStatus tracks a declassification-backed withdrawal.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalCancelled WithdrawalStatus = "cancelled"
)

// Withdrawal is one withdrawal request keyed by its declassification id.
type Withdrawal struct {
	RequestID  string           `json:"request_id" db:"request_id"`
	Owner      common.Address   `json:"owner" db:"owner"`
	Asset      Asset            `json:"asset" db:"asset"`
	Snapshot   fhe.Value        `json:"snapshot" db:"snapshot"`
	Status     WithdrawalStatus `json:"status" db:"status"`
	Amount     *big.Int         `json:"amount,omitempty" db:"amount"` // paid out, base units
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Cursor holds the registry's monotonic counters.
type Cursor struct {
	NextIntentID   uint64    `json:"next_intent_id" db:"next_intent_id"`
	CurrentBatchID uint64    `json:"current_batch_id" db:"current_batch_id"`
	BatchStartedAt time.Time `json:"batch_started_at" db:"batch_started_at"`
}
