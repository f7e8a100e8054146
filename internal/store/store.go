// Package store defines the persistence interface for the DCA engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/dca-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when an immutable record is written twice.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Accounts ---

	// GetAccount returns the account of owner or ErrNotFound.
	GetAccount(ctx context.Context, owner common.Address) (*model.Account, error)

	// SaveAccount inserts or updates an account.
	SaveAccount(ctx context.Context, account *model.Account) error

	// --- Intents ---

	InsertIntent(ctx context.Context, intent *model.Intent) error
	GetIntent(ctx context.Context, id uint64) (*model.Intent, error)

	// UpdateIntentFlags updates the lifecycle flags of an intent.
	UpdateIntentFlags(ctx context.Context, id uint64, isActive, isProcessed bool) error

	// ListIntentsByBatch returns a batch's intents in id order.
	ListIntentsByBatch(ctx context.Context, batchID uint64) ([]model.Intent, error)

	// ListIntentsByOwner returns a user's intents in id order.
	ListIntentsByOwner(ctx context.Context, owner common.Address) ([]model.Intent, error)

	// --- Batches ---

	// SaveBatch inserts or updates a batch.
	SaveBatch(ctx context.Context, batch *model.Batch) error
	GetBatch(ctx context.Context, id uint64) (*model.Batch, error)

	// --- Immutable results ---

	// InsertBatchResult writes the one result of a batch; a second write for
	// the same batch fails with ErrAlreadyExists.
	InsertBatchResult(ctx context.Context, result *model.BatchResult) error
	GetBatchResult(ctx context.Context, batchID uint64) (*model.BatchResult, error)

	// ListBatchResults returns the most recent results, newest first.
	ListBatchResults(ctx context.Context, limit int) ([]model.BatchResult, error)

	// --- Withdrawals ---

	InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error
	GetWithdrawal(ctx context.Context, requestID string) (*model.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error

	// --- Registry cursor ---

	// GetCursor returns the registry cursor or ErrNotFound before first use.
	GetCursor(ctx context.Context) (*model.Cursor, error)
	SaveCursor(ctx context.Context, cursor *model.Cursor) error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
