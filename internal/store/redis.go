package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/dca-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.SaveAccount(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(a.Owner))
	return nil
}

func (s *CachedStore) SaveBatch(ctx context.Context, b *model.Batch) error {
	if err := s.primary.SaveBatch(ctx, b); err != nil {
		return err
	}
	s.rdb.Del(ctx, batchKey(b.ID))
	return nil
}

func (s *CachedStore) InsertBatchResult(ctx context.Context, r *model.BatchResult) error {
	if err := s.primary.InsertBatchResult(ctx, r); err != nil {
		return err
	}
	// Results are immutable, so they can be cached eagerly.
	s.set(ctx, resultKey(r.BatchID), r)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, owner common.Address) (*model.Account, error) {
	var a model.Account
	if s.get(ctx, accountKey(owner), &a) {
		return &a, nil
	}

	// Cache miss: read from primary.
	acc, err := s.primary.GetAccount(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.set(ctx, accountKey(owner), acc)
	return acc, nil
}

func (s *CachedStore) GetBatch(ctx context.Context, id uint64) (*model.Batch, error) {
	var b model.Batch
	if s.get(ctx, batchKey(id), &b) {
		return &b, nil
	}

	batch, err := s.primary.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, batchKey(id), batch)
	return batch, nil
}

func (s *CachedStore) GetBatchResult(ctx context.Context, batchID uint64) (*model.BatchResult, error) {
	var r model.BatchResult
	if s.get(ctx, resultKey(batchID), &r) {
		return &r, nil
	}

	res, err := s.primary.GetBatchResult(ctx, batchID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, resultKey(batchID), res)
	return res, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertIntent(ctx context.Context, in *model.Intent) error {
	return s.primary.InsertIntent(ctx, in)
}

func (s *CachedStore) GetIntent(ctx context.Context, id uint64) (*model.Intent, error) {
	return s.primary.GetIntent(ctx, id)
}

func (s *CachedStore) UpdateIntentFlags(ctx context.Context, id uint64, isActive, isProcessed bool) error {
	return s.primary.UpdateIntentFlags(ctx, id, isActive, isProcessed)
}

func (s *CachedStore) ListIntentsByBatch(ctx context.Context, batchID uint64) ([]model.Intent, error) {
	return s.primary.ListIntentsByBatch(ctx, batchID)
}

func (s *CachedStore) ListIntentsByOwner(ctx context.Context, owner common.Address) ([]model.Intent, error) {
	return s.primary.ListIntentsByOwner(ctx, owner)
}

func (s *CachedStore) ListBatchResults(ctx context.Context, limit int) ([]model.BatchResult, error) {
	return s.primary.ListBatchResults(ctx, limit)
}

func (s *CachedStore) InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	return s.primary.InsertWithdrawal(ctx, w)
}

func (s *CachedStore) GetWithdrawal(ctx context.Context, requestID string) (*model.Withdrawal, error) {
	return s.primary.GetWithdrawal(ctx, requestID)
}

func (s *CachedStore) UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	return s.primary.UpdateWithdrawal(ctx, w)
}

func (s *CachedStore) GetCursor(ctx context.Context) (*model.Cursor, error) {
	return s.primary.GetCursor(ctx)
}

func (s *CachedStore) SaveCursor(ctx context.Context, c *model.Cursor) error {
	return s.primary.SaveCursor(ctx, c)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(owner common.Address) string { return fmt.Sprintf("dca:account:%s", owner.Hex()) }
func batchKey(id uint64) string              { return fmt.Sprintf("dca:batch:%d", id) }
func resultKey(id uint64) string             { return fmt.Sprintf("dca:result:%d", id) }
