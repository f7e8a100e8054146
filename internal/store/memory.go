package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/dca-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[common.Address]*model.Account
	intents     map[uint64]*model.Intent
	batches     map[uint64]*model.Batch
	results     map[uint64]*model.BatchResult
	withdrawals map[string]*model.Withdrawal
	cursor      *model.Cursor
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[common.Address]*model.Account),
		intents:     make(map[uint64]*model.Intent),
		batches:     make(map[uint64]*model.Batch),
		results:     make(map[uint64]*model.BatchResult),
		withdrawals: make(map[string]*model.Withdrawal),
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, owner common.Address) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[owner]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", owner.Hex(), ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) SaveAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.Owner] = &copy
	return nil
}

func (s *MemoryStore) InsertIntent(_ context.Context, in *model.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.intents[in.ID]; exists {
		return fmt.Errorf("intent %d: %w", in.ID, ErrAlreadyExists)
	}
	copy := *in
	s.intents[in.ID] = &copy
	return nil
}

func (s *MemoryStore) GetIntent(_ context.Context, id uint64) (*model.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %d: %w", id, ErrNotFound)
	}
	copy := *in
	return &copy, nil
}

func (s *MemoryStore) UpdateIntentFlags(_ context.Context, id uint64, isActive, isProcessed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("intent %d: %w", id, ErrNotFound)
	}
	in.IsActive = isActive
	in.IsProcessed = isProcessed
	return nil
}

func (s *MemoryStore) ListIntentsByBatch(_ context.Context, batchID uint64) ([]model.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Intent
	for _, in := range s.intents {
		if in.BatchID == batchID {
			result = append(result, *in)
		}
	}
	sortIntents(result)
	return result, nil
}

func (s *MemoryStore) ListIntentsByOwner(_ context.Context, owner common.Address) ([]model.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Intent
	for _, in := range s.intents {
		if in.Owner == owner {
			result = append(result, *in)
		}
	}
	sortIntents(result)
	return result, nil
}

func (s *MemoryStore) SaveBatch(_ context.Context, b *model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches[b.ID] = cloneBatch(b)
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id uint64) (*model.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}
	return cloneBatch(b), nil
}

func (s *MemoryStore) InsertBatchResult(_ context.Context, r *model.BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.results[r.BatchID]; exists {
		return fmt.Errorf("result for batch %d: %w", r.BatchID, ErrAlreadyExists)
	}
	copy := *r
	s.results[r.BatchID] = &copy
	return nil
}

func (s *MemoryStore) GetBatchResult(_ context.Context, batchID uint64) (*model.BatchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[batchID]
	if !ok {
		return nil, fmt.Errorf("result for batch %d: %w", batchID, ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) ListBatchResults(_ context.Context, limit int) ([]model.BatchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]model.BatchResult, 0, len(s.results))
	for _, r := range s.results {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].BatchID > results[j].BatchID })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *MemoryStore) InsertWithdrawal(_ context.Context, w *model.Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.withdrawals[w.RequestID]; exists {
		return fmt.Errorf("withdrawal %s: %w", w.RequestID, ErrAlreadyExists)
	}
	copy := *w
	s.withdrawals[w.RequestID] = &copy
	return nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, requestID string) (*model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.withdrawals[requestID]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", requestID, ErrNotFound)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) UpdateWithdrawal(_ context.Context, w *model.Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.withdrawals[w.RequestID]; !ok {
		return fmt.Errorf("withdrawal %s: %w", w.RequestID, ErrNotFound)
	}
	copy := *w
	s.withdrawals[w.RequestID] = &copy
	return nil
}

func (s *MemoryStore) GetCursor(_ context.Context) (*model.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cursor == nil {
		return nil, fmt.Errorf("cursor: %w", ErrNotFound)
	}
	copy := *s.cursor
	return &copy, nil
}

func (s *MemoryStore) SaveCursor(_ context.Context, c *model.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *c
	s.cursor = &copy
	return nil
}

func cloneBatch(b *model.Batch) *model.Batch {
	copy := *b
	copy.IntentIDs = append([]uint64(nil), b.IntentIDs...)
	return &copy
}

func sortIntents(in []model.Intent) {
	sort.Slice(in, func(i, j int) bool { return in[i].ID < in[j].ID })
}
