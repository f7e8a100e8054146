// Package registry accepts encrypted DCA intents and tracks batch
// membership and readiness.
//
// A batch accepts intents in submission order until it is sealed for
// processing or reaches MaxBatchSize. It is ready for processing when it
// holds at least MinBatchSize intents, when it is at the cap, or when
// BatchTimeout has elapsed since its first intent arrived.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/dca-engine/internal/auth"
	"github.com/atmx/dca-engine/internal/events"
	"github.com/atmx/dca-engine/internal/fhe"
	"github.com/atmx/dca-engine/internal/metrics"
	"github.com/atmx/dca-engine/internal/model"
	"github.com/atmx/dca-engine/internal/store"
)

var (
	ErrUserNotActive    = errors.New("registry: user not active")
	ErrIntentNotFound   = errors.New("registry: intent not found")
	ErrBatchFull        = errors.New("registry: current batch is full")
	ErrInvalidParams    = errors.New("registry: invalid intent parameters")
	ErrNotRequeueable   = errors.New("registry: intent has not been processed")
	ErrBatchNotFound    = errors.New("registry: batch not found")
	ErrInvalidBatchSize = errors.New("registry: invalid batch size bounds")
	ErrOwnerLimit       = errors.New("registry: per-owner intent limit reached for this batch")
)

// Config bounds batch formation.
type Config struct {
	MinBatchSize int           `json:"min_batch_size"`
	MaxBatchSize int           `json:"max_batch_size"`
	BatchTimeout time.Duration `json:"batch_timeout"`

	// MaxIntentsPerOwner caps one owner's intents in a single batch so one
	// address cannot fill a batch on its own. Zero means no cap.
	MaxIntentsPerOwner int `json:"max_intents_per_owner,omitempty"`
}

// DefaultConfig matches the deployed parameters.
func DefaultConfig() Config {
	return Config{MinBatchSize: 5, MaxBatchSize: 10, BatchTimeout: 5 * time.Minute}
}

func (c Config) Validate() error {
	if c.MinBatchSize < 1 || c.MaxBatchSize < c.MinBatchSize {
		return fmt.Errorf("%w: min=%d max=%d", ErrInvalidBatchSize, c.MinBatchSize, c.MaxBatchSize)
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidBatchSize)
	}
	if c.MaxIntentsPerOwner < 0 {
		return fmt.Errorf("%w: per-owner cap must not be negative", ErrInvalidBatchSize)
	}
	return nil
}

// Accounts reports account eligibility.
type Accounts interface {
	IsActive(ctx context.Context, user common.Address) (bool, error)
}

// Reason says which trigger made a batch ready.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonSize    Reason = "size"
	ReasonCap     Reason = "cap"
	ReasonTimeout Reason = "timeout"
)

// ReadyStatus is the result of CheckBatchReady.
type ReadyStatus struct {
	Ready     bool          `json:"ready"`
	BatchID   uint64        `json:"batch_id"`
	IntentIDs []uint64      `json:"intent_ids"`
	Reason    Reason        `json:"reason,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Registry owns intents, batches and the intent/batch counters.
type Registry struct {
	store     store.Store
	fhe       fhe.Provider
	accounts  Accounts
	policy    auth.Policy
	publisher events.Publisher
	contract  common.Address
	cfg       Config
	now       func() time.Time

	mu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithPublisher sets the event sink.
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// New creates a registry and initializes the counters on first use. The
// first batch has id 1 and the first intent id 1.
func New(ctx context.Context, st store.Store, provider fhe.Provider, accounts Accounts, policy auth.Policy,
	contract common.Address, cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		store:     st,
		fhe:       provider,
		accounts:  accounts,
		policy:    policy,
		publisher: events.Discard,
		contract:  contract,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}

	_, err := st.GetCursor(ctx)
	if errors.Is(err, store.ErrNotFound) {
		now := r.now()
		if err := st.SaveBatch(ctx, &model.Batch{ID: 1, State: model.BatchOpen, CreatedAt: now}); err != nil {
			return nil, err
		}
		err = st.SaveCursor(ctx, &model.Cursor{NextIntentID: 1, CurrentBatchID: 1, BatchStartedAt: now})
	}
	if err != nil {
		return nil, fmt.Errorf("load registry cursor: %w", err)
	}
	return r, nil
}

// Config returns the batch bounds.
func (r *Registry) Config() Config { return r.cfg }

// SubmitIntent checks that user is Active, verifies the encrypted
// parameters against (contract, user), assigns the next intent id and
// appends it to the current batch. A batch
// that reaches MaxBatchSize becomes ready at once; submissions to a full
// batch fail with ErrBatchFull rather than spilling into a new batch.
func (r *Registry) SubmitIntent(ctx context.Context, user common.Address, params model.EncryptedParams, proof fhe.Proof) (uint64, error) {
	if err := r.requireActive(ctx, user); err != nil {
		return 0, err
	}
	if err := validateParams(params); err != nil {
		return 0, err
	}
	if err := r.fhe.VerifyInputs(proof, r.contract, user, params.Values()...); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, batchID, err := r.appendLocked(ctx, user, params)
	if err != nil {
		return 0, err
	}
	metrics.IntentsSubmitted.Inc()
	slog.Info("intent submitted", "intent_id", id, "batch_id", batchID, "user", user.Hex())

	e := events.New(events.IntentSubmitted)
	e.BatchID = batchID
	e.User = user.Hex()
	if err := r.publisher.Publish(ctx, e); err != nil {
		slog.Warn("event publish failed", "type", e.Type, "err", err)
	}
	return id, nil
}

// appendLocked assigns the next id to a new intent in the current batch.
func (r *Registry) appendLocked(ctx context.Context, user common.Address, params model.EncryptedParams) (uint64, uint64, error) {
	cur, err := r.store.GetCursor(ctx)
	if err != nil {
		return 0, 0, err
	}
	batch, err := r.store.GetBatch(ctx, cur.CurrentBatchID)
	if err != nil {
		return 0, 0, err
	}
	if len(batch.IntentIDs) >= r.cfg.MaxBatchSize {
		return 0, 0, fmt.Errorf("%w: batch %d holds %d intents", ErrBatchFull, batch.ID, len(batch.IntentIDs))
	}
	if err := r.checkOwnerLimit(ctx, batch.ID, user); err != nil {
		return 0, 0, err
	}

	now := r.now()
	in := &model.Intent{
		ID:          cur.NextIntentID,
		Owner:       user,
		Params:      params,
		BatchID:     batch.ID,
		IsActive:    true,
		SubmittedAt: now,
	}
	if err := r.store.InsertIntent(ctx, in); err != nil {
		return 0, 0, err
	}

	// The timeout runs from the first intent, so an idle batch never
	// times out empty.
	if len(batch.IntentIDs) == 0 {
		cur.BatchStartedAt = now
	}
	batch.IntentIDs = append(batch.IntentIDs, in.ID)
	if len(batch.IntentIDs) >= r.cfg.MaxBatchSize {
		batch.State = model.BatchReady
		slog.Info("batch reached cap", "batch_id", batch.ID, "size", len(batch.IntentIDs))
	}
	if err := r.store.SaveBatch(ctx, batch); err != nil {
		return 0, 0, err
	}
	cur.NextIntentID++
	if err := r.store.SaveCursor(ctx, cur); err != nil {
		return 0, 0, err
	}
	return in.ID, batch.ID, nil
}

func (r *Registry) checkOwnerLimit(ctx context.Context, batchID uint64, user common.Address) error {
	if r.cfg.MaxIntentsPerOwner == 0 {
		return nil
	}
	intents, err := r.store.ListIntentsByBatch(ctx, batchID)
	if err != nil {
		return err
	}
	n := 0
	for _, in := range intents {
		if in.Owner == user && in.IsActive {
			n++
		}
	}
	if n >= r.cfg.MaxIntentsPerOwner {
		return fmt.Errorf("%w: %s has %d intents in batch %d", ErrOwnerLimit, user.Hex(), n, batchID)
	}
	return nil
}

// CheckBatchReady reports whether the current batch may be processed. It
// never mutates state.
func (r *Registry) CheckBatchReady(ctx context.Context) (ReadyStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.store.GetCursor(ctx)
	if err != nil {
		return ReadyStatus{}, err
	}
	batch, err := r.store.GetBatch(ctx, cur.CurrentBatchID)
	if err != nil {
		return ReadyStatus{}, err
	}

	st := ReadyStatus{BatchID: batch.ID, IntentIDs: batch.IntentIDs}
	size := len(batch.IntentIDs)
	if size == 0 {
		return st, nil
	}
	st.Elapsed = r.now().Sub(cur.BatchStartedAt)

	switch {
	case size >= r.cfg.MaxBatchSize || batch.State == model.BatchReady:
		st.Ready, st.Reason = true, ReasonCap
	case size >= r.cfg.MinBatchSize:
		st.Ready, st.Reason = true, ReasonSize
	case st.Elapsed >= r.cfg.BatchTimeout:
		st.Ready, st.Reason = true, ReasonTimeout
	}
	return st, nil
}

// MarkIntentsProcessed flags every id as processed. On success the intents
// are consumed (inactive); otherwise they stay active for a retry. All ids
// are checked before any is written.
func (r *Registry) MarkIntentsProcessed(ctx context.Context, caller common.Address, ids []uint64, success bool) error {
	if err := r.policy.Authorize(caller, auth.RoleAggregator); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if _, err := r.intent(ctx, id); err != nil {
			return err
		}
	}
	for _, id := range ids {
		if err := r.store.UpdateIntentFlags(ctx, id, !success, true); err != nil {
			return err
		}
	}
	return nil
}

// StartNewBatch seals the current batch for processing and opens the next
// one, resetting the batch timer. Ids are strictly sequential.
func (r *Registry) StartNewBatch(ctx context.Context, caller common.Address) (uint64, error) {
	if err := r.policy.Authorize(caller, auth.RoleAggregator); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.store.GetCursor(ctx)
	if err != nil {
		return 0, err
	}
	old, err := r.store.GetBatch(ctx, cur.CurrentBatchID)
	if err != nil {
		return 0, err
	}
	old.State = model.BatchProcessing
	if err := r.store.SaveBatch(ctx, old); err != nil {
		return 0, err
	}

	now := r.now()
	next := &model.Batch{ID: old.ID + 1, State: model.BatchOpen, CreatedAt: now}
	if err := r.store.SaveBatch(ctx, next); err != nil {
		return 0, err
	}
	cur.CurrentBatchID = next.ID
	cur.BatchStartedAt = now
	if err := r.store.SaveCursor(ctx, cur); err != nil {
		return 0, err
	}

	slog.Info("new batch started", "batch_id", next.ID, "previous", old.ID, "previous_size", len(old.IntentIDs))
	return next.ID, nil
}

// CloseBatch marks a sealed batch closed once its result is recorded.
func (r *Registry) CloseBatch(ctx context.Context, caller common.Address, batchID uint64) error {
	if err := r.policy.Authorize(caller, auth.RoleAggregator); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.batch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.State == model.BatchClosed {
		return nil
	}
	now := r.now()
	b.State = model.BatchClosed
	b.ClosedAt = &now
	return r.store.SaveBatch(ctx, b)
}

// FilterActiveIntents returns, in input order, the ids that are still
// pending (active and unprocessed) and whose owner is Active. Unknown ids
// are dropped.
func (r *Registry) FilterActiveIntents(ctx context.Context, ids []uint64) ([]uint64, error) {
	out := make([]uint64, 0, len(ids))
	owners := make(map[common.Address]bool)
	for _, id := range ids {
		in, err := r.store.GetIntent(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !in.IsActive || in.IsProcessed {
			continue
		}
		active, seen := owners[in.Owner]
		if !seen {
			if active, err = r.accounts.IsActive(ctx, in.Owner); err != nil {
				return nil, err
			}
			owners[in.Owner] = active
		}
		if active {
			out = append(out, id)
		}
	}
	return out, nil
}

// RequeueIntent re-enters a processed intent's parameters into the current
// batch under a new id and retires the old one. Each intent still belongs
// to exactly one batch.
func (r *Registry) RequeueIntent(ctx context.Context, user common.Address, id uint64) (uint64, error) {
	if err := r.requireActive(ctx, user); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, err := r.intent(ctx, id)
	if err != nil {
		return 0, err
	}
	if old.Owner != user {
		return 0, fmt.Errorf("%w: intent %d belongs to another user", auth.ErrUnauthorized, id)
	}
	if !old.IsProcessed {
		return 0, fmt.Errorf("%w: intent %d", ErrNotRequeueable, id)
	}

	newID, batchID, err := r.appendLocked(ctx, user, old.Params)
	if err != nil {
		return 0, err
	}
	if err := r.store.UpdateIntentFlags(ctx, id, false, true); err != nil {
		return 0, err
	}
	metrics.IntentsSubmitted.Inc()
	slog.Info("intent requeued", "intent_id", newID, "previous", id, "batch_id", batchID)
	return newID, nil
}

// Intent returns one intent.
func (r *Registry) Intent(ctx context.Context, id uint64) (*model.Intent, error) {
	return r.intent(ctx, id)
}

// IntentsByOwner lists a user's intents in id order.
func (r *Registry) IntentsByOwner(ctx context.Context, user common.Address) ([]model.Intent, error) {
	return r.store.ListIntentsByOwner(ctx, user)
}

// Batch returns one batch.
func (r *Registry) Batch(ctx context.Context, id uint64) (*model.Batch, error) {
	return r.batch(ctx, id)
}

func (r *Registry) intent(ctx context.Context, id uint64) (*model.Intent, error) {
	in, err := r.store.GetIntent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrIntentNotFound, id)
	}
	return in, err
}

func (r *Registry) batch(ctx context.Context, id uint64) (*model.Batch, error) {
	b, err := r.store.GetBatch(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrBatchNotFound, id)
	}
	return b, err
}

func (r *Registry) requireActive(ctx context.Context, user common.Address) error {
	active, err := r.accounts.IsActive(ctx, user)
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("%w: %s", ErrUserNotActive, user.Hex())
	}
	return nil
}

func validateParams(p model.EncryptedParams) error {
	checks := []struct {
		name string
		v    fhe.Value
		w    fhe.Width
	}{
		{"budget", p.Budget, fhe.Uint64},
		{"trade_count", p.TradeCount, fhe.Uint32},
		{"amount_per_trade", p.AmountPerTrade, fhe.Uint64},
		{"frequency", p.Frequency, fhe.Uint32},
		{"min_price", p.MinPrice, fhe.Uint64},
		{"max_price", p.MaxPrice, fhe.Uint64},
	}
	for _, c := range checks {
		if c.v.IsZero() {
			return fmt.Errorf("%w: %s missing", ErrInvalidParams, c.name)
		}
		if c.v.Width != c.w {
			return fmt.Errorf("%w: %s must be %s, got %s", ErrInvalidParams, c.name, c.w, c.v.Width)
		}
	}
	return nil
}
