// Package aggregator processes batches: it filters intents against the
// oracle price under encryption, sums the qualifying amounts, declassifies
// only that total, executes one swap and hands the proceeds to the
// distributor.
//
// Nothing about an individual intent is ever declassified. The only values
// that leave the encrypted domain are the batch total, the swap output and
// the oracle price, which is public already.
package aggregator

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
	"github.com/atmx/dca-engine/internal/exchange"
	"github.com/atmx/dca-engine/internal/fhe"
	"github.com/atmx/dca-engine/internal/model"
	"github.com/atmx/dca-engine/internal/oracle"
	"github.com/atmx/dca-engine/internal/registry"
	"github.com/atmx/dca-engine/internal/store"
)

var (
	ErrInvalidPriceData = errors.New("aggregator: price data stale or invalid")
	ErrBatchNotReady    = errors.New("aggregator: batch not ready")
	ErrBatchInFlight    = errors.New("aggregator: a batch is already being processed")
)

// Failure reasons recorded on unsuccessful results.
const (
	ReasonNoFill      = "no_fill"
	ReasonSwapFailed  = "swap_failed"
	ReasonBelowFloor  = "below_min_batch_size"
	outcomeSuccess    = "success"
	defaultStaleAfter = time.Hour
)

// Registry is the intent registry surface the aggregator drives.
type Registry interface {
	Config() registry.Config
	CheckBatchReady(ctx context.Context) (registry.ReadyStatus, error)
	FilterActiveIntents(ctx context.Context, ids []uint64) ([]uint64, error)
	Intent(ctx context.Context, id uint64) (*model.Intent, error)
	MarkIntentsProcessed(ctx context.Context, caller common.Address, ids []uint64, success bool) error
	StartNewBatch(ctx context.Context, caller common.Address) (uint64, error)
	CloseBatch(ctx context.Context, caller common.Address, batchID uint64) error
}

// Ledger is the balance surface the aggregator reads and locks.
type Ledger interface {
	Lock(ctx context.Context, caller common.Address, batchID uint64, users []common.Address) ([]common.Address, error)
	Unlock(ctx context.Context, caller common.Address, batchID uint64) error
	Balance(ctx context.Context, user common.Address, asset model.Asset) (fhe.Value, error)
}

// Distributor allocates swap proceeds.
type Distributor interface {
	Distribute(ctx context.Context, batchID uint64, rate *big.Int, contributions []distributor.Contribution, progress *distributor.Progress) error
}

// Pending describes a batch between the declassification request and its
// callback. Result is set once the batch is closed.
type Pending struct {
	BatchID      uint64             `json:"batch_id"`
	RequestID    fhe.RequestID      `json:"request_id,omitempty"`
	IntentIDs    []uint64           `json:"intent_ids"`
	Participants []uint64           `json:"participants"`
	Price        *big.Int           `json:"price"`
	StartedAt    time.Time          `json:"started_at"`
	Result       *model.BatchResult `json:"result,omitempty"`

	contributions []distributor.Contribution
	amountIn      *big.Int
	amountOut     *big.Int
	rate          *big.Int
	progress      *distributor.Progress
	distributed   bool
}

func (p *Pending) clone() *Pending {
	out := *p
	out.IntentIDs = append([]uint64(nil), p.IntentIDs...)
	out.Participants = append([]uint64(nil), p.Participants...)
	return &out
}

// Aggregator runs one batch at a time.
type Aggregator struct {
	registry    Registry
	ledger      Ledger
	distributor Distributor
	fhe         fhe.Provider
	oracle      oracle.Oracle
	exchange    exchange.Exchange
	store       store.Store
	policy      auth.Policy
	publisher   events.Publisher
	self        common.Address
	staleAfter  time.Duration
	parallelism int
	now         func() time.Time

	mu       sync.Mutex
	inflight *Pending
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithStaleness sets the maximum accepted oracle price age.
func WithStaleness(d time.Duration) Option {
	return func(a *Aggregator) { a.staleAfter = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithPublisher sets the event sink.
func WithPublisher(p events.Publisher) Option {
	return func(a *Aggregator) { a.publisher = p }
}

// WithParallelism bounds the number of owners filtered concurrently.
// Zero or less means unbounded.
func WithParallelism(n int) Option {
	return func(a *Aggregator) { a.parallelism = n }
}

// Deps groups the collaborators of an Aggregator.
type Deps struct {
	Registry    Registry
	Ledger      Ledger
	Distributor Distributor
	FHE         fhe.Provider
	Oracle      oracle.Oracle
	Exchange    exchange.Exchange
	Store       store.Store
	Policy      auth.Policy
}

// New creates an aggregator acting as self. self needs the aggregator role
// on the registry and the ledger.
func New(d Deps, self common.Address, opts ...Option) *Aggregator {
	a := &Aggregator{
		registry:    d.Registry,
		ledger:      d.Ledger,
		distributor: d.Distributor,
		fhe:         d.FHE,
		oracle:      d.Oracle,
		exchange:    d.Exchange,
		store:       d.Store,
		policy:      d.Policy,
		publisher:   events.Discard,
		self:        self,
		staleAfter:  defaultStaleAfter,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CheckUpkeep reports whether PerformUpkeep would start a batch: the
// current batch is ready and non-empty, the price is fresh, and no batch is
// in flight.
func (a *Aggregator) CheckUpkeep(ctx context.Context) (bool, error) {
	a.mu.Lock()
	busy := a.inflight != nil
	a.mu.Unlock()
	if busy {
		return false, nil
	}
	if _, err := a.freshPrice(ctx); err != nil {
		slog.Warn("upkeep skipped", "err", err)
		return false, nil
	}
	st, err := a.registry.CheckBatchReady(ctx)
	if err != nil {
		return false, err
	}
	return st.Ready && len(st.IntentIDs) > 0, nil
}

// PerformUpkeep processes the current batch when CheckUpkeep allows it.
func (a *Aggregator) PerformUpkeep(ctx context.Context, caller common.Address) (*Pending, error) {
	ok, err := a.CheckUpkeep(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return a.ProcessBatch(ctx, caller, false)
}

// InFlight returns the batch awaiting declassification, if any.
func (a *Aggregator) InFlight() *Pending {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight == nil {
		return nil
	}
	return a.inflight.clone()
}

// Result returns the recorded outcome of a batch.
func (a *Aggregator) Result(ctx context.Context, batchID uint64) (*model.BatchResult, error) {
	return a.store.GetBatchResult(ctx, batchID)
}

// freshPrice returns the oracle price scaled to intent precision, or
// ErrInvalidPriceData when it is missing or older than the staleness bound.
func (a *Aggregator) freshPrice(ctx context.Context) (*big.Int, error) {
	p, err := a.oracle.LatestPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPriceData, err)
	}
	if age := p.Age(a.now()); age > a.staleAfter {
		return nil, fmt.Errorf("%w: price is %s old, limit %s", ErrInvalidPriceData, age.Round(time.Second), a.staleAfter)
	}
	scaled := p.Scaled(oracle.PriceDecimals)
	if scaled.Sign() <= 0 || !scaled.IsUint64() {
		return nil, fmt.Errorf("%w: price %s out of range", ErrInvalidPriceData, scaled)
	}
	return scaled, nil
}
