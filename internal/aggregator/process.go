package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/dca-engine/internal/auth"
	"github.com/atmx/dca-engine/internal/distributor"
	"github.com/atmx/dca-engine/internal/events"
	"github.com/atmx/dca-engine/internal/fhe"
	"github.com/atmx/dca-engine/internal/metrics"
	"github.com/atmx/dca-engine/internal/model"
	"github.com/atmx/dca-engine/internal/store"
)

// ProcessBatch starts processing the current batch. Without force the
// batch must be ready. The price is checked before anything changes, so a
// stale price leaves the batch and its intents untouched.
//
// Batches whose participant count, after dropping inactive owners, is
// below MinBatchSize are closed unsuccessfully without aggregation; their
// intents stay retryable. Otherwise the batch is sealed, the encrypted
// total is submitted for declassification and the returned Pending
// resolves through the declassification callback.
func (a *Aggregator) ProcessBatch(ctx context.Context, caller common.Address, force bool) (*Pending, error) {
	if err := a.policy.Authorize(caller, auth.RoleOperator); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inflight != nil {
		return nil, fmt.Errorf("%w: batch %d", ErrBatchInFlight, a.inflight.BatchID)
	}
	price, err := a.freshPrice(ctx)
	if err != nil {
		return nil, err
	}
	status, err := a.registry.CheckBatchReady(ctx)
	if err != nil {
		return nil, err
	}
	if len(status.IntentIDs) == 0 {
		return nil, fmt.Errorf("%w: batch %d is empty", ErrBatchNotReady, status.BatchID)
	}
	if !force && !status.Ready {
		return nil, fmt.Errorf("%w: batch %d has %d intents", ErrBatchNotReady, status.BatchID, len(status.IntentIDs))
	}

	intents, err := a.participants(ctx, status.BatchID, status.IntentIDs)
	if err != nil {
		return nil, err
	}
	p := &Pending{
		BatchID:   status.BatchID,
		IntentIDs: status.IntentIDs,
		Price:     price,
		StartedAt: a.now(),
	}
	for _, in := range intents {
		p.Participants = append(p.Participants, in.ID)
	}

	if len(intents) < a.registry.Config().MinBatchSize {
		slog.Warn("batch below anonymity floor, closing without aggregation",
			"batch_id", p.BatchID, "participants", len(intents), "min", a.registry.Config().MinBatchSize)
		if _, err := a.registry.StartNewBatch(ctx, a.self); err != nil {
			a.unlock(ctx, p.BatchID)
			return nil, err
		}
		p.Participants = nil
		if err := a.finish(ctx, p, false, ReasonBelowFloor); err != nil {
			return nil, err
		}
		return p.clone(), nil
	}

	start := time.Now()
	contributions, total, err := a.filterAndAggregate(ctx, intents, price)
	metrics.AggregationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		a.unlock(ctx, p.BatchID)
		return nil, fmt.Errorf("aggregate batch %d: %w", p.BatchID, err)
	}
	p.contributions = contributions
	metrics.BatchParticipants.Observe(float64(len(intents)))

	id, err := a.fhe.RequestDeclassify(ctx, total, a.onTotalDecrypted)
	if err != nil {
		a.unlock(ctx, p.BatchID)
		return nil, fmt.Errorf("request declassification: %w", err)
	}
	metrics.DeclassifyRequests.WithLabelValues("batch_total").Inc()
	p.RequestID = id
	a.inflight = p

	if _, err := a.registry.StartNewBatch(ctx, a.self); err != nil {
		// The request is out; the callback still closes this batch.
		slog.Error("start new batch failed", "batch_id", p.BatchID, "err", err)
	}

	slog.Info("batch submitted for declassification",
		"batch_id", p.BatchID,
		"participants", len(p.Participants),
		"price", price.String(),
		"request_id", id,
	)
	e := events.New(events.BatchDeclassifying)
	e.BatchID = p.BatchID
	e.Participants = len(p.Participants)
	e.Price = price.String()
	e.RequestID = string(id)
	a.publish(ctx, e)
	return p.clone(), nil
}

// participants loads the batch's pending intents with Active owners and
// locks those owners' funds for the batch. Intents of owners that could
// not be locked are left out.
func (a *Aggregator) participants(ctx context.Context, batchID uint64, ids []uint64) ([]*model.Intent, error) {
	active, err := a.registry.FilterActiveIntents(ctx, ids)
	if err != nil {
		return nil, err
	}
	intents := make([]*model.Intent, 0, len(active))
	var owners []common.Address
	seen := make(map[common.Address]bool)
	for _, id := range active {
		in, err := a.registry.Intent(ctx, id)
		if err != nil {
			return nil, err
		}
		intents = append(intents, in)
		if !seen[in.Owner] {
			seen[in.Owner] = true
			owners = append(owners, in.Owner)
		}
	}

	locked, err := a.ledger.Lock(ctx, a.self, batchID, owners)
	if err != nil {
		return nil, err
	}
	ok := make(map[common.Address]bool, len(locked))
	for _, u := range locked {
		ok[u] = true
	}
	kept := intents[:0]
	for _, in := range intents {
		if ok[in.Owner] {
			kept = append(kept, in)
		}
	}
	return kept, nil
}

// ownerGroup is one owner's intents in batch order.
type ownerGroup struct {
	owner   common.Address
	intents []*model.Intent
}

func groupByOwner(intents []*model.Intent) []ownerGroup {
	var groups []ownerGroup
	index := make(map[common.Address]int)
	for _, in := range intents {
		i, ok := index[in.Owner]
		if !ok {
			i = len(groups)
			index[in.Owner] = i
			groups = append(groups, ownerGroup{owner: in.Owner})
		}
		groups[i].intents = append(groups[i].intents, in)
	}
	return groups
}

// filterAndAggregate computes, under encryption, each intent's
// contribution
//
//	select(min <= price <= max && amount <= remaining && amount <= budget, amount, 0)
//
// where remaining is the owner's USDC balance less their earlier
// contributions in this batch. Owners are independent and run in
// parallel; an owner's intents run in order. The per-owner sums are then
// reduced in batch order into the total.
func (a *Aggregator) filterAndAggregate(ctx context.Context, intents []*model.Intent, price *big.Int) ([]distributor.Contribution, fhe.Value, error) {
	priceEnc, err := a.fhe.Encrypt(price, fhe.Uint64)
	if err != nil {
		return nil, fhe.Value{}, err
	}
	zero, err := a.fhe.Encrypt(new(big.Int), fhe.Uint64)
	if err != nil {
		return nil, fhe.Value{}, err
	}

	groups := groupByOwner(intents)
	sums := make([]fhe.Value, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	if a.parallelism > 0 {
		g.SetLimit(a.parallelism)
	}
	for i, grp := range groups {
		i, grp := i, grp
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sum, err := a.ownerContribution(gctx, grp, priceEnc, zero)
			if err != nil {
				return fmt.Errorf("owner %s: %w", grp.owner.Hex(), err)
			}
			sums[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fhe.Value{}, err
	}

	total := zero
	contributions := make([]distributor.Contribution, len(groups))
	for i, grp := range groups {
		if total, err = a.fhe.Add(total, sums[i]); err != nil {
			return nil, fhe.Value{}, err
		}
		contributions[i] = distributor.Contribution{User: grp.owner, Amount: sums[i]}
	}
	return contributions, total, nil
}

func (a *Aggregator) ownerContribution(ctx context.Context, grp ownerGroup, price, zero fhe.Value) (fhe.Value, error) {
	remaining, err := a.ledger.Balance(ctx, grp.owner, model.AssetUSDC)
	if err != nil {
		return fhe.Value{}, err
	}
	sum := zero
	for _, in := range grp.intents {
		p := in.Params
		q, err := a.all(
			func() (fhe.Value, error) { return a.fhe.Ge(price, p.MinPrice) },
			func() (fhe.Value, error) { return a.fhe.Le(price, p.MaxPrice) },
			func() (fhe.Value, error) { return a.fhe.Le(p.AmountPerTrade, remaining) },
			func() (fhe.Value, error) { return a.fhe.Le(p.AmountPerTrade, p.Budget) },
		)
		if err != nil {
			return fhe.Value{}, fmt.Errorf("intent %d: %w", in.ID, err)
		}
		c, err := a.fhe.Select(q, p.AmountPerTrade, zero)
		if err != nil {
			return fhe.Value{}, fmt.Errorf("intent %d: %w", in.ID, err)
		}
		if remaining, err = a.fhe.Sub(remaining, c); err != nil {
			return fhe.Value{}, err
		}
		if sum, err = a.fhe.Add(sum, c); err != nil {
			return fhe.Value{}, err
		}
	}
	return sum, nil
}

// all ANDs the encrypted booleans produced by preds.
func (a *Aggregator) all(preds ...func() (fhe.Value, error)) (fhe.Value, error) {
	var acc fhe.Value
	for i, pred := range preds {
		b, err := pred()
		if err != nil {
			return fhe.Value{}, err
		}
		if i == 0 {
			acc = b
			continue
		}
		if acc, err = a.fhe.And(acc, b); err != nil {
			return fhe.Value{}, err
		}
	}
	return acc, nil
}

// onTotalDecrypted continues a batch once its total is public. It is safe
// to replay: a closed batch is ignored, a swap already executed for the
// batch is never repeated, and a distribution resumes after the last
// balance write that landed.
func (a *Aggregator) onTotalDecrypted(ctx context.Context, id fhe.RequestID, total *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.inflight
	if p == nil || p.RequestID != id {
		slog.Debug("batch total callback ignored", "request_id", id)
		return nil
	}
	p.amountIn = new(big.Int).Set(total)

	if total.Sign() == 0 {
		slog.Info("no intent qualified", "batch_id", p.BatchID, "price", p.Price.String())
		return a.finish(ctx, p, false, ReasonNoFill)
	}

	if p.amountOut == nil {
		out, err := a.exchange.Swap(ctx, total)
		if err != nil || out == nil || out.Sign() <= 0 {
			slog.Warn("swap failed", "batch_id", p.BatchID, "amount_in", total.String(), "err", err)
			return a.finish(ctx, p, false, ReasonSwapFailed)
		}
		p.amountOut = out
	}

	if p.rate == nil {
		rate, err := distributor.ScaledRate(p.amountOut, p.amountIn)
		if err != nil {
			slog.Error("cannot compute scaled rate", "batch_id", p.BatchID, "err", err)
			return err
		}
		p.rate = rate
		p.progress = distributor.NewProgress()
	}
	if !p.distributed {
		if err := a.distributor.Distribute(ctx, p.BatchID, p.rate, p.contributions, p.progress); err != nil {
			slog.Error("distribution failed", "batch_id", p.BatchID,
				"applied", p.progress.Applied(), "participants", len(p.contributions), "err", err)
			return err
		}
		p.distributed = true
	}
	return a.finishWithRate(ctx, p, p.rate)
}

func (a *Aggregator) finish(ctx context.Context, p *Pending, success bool, reason string) error {
	return a.record(ctx, p, success, reason, nil)
}

func (a *Aggregator) finishWithRate(ctx context.Context, p *Pending, rate *big.Int) error {
	return a.record(ctx, p, true, "", rate)
}

// record writes the result, settles intent flags, releases funds and
// closes the batch.
func (a *Aggregator) record(ctx context.Context, p *Pending, success bool, reason string, rate *big.Int) error {
	res := &model.BatchResult{
		BatchID:          p.BatchID,
		Success:          success,
		ParticipantCount: len(p.Participants),
		PriceAtExecution: p.Price,
		TotalAmountIn:    orZero(p.amountIn),
		TotalAmountOut:   new(big.Int),
		ScaledRate:       orZero(rate),
		FailureReason:    reason,
		ExecutedAt:       a.now(),
	}
	if success {
		res.TotalAmountOut = new(big.Int).Set(p.amountOut)
	}
	if err := a.store.InsertBatchResult(ctx, res); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return fmt.Errorf("record result of batch %d: %w", p.BatchID, err)
	}

	joined := make(map[uint64]bool, len(p.Participants))
	for _, id := range p.Participants {
		joined[id] = true
	}
	var excluded []uint64
	for _, id := range p.IntentIDs {
		if !joined[id] {
			excluded = append(excluded, id)
		}
	}
	if len(p.Participants) > 0 {
		if err := a.registry.MarkIntentsProcessed(ctx, a.self, p.Participants, success); err != nil {
			return err
		}
	}
	if len(excluded) > 0 {
		if err := a.registry.MarkIntentsProcessed(ctx, a.self, excluded, false); err != nil {
			return err
		}
	}
	a.unlock(ctx, p.BatchID)
	if err := a.registry.CloseBatch(ctx, a.self, p.BatchID); err != nil {
		return err
	}

	p.Result = res
	a.inflight = nil

	outcome := outcomeSuccess
	if !success {
		outcome = reason
	}
	metrics.BatchesProcessed.WithLabelValues(outcome).Inc()
	slog.Info("batch closed",
		"batch_id", p.BatchID,
		"success", success,
		"reason", reason,
		"participants", res.ParticipantCount,
		"total_in", res.TotalAmountIn.String(),
		"total_out", res.TotalAmountOut.String(),
	)

	e := events.New(events.BatchClosed)
	e.BatchID = p.BatchID
	e.Participants = res.ParticipantCount
	e.Success = &success
	e.Reason = reason
	e.TotalIn = res.TotalAmountIn.String()
	e.TotalOut = res.TotalAmountOut.String()
	e.Price = p.Price.String()
	a.publish(ctx, e)
	return nil
}

func (a *Aggregator) unlock(ctx context.Context, batchID uint64) {
	if err := a.ledger.Unlock(ctx, a.self, batchID); err != nil {
		slog.Error("unlock funds failed", "batch_id", batchID, "err", err)
	}
}

func (a *Aggregator) publish(ctx context.Context, e events.Event) {
	if err := a.publisher.Publish(ctx, e); err != nil {
		slog.Warn("event publish failed", "type", e.Type, "err", err)
	}
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
