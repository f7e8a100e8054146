// Package keeper drives batch processing on a fixed schedule, playing the
// role of an off-chain automation network calling checkUpkeep and
// performUpkeep.
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-co-op/gocron"

	"github.com/atmx/dca-engine/internal/aggregator"
)

// Upkeeper is the aggregator surface the keeper calls.
type Upkeeper interface {
	PerformUpkeep(ctx context.Context, caller common.Address) (*aggregator.Pending, error)
}

// Keeper polls an Upkeeper every interval.
type Keeper struct {
	upkeep    Upkeeper
	caller    common.Address
	interval  time.Duration
	timeout   time.Duration
	scheduler *gocron.Scheduler
}

// New creates a keeper that calls PerformUpkeep as caller. caller must
// hold the operator role.
func New(u Upkeeper, caller common.Address, interval time.Duration) *Keeper {
	return &Keeper{
		upkeep:    u,
		caller:    caller,
		interval:  interval,
		timeout:   interval,
		scheduler: gocron.NewScheduler(time.UTC),
	}
}

// Start schedules the upkeep job and returns immediately. Runs never
// overlap; a slow run delays the next one.
func (k *Keeper) Start(ctx context.Context) error {
	_, err := k.scheduler.Every(k.interval).SingletonMode().Do(func() {
		k.Tick(ctx)
	})
	if err != nil {
		return err
	}
	k.scheduler.StartAsync()
	slog.Info("keeper started", "interval", k.interval, "caller", k.caller.Hex())
	return nil
}

// Stop halts the scheduler.
func (k *Keeper) Stop() {
	k.scheduler.Stop()
}

// Tick runs one upkeep round. Expected refusals such as a batch already
// in flight are logged at debug level.
func (k *Keeper) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	p, err := k.upkeep.PerformUpkeep(ctx, k.caller)
	switch {
	case errors.Is(err, aggregator.ErrBatchInFlight), errors.Is(err, aggregator.ErrBatchNotReady):
		slog.Debug("upkeep skipped", "err", err)
	case err != nil:
		slog.Error("upkeep failed", "err", err)
	case p != nil:
		slog.Info("upkeep performed", "batch_id", p.BatchID, "request_id", p.RequestID)
	}
}
