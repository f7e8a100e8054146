package keeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/atmx/dca-engine/internal/aggregator"
)

type upkeepFunc func(ctx context.Context, caller common.Address) (*aggregator.Pending, error)

func (f upkeepFunc) PerformUpkeep(ctx context.Context, caller common.Address) (*aggregator.Pending, error) {
	return f(ctx, caller)
}

var operator = common.HexToAddress("0x00000000000000000000000000000000000b0701")

func TestTickPassesCaller(t *testing.T) {
	var got common.Address
	k := New(upkeepFunc(func(_ context.Context, caller common.Address) (*aggregator.Pending, error) {
		got = caller
		return &aggregator.Pending{BatchID: 4}, nil
	}), operator, time.Second)

	k.Tick(context.Background())
	require.Equal(t, operator, got)
}

func TestTickToleratesErrors(t *testing.T) {
	var calls int
	k := New(upkeepFunc(func(context.Context, common.Address) (*aggregator.Pending, error) {
		calls++
		if calls == 1 {
			return nil, aggregator.ErrBatchInFlight
		}
		return nil, errors.New("rpc down")
	}), operator, time.Second)

	k.Tick(context.Background())
	k.Tick(context.Background())
	require.Equal(t, 2, calls)
}

func TestTickSkipsAfterCancel(t *testing.T) {
	called := false
	k := New(upkeepFunc(func(context.Context, common.Address) (*aggregator.Pending, error) {
		called = true
		return nil, nil
	}), operator, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	k.Tick(ctx)
	require.False(t, called)
}

func TestStartRunsOnSchedule(t *testing.T) {
	var calls atomic.Int32
	k := New(upkeepFunc(func(context.Context, common.Address) (*aggregator.Pending, error) {
		calls.Add(1)
		return nil, nil
	}), operator, 50*time.Millisecond)

	require.NoError(t, k.Start(context.Background()))
	defer k.Stop()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}
