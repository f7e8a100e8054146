package aggregator_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/atmx/dca-engine/internal/aggregator"
	"github.com/atmx/dca-engine/internal/auth"
	"github.com/atmx/dca-engine/internal/distributor"
	"github.com/atmx/dca-engine/internal/exchange"
	"github.com/atmx/dca-engine/internal/fhe"
	"github.com/atmx/dca-engine/internal/ledger"
	"github.com/atmx/dca-engine/internal/model"
	"github.com/atmx/dca-engine/internal/oracle"
	"github.com/atmx/dca-engine/internal/rail"
	"github.com/atmx/dca-engine/internal/registry"
	"github.com/atmx/dca-engine/internal/store"
)

var (
	contract = common.HexToAddress("0x00000000000000000000000000000000000dca01")
	self     = common.HexToAddress("0x00000000000000000000000000000000000a9901")
	operator = common.HexToAddress("0x00000000000000000000000000000000000b0701")
	alice    = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol    = common.HexToAddress("0x000000000000000000000000000000000000ca01")

	oneETH = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	price  = big.NewInt(2000_000000) // USDC units per ETH
)

func usdc(n int64) int64 { return n * 1_000_000 }

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type env struct {
	t      *testing.T
	ctx    context.Context
	cp     *fhe.Coprocessor
	st     *store.MemoryStore
	rail   *rail.MemoryRail
	ledger *ledger.Ledger
	reg    *registry.Registry
	oracle *oracle.StaticOracle
	clk    *clock
	agg    *aggregator.Aggregator
	bal    *flakyBalances

	swaps  int
	swapFn func(in *big.Int) (*big.Int, error)
}

func newEnv(t *testing.T, cfg registry.Config) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{
		t:    t,
		ctx:  ctx,
		cp:   fhe.NewCoprocessor([]byte("aggregator-test")),
		st:   store.NewMemoryStore(),
		rail: rail.NewMemoryRail(true),
		clk:  &clock{t: time.Now().UTC()},
	}
	policy := auth.NewStaticPolicy().
		Grant(auth.RoleAggregator, self).
		Grant(auth.RoleOperator, operator)

	e.ledger = ledger.New(e.st, e.cp, e.rail, policy, contract)
	reg, err := registry.New(ctx, e.st, e.cp, e.ledger, policy, contract, cfg, registry.WithClock(e.clk.now))
	require.NoError(t, err)
	e.reg = reg
	e.oracle = oracle.NewStaticOracle(price, oracle.PriceDecimals, e.clk.now())
	e.bal = &flakyBalances{Balances: e.ledger}

	// Default swap: 1 ETH per 300 USDC, settled against the vault.
	e.swapFn = func(in *big.Int) (*big.Int, error) {
		out := new(big.Int).Mul(in, oneETH)
		out.Quo(out, big.NewInt(usdc(300)))
		return out, nil
	}
	x := exchange.Func(func(ctx context.Context, in *big.Int) (*big.Int, error) {
		e.swaps++
		out, err := e.swapFn(in)
		if err != nil || out.Sign() == 0 {
			return out, err
		}
		if err := e.rail.Convert(ctx, model.AssetUSDC, in, model.AssetETH, out); err != nil {
			return nil, err
		}
		return out, nil
	})

	e.agg = aggregator.New(aggregator.Deps{
		Registry:    reg,
		Ledger:      e.ledger,
		Distributor: distributor.New(e.cp, e.bal, self),
		FHE:         e.cp,
		Oracle:      e.oracle,
		Exchange:    x,
		Store:       e.st,
		Policy:      policy,
	}, self, aggregator.WithClock(e.clk.now), aggregator.WithStaleness(time.Hour))
	return e
}

var errCreditFailed = errors.New("credit failed")

// flakyBalances fails the next Credit to failOn.
type flakyBalances struct {
	distributor.Balances
	failOn common.Address
}

func (f *flakyBalances) Credit(ctx context.Context, caller, user common.Address, asset model.Asset, v fhe.Value) error {
	if f.failOn != (common.Address{}) && user == f.failOn {
		f.failOn = common.Address{}
		return errCreditFailed
	}
	return f.Balances.Credit(ctx, caller, user, asset, v)
}

func (e *env) deposit(user common.Address, amount int64) {
	e.t.Helper()
	v, proof, err := e.cp.EncryptInput(contract, user, big.NewInt(amount), fhe.Uint64)
	require.NoError(e.t, err)
	require.NoError(e.t, e.ledger.Deposit(e.ctx, user, v, proof, big.NewInt(amount)))
}

type order struct {
	amount, budget, min, max int64
}

func buyAt(amount int64) order {
	return order{amount: amount, budget: usdc(10_000), min: 1500_000000, max: 2500_000000}
}

func (e *env) submit(user common.Address, s order) uint64 {
	e.t.Helper()
	vs, proof, err := e.cp.EncryptInputs(contract, user,
		fhe.Input{Plaintext: big.NewInt(s.budget), Width: fhe.Uint64},
		fhe.Input{Plaintext: big.NewInt(1), Width: fhe.Uint32},
		fhe.Input{Plaintext: big.NewInt(s.amount), Width: fhe.Uint64},
		fhe.Input{Plaintext: big.NewInt(86400), Width: fhe.Uint32},
		fhe.Input{Plaintext: big.NewInt(s.min), Width: fhe.Uint64},
		fhe.Input{Plaintext: big.NewInt(s.max), Width: fhe.Uint64},
	)
	require.NoError(e.t, err)
	id, err := e.reg.SubmitIntent(e.ctx, user, model.EncryptedParams{
		Budget: vs[0], TradeCount: vs[1], AmountPerTrade: vs[2],
		Frequency: vs[3], MinPrice: vs[4], MaxPrice: vs[5],
	}, proof)
	require.NoError(e.t, err)
	return id
}

func (e *env) balance(user common.Address, asset model.Asset) *big.Int {
	e.t.Helper()
	h, err := e.ledger.Balance(e.ctx, user, asset)
	require.NoError(e.t, err)
	pt, err := e.cp.Decrypt(h)
	require.NoError(e.t, err)
	return pt
}

func (e *env) intent(id uint64) *model.Intent {
	e.t.Helper()
	in, err := e.reg.Intent(e.ctx, id)
	require.NoError(e.t, err)
	return in
}

func (e *env) process(force bool) *aggregator.Pending {
	e.t.Helper()
	p, err := e.agg.ProcessBatch(e.ctx, operator, force)
	require.NoError(e.t, err)
	return p
}

func (e *env) result(batchID uint64) *model.BatchResult {
	e.t.Helper()
	r, err := e.agg.Result(e.ctx, batchID)
	require.NoError(e.t, err)
	return r
}

func threeUsers(t *testing.T) *env {
	e := newEnv(t, registry.Config{MinBatchSize: 3, MaxBatchSize: 10, BatchTimeout: 5 * time.Minute})
	for _, u := range []common.Address{alice, bob, carol} {
		e.deposit(u, usdc(1000))
	}
	return e
}

func TestProcessBatch_ProportionalSplit(t *testing.T) {
	e := threeUsers(t)
	ids := []uint64{
		e.submit(alice, buyAt(usdc(100))),
		e.submit(bob, buyAt(usdc(50))),
		e.submit(carol, buyAt(usdc(150))),
	}

	ok, err := e.agg.CheckUpkeep(e.ctx)
	require.NoError(t, err)
	require.True(t, ok)

	p := e.process(false)
	require.Equal(t, uint64(1), p.BatchID)
	require.NotEmpty(t, p.RequestID)
	require.Equal(t, ids, p.Participants)
	require.NotNil(t, e.agg.InFlight())
	require.Equal(t, 1, e.cp.Pending(), "exactly one declassification per batch")

	ok, err = e.agg.CheckUpkeep(e.ctx)
	require.NoError(t, err)
	require.False(t, ok, "no upkeep while a batch is in flight")

	_, err = e.agg.ProcessBatch(e.ctx, operator, true)
	require.ErrorIs(t, err, aggregator.ErrBatchInFlight)

	// Submissions keep flowing into the next batch meanwhile.
	next := e.submit(alice, buyAt(usdc(1)))
	require.Equal(t, uint64(2), e.intent(next).BatchID)

	require.NoError(t, e.cp.FulfillPending(e.ctx))
	require.Nil(t, e.agg.InFlight())
	require.Equal(t, 1, e.swaps)

	r := e.result(1)
	require.True(t, r.Success)
	require.Equal(t, 3, r.ParticipantCount)
	require.Equal(t, usdc(300), r.TotalAmountIn.Int64())
	require.Equal(t, 0, r.TotalAmountOut.Cmp(oneETH))
	require.Equal(t, 0, r.PriceAtExecution.Cmp(price))
	wantRate, _ := distributor.ScaledRate(oneETH, big.NewInt(usdc(300)))
	require.Equal(t, 0, r.ScaledRate.Cmp(wantRate))

	want := map[common.Address]string{
		alice: "333333333333333333",
		bob:   "166666666666666666",
		carol: "499999999999999999",
	}
	paid := new(big.Int)
	for u, w := range want {
		got := distributor.Payout(e.balance(u, model.AssetETH))
		require.Equal(t, w, got.String())
		paid.Add(paid, got)
	}
	require.LessOrEqual(t, paid.Cmp(oneETH), 0)
	require.LessOrEqual(t, new(big.Int).Sub(oneETH, paid).Int64(), int64(3))

	require.Equal(t, usdc(900), e.balance(alice, model.AssetUSDC).Int64())
	require.Equal(t, usdc(950), e.balance(bob, model.AssetUSDC).Int64())
	require.Equal(t, usdc(850), e.balance(carol, model.AssetUSDC).Int64())

	for _, id := range ids {
		in := e.intent(id)
		require.True(t, in.IsProcessed)
		require.False(t, in.IsActive, "executed intents are consumed")
	}
	b, err := e.reg.Batch(e.ctx, 1)
	require.NoError(t, err)
	require.Equal(t, model.BatchClosed, b.State)

	// Proceeds can be withdrawn.
	_, err = e.ledger.InitiateWithdrawal(e.ctx, alice, model.AssetETH)
	require.NoError(t, err)
	require.NoError(t, e.cp.FulfillPending(e.ctx))
	require.Equal(t, want[alice], e.rail.BalanceOf(alice, model.AssetETH).String())
}

func TestProcessBatch_CallbackReplayIsIdempotent(t *testing.T) {
	e := threeUsers(t)
	for _, u := range []common.Address{alice, bob, carol} {
		e.submit(u, buyAt(usdc(100)))
	}
	p := e.process(false)
	require.NoError(t, e.cp.FulfillPending(e.ctx))

	ethBefore := e.balance(alice, model.AssetETH)
	usdcBefore := e.balance(alice, model.AssetUSDC)

	require.NoError(t, e.cp.Redeliver(e.ctx, p.RequestID))
	require.NoError(t, e.cp.Redeliver(e.ctx, p.RequestID))

	require.Equal(t, 1, e.swaps)
	require.Equal(t, 0, ethBefore.Cmp(e.balance(alice, model.AssetETH)))
	require.Equal(t, 0, usdcBefore.Cmp(e.balance(alice, model.AssetUSDC)))
	require.True(t, e.result(1).Success)
}

func TestProcessBatch_FailedDistributionResumesWithoutDoublePay(t *testing.T) {
	e := threeUsers(t)
	e.submit(alice, buyAt(usdc(100)))
	e.submit(bob, buyAt(usdc(50)))
	e.submit(carol, buyAt(usdc(150)))
	e.bal.failOn = carol

	p := e.process(false)
	require.ErrorIs(t, e.cp.FulfillPending(e.ctx), errCreditFailed)
	require.NotNil(t, e.agg.InFlight(), "batch stays open until distribution completes")
	require.Equal(t, 1, e.cp.Pending())

	require.NoError(t, e.cp.Redeliver(e.ctx, p.RequestID))
	require.Nil(t, e.agg.InFlight())
	require.Equal(t, 0, e.cp.Pending())
	require.Equal(t, 1, e.swaps)

	want := map[common.Address]string{
		alice: "333333333333333333",
		bob:   "166666666666666666",
		carol: "499999999999999999",
	}
	for u, w := range want {
		require.Equal(t, w, distributor.Payout(e.balance(u, model.AssetETH)).String(), u.Hex())
	}
	require.Equal(t, usdc(900), e.balance(alice, model.AssetUSDC).Int64())
	require.Equal(t, usdc(950), e.balance(bob, model.AssetUSDC).Int64())
	require.Equal(t, usdc(850), e.balance(carol, model.AssetUSDC).Int64())
	require.True(t, e.result(1).Success)

	require.NoError(t, e.cp.Redeliver(e.ctx, p.RequestID))
	require.Equal(t, usdc(900), e.balance(alice, model.AssetUSDC).Int64())
}

func TestProcessBatch_FailedCallbackIsRetried(t *testing.T) {
	e := threeUsers(t)
	for _, u := range []common.Address{alice, bob, carol} {
		e.submit(u, buyAt(usdc(100)))
	}
	e.bal.failOn = bob

	e.process(false)
	require.Error(t, e.cp.FulfillPending(e.ctx))
	_, locked := e.ledger.Locked(alice)
	require.True(t, locked)

	// The gateway delivers the request again; the engine then moves on.
	require.NoError(t, e.cp.FulfillPending(e.ctx))
	require.Nil(t, e.agg.InFlight())
	_, locked = e.ledger.Locked(alice)
	require.False(t, locked)
	require.Equal(t, "333333333333333333", distributor.Payout(e.balance(bob, model.AssetETH)).String())

	for _, u := range []common.Address{alice, bob, carol} {
		e.submit(u, buyAt(usdc(100)))
	}
	p := e.process(false)
	require.Equal(t, uint64(2), p.BatchID)
}

func TestProcessBatch_NoQualifyingIntent(t *testing.T) {
	e := threeUsers(t)
	outOfRange := order{amount: usdc(100), budget: usdc(1000), min: 3000_000000, max: 4000_000000}
	var ids []uint64
	for _, u := range []common.Address{alice, bob, carol} {
		ids = append(ids, e.submit(u, outOfRange))
	}

	e.process(false)
	require.NoError(t, e.cp.FulfillPending(e.ctx))

	require.Equal(t, 0, e.swaps, "exchange must not be called for an empty total")
	r := e.result(1)
	require.False(t, r.Success)
	require.Equal(t, aggregator.ReasonNoFill, r.FailureReason)
	require.Equal(t, int64(0), r.TotalAmountIn.Int64())

	for _, id := range ids {
		in := e.intent(id)
		require.True(t, in.IsProcessed)
		require.True(t, in.IsActive, "unfilled intents stay retryable")
	}
	require.Equal(t, usdc(1000), e.balance(alice, model.AssetUSDC).Int64())
}

func TestProcessBatch_StalePrice(t *testing.T) {
	e := threeUsers(t)
	var ids []uint64
	for _, u := range []common.Address{alice, bob, carol} {
		ids = append(ids, e.submit(u, buyAt(usdc(100))))
	}
	e.oracle.Set(price, e.clk.now().Add(-7200*time.Second))

	ok, err := e.agg.CheckUpkeep(e.ctx)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = e.agg.ProcessBatch(e.ctx, operator, true)
	require.ErrorIs(t, err, aggregator.ErrInvalidPriceData)

	require.Equal(t, 0, e.cp.Pending())
	for _, id := range ids {
		require.False(t, e.intent(id).IsProcessed)
	}
	st, err := e.reg.CheckBatchReady(e.ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.BatchID)
	_, locked := e.ledger.Locked(alice)
	require.False(t, locked)
}

func TestProcessBatch_SwapFailureLeavesIntentsRetryable(t *testing.T) {
	e := threeUsers(t)
	var ids []uint64
	for _, u := range []common.Address{alice, bob, carol} {
		ids = append(ids, e.submit(u, buyAt(usdc(100))))
	}
	e.swapFn = func(*big.Int) (*big.Int, error) { return nil, errors.New("execution reverted") }

	e.process(false)
	require.NoError(t, e.cp.FulfillPending(e.ctx))

	r := e.result(1)
	require.False(t, r.Success)
	require.Equal(t, aggregator.ReasonSwapFailed, r.FailureReason)
	require.Equal(t, usdc(300), r.TotalAmountIn.Int64())

	for _, id := range ids {
		in := e.intent(id)
		require.True(t, in.IsProcessed)
		require.True(t, in.IsActive)
	}
	require.Equal(t, usdc(1000), e.balance(bob, model.AssetUSDC).Int64())
	require.Equal(t, int64(0), e.balance(bob, model.AssetETH).Int64())

	// Funds are released with the batch.
	_, err := e.ledger.InitiateWithdrawal(e.ctx, bob, model.AssetUSDC)
	require.NoError(t, err)

	// A retry re-enters the same parameters in the open batch.
	nid, err := e.reg.RequeueIntent(e.ctx, alice, ids[0])
	require.NoError(t, err)
	require.Equal(t, uint64(2), e.intent(nid).BatchID)
}

func TestProcessBatch_ZeroSwapOutput(t *testing.T) {
	e := threeUsers(t)
	for _, u := range []common.Address{alice, bob, carol} {
		e.submit(u, buyAt(usdc(100)))
	}
	e.swapFn = func(*big.Int) (*big.Int, error) { return new(big.Int), nil }

	e.process(false)
	require.NoError(t, e.cp.FulfillPending(e.ctx))

	r := e.result(1)
	require.False(t, r.Success)
	require.Equal(t, aggregator.ReasonSwapFailed, r.FailureReason)
}

func TestProcessBatch_BalanceAndBudgetPredicates(t *testing.T) {
	e := newEnv(t, registry.Config{MinBatchSize: 3, MaxBatchSize: 10, BatchTimeout: time.Minute})
	e.deposit(alice, usdc(100))
	e.deposit(bob, usdc(1000))

	e.submit(alice, buyAt(usdc(80)))
	e.submit(alice, buyAt(usdc(80))) // exceeds alice's remaining 20
	e.submit(bob, order{amount: usdc(60), budget: usdc(50), min: 1, max: 1 << 40})
	e.submit(bob, buyAt(usdc(50)))

	e.process(false)
	require.NoError(t, e.cp.FulfillPending(e.ctx))

	r := e.result(1)
	require.True(t, r.Success)
	require.Equal(t, usdc(130), r.TotalAmountIn.Int64())
	require.Equal(t, usdc(20), e.balance(alice, model.AssetUSDC).Int64())
	require.Equal(t, usdc(950), e.balance(bob, model.AssetUSDC).Int64())
}

func TestProcessBatch_AnonymityFloor(t *testing.T) {
	e := threeUsers(t)
	ids := []uint64{e.submit(alice, buyAt(usdc(100))), e.submit(bob, buyAt(usdc(100)))}

	_, err := e.agg.ProcessBatch(e.ctx, operator, false)
	require.ErrorIs(t, err, aggregator.ErrBatchNotReady)

	e.clk.advance(5 * time.Minute)
	st, err := e.reg.CheckBatchReady(e.ctx)
	require.NoError(t, err)
	require.True(t, st.Ready)
	require.Equal(t, registry.ReasonTimeout, st.Reason)

	p, err := e.agg.PerformUpkeep(e.ctx, operator)
	require.NoError(t, err)
	require.NotNil(t, p.Result)
	require.False(t, p.Result.Success)
	require.Equal(t, aggregator.ReasonBelowFloor, p.Result.FailureReason)
	require.Equal(t, 0, e.cp.Pending(), "nothing is declassified below the floor")
	require.Equal(t, 0, e.swaps)

	for _, id := range ids {
		in := e.intent(id)
		require.True(t, in.IsProcessed)
		require.True(t, in.IsActive)
	}
	st, err = e.reg.CheckBatchReady(e.ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), st.BatchID)
}

func TestProcessBatch_WithdrawingOwnerDropsBelowFloor(t *testing.T) {
	e := threeUsers(t)
	for _, u := range []common.Address{alice, bob, carol} {
		e.submit(u, buyAt(usdc(100)))
	}
	_, err := e.ledger.InitiateWithdrawal(e.ctx, carol, model.AssetUSDC)
	require.NoError(t, err)

	p := e.process(false)
	require.NotNil(t, p.Result)
	require.Equal(t, aggregator.ReasonBelowFloor, p.Result.FailureReason)
}

func TestProcessBatch_Authorization(t *testing.T) {
	e := threeUsers(t)
	e.submit(alice, buyAt(usdc(1)))

	_, err := e.agg.ProcessBatch(e.ctx, alice, true)
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestProcessBatch_EmptyBatch(t *testing.T) {
	e := threeUsers(t)
	_, err := e.agg.ProcessBatch(e.ctx, operator, true)
	require.ErrorIs(t, err, aggregator.ErrBatchNotReady)
}
