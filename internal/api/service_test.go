package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/atmx/dca-engine/internal/aggregator"
	"github.com/atmx/dca-engine/internal/api"
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
)

// newTestEnv wires the full engine on in-memory components behind a chi
// router. Declassification is delivered manually through cp.
func newTestEnv(t *testing.T, dev bool) (*fhe.Coprocessor, chi.Router) {
	t.Helper()
	ctx := context.Background()
	cp := fhe.NewCoprocessor([]byte("api-test"))
	st := store.NewMemoryStore()
	rl := rail.NewMemoryRail(true)
	policy := auth.NewStaticPolicy().
		Grant(auth.RoleAggregator, self).
		Grant(auth.RoleOperator, operator)

	led := ledger.New(st, cp, rl, policy, contract)
	reg, err := registry.New(ctx, st, cp, led, policy, contract,
		registry.Config{MinBatchSize: 3, MaxBatchSize: 10, BatchTimeout: 5 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	px := oracle.NewStaticOracle(big.NewInt(2000_000000), oracle.PriceDecimals, time.Time{})
	agg := aggregator.New(aggregator.Deps{
		Registry:    reg,
		Ledger:      led,
		Distributor: distributor.New(cp, led, self),
		FHE:         cp,
		Oracle:      px,
		Exchange:    exchange.NewOracleExchange(px, rl, 0),
		Store:       st,
		Policy:      policy,
	}, self)

	var enc api.Encrypter
	if dev {
		enc = cp
	}
	svc := api.NewService(led, reg, agg, st, enc, contract)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return cp, r
}

func do(t *testing.T, r http.Handler, method, path string, caller *common.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set(api.CallerHeader, caller.Hex())
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v (body %s)", err, w.Body.String())
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	resp := decode[map[string]string](t, w)
	if resp["code"] != code {
		t.Errorf("expected code %q, got %q (%s)", code, resp["code"], resp["error"])
	}
}

func encrypt(t *testing.T, r http.Handler, user common.Address, inputs ...api.DevInput) api.DevEncryptResponse {
	t.Helper()
	w := do(t, r, "POST", "/api/v1/dev/encrypt", &user, api.DevEncryptRequest{Inputs: inputs})
	if w.Code != http.StatusOK {
		t.Fatalf("encrypt: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	return decode[api.DevEncryptResponse](t, w)
}

func deposit(t *testing.T, r http.Handler, user common.Address, amount string) {
	t.Helper()
	enc := encrypt(t, r, user, api.DevInput{Value: amount, Width: "euint64"})
	w := do(t, r, "POST", "/api/v1/deposits", &user, api.DepositRequest{
		EncryptedAmount: enc.Values[0], Proof: enc.Proof, Amount: amount,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func submitIntent(t *testing.T, r http.Handler, user common.Address, amount string) api.IntentResponse {
	t.Helper()
	enc := encrypt(t, r, user,
		api.DevInput{Value: "10000000000", Width: "euint64"}, // budget
		api.DevInput{Value: "1", Width: "euint32"},
		api.DevInput{Value: amount, Width: "euint64"},
		api.DevInput{Value: "86400", Width: "euint32"},
		api.DevInput{Value: "1500000000", Width: "euint64"}, // 1500 USDC/ETH
		api.DevInput{Value: "2500000000", Width: "euint64"},
	)
	v := enc.Values
	w := do(t, r, "POST", "/api/v1/intents", &user, api.IntentRequest{
		Params: model.EncryptedParams{
			Budget: v[0], TradeCount: v[1], AmountPerTrade: v[2],
			Frequency: v[3], MinPrice: v[4], MaxPrice: v[5],
		},
		Proof: enc.Proof,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("submit intent: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode[api.IntentResponse](t, w)
}

func TestBatchLifecycleOverHTTP(t *testing.T) {
	cp, r := newTestEnv(t, true)
	ctx := context.Background()

	amounts := map[common.Address]string{alice: "100000000", bob: "50000000", carol: "150000000"}
	for _, u := range []common.Address{alice, bob, carol} {
		deposit(t, r, u, "1000000000")
		resp := submitIntent(t, r, u, amounts[u])
		if resp.BatchID != 1 {
			t.Errorf("expected batch 1, got %d", resp.BatchID)
		}
	}

	w := do(t, r, "GET", "/api/v1/batches/ready", nil, nil)
	ready := decode[api.ReadyResponse](t, w)
	if !ready.Ready || ready.Reason != registry.ReasonSize || len(ready.IntentIDs) != 3 {
		t.Fatalf("unexpected readiness: %+v", ready)
	}

	w = do(t, r, "POST", "/api/v1/batches/process", &operator, api.ProcessRequest{})
	if w.Code != http.StatusAccepted {
		t.Fatalf("process: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if err := cp.FulfillPending(ctx); err != nil {
		t.Fatal(err)
	}

	w = do(t, r, "GET", "/api/v1/batches/1/result", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("result: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[api.ResultView](t, w)
	if !res.Success || res.ParticipantCount != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TotalUSDCIn.String() != "300" || res.TotalETHOut.String() != "0.15" || res.Price.String() != "2000" {
		t.Errorf("unexpected totals: in=%s out=%s price=%s", res.TotalUSDCIn, res.TotalETHOut, res.Price)
	}

	w = do(t, r, "GET", "/api/v1/batches/1", nil, nil)
	if b := decode[model.Batch](t, w); b.State != model.BatchClosed {
		t.Errorf("expected closed batch, got %s", b.State)
	}

	w = do(t, r, "POST", "/api/v1/withdrawals", &alice, api.AssetRequest{Asset: model.AssetETH})
	if w.Code != http.StatusAccepted {
		t.Fatalf("withdraw: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if err := cp.FulfillPending(ctx); err != nil {
		t.Fatal(err)
	}
	w = do(t, r, "GET", "/api/v1/withdrawals/"+alice.Hex(), nil, nil)
	wd := decode[api.WithdrawalView](t, w)
	if wd.Status != model.WithdrawalCompleted || wd.Amount == nil || wd.Amount.String() != "0.05" {
		t.Errorf("unexpected withdrawal: %+v", wd)
	}

	w = do(t, r, "GET", "/api/v1/results?limit=5", nil, nil)
	if list := decode[[]api.ResultView](t, w); len(list) != 1 {
		t.Errorf("expected 1 result, got %d", len(list))
	}
}

func TestRevealOwnBalance(t *testing.T) {
	cp, r := newTestEnv(t, true)
	deposit(t, r, bob, "250000000")

	w := do(t, r, "POST", "/api/v1/accounts/"+bob.Hex()+"/reveal", &bob, api.AssetRequest{Asset: model.AssetUSDC})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	id := decode[api.RequestIDResponse](t, w).RequestID
	if err := cp.FulfillPending(context.Background()); err != nil {
		t.Fatal(err)
	}

	w = do(t, r, "GET", "/api/v1/reveals/"+string(id), &bob, nil)
	rv := decode[api.RevealView](t, w)
	if !rv.Ready || rv.Balance == nil || rv.Balance.String() != "250" {
		t.Errorf("unexpected reveal: %+v", rv)
	}

	w = do(t, r, "GET", "/api/v1/reveals/"+string(id), &alice, nil)
	expectError(t, w, http.StatusNotFound, "reveal_not_found")

	w = do(t, r, "POST", "/api/v1/accounts/"+bob.Hex()+"/reveal", &alice, api.AssetRequest{Asset: model.AssetUSDC})
	expectError(t, w, http.StatusForbidden, "unauthorized")
}

func TestErrorMapping(t *testing.T) {
	_, r := newTestEnv(t, true)

	t.Run("missing caller", func(t *testing.T) {
		w := do(t, r, "POST", "/api/v1/withdrawals", nil, api.AssetRequest{Asset: model.AssetUSDC})
		expectError(t, w, http.StatusUnauthorized, "missing_caller")
	})

	t.Run("proof bound to another user", func(t *testing.T) {
		enc := encrypt(t, r, alice, api.DevInput{Value: "100", Width: "euint64"})
		w := do(t, r, "POST", "/api/v1/deposits", &bob, api.DepositRequest{
			EncryptedAmount: enc.Values[0], Proof: enc.Proof, Amount: "100",
		})
		expectError(t, w, http.StatusBadRequest, "invalid_proof")
	})

	t.Run("intent without deposit", func(t *testing.T) {
		enc := encrypt(t, r, carol,
			api.DevInput{Value: "1", Width: "euint64"}, api.DevInput{Value: "1", Width: "euint32"},
			api.DevInput{Value: "1", Width: "euint64"}, api.DevInput{Value: "1", Width: "euint32"},
			api.DevInput{Value: "1", Width: "euint64"}, api.DevInput{Value: "1", Width: "euint64"},
		)
		v := enc.Values
		w := do(t, r, "POST", "/api/v1/intents", &carol, api.IntentRequest{
			Params: model.EncryptedParams{Budget: v[0], TradeCount: v[1], AmountPerTrade: v[2], Frequency: v[3], MinPrice: v[4], MaxPrice: v[5]},
			Proof:  enc.Proof,
		})
		expectError(t, w, http.StatusConflict, "user_not_active")
	})

	t.Run("process by non-operator", func(t *testing.T) {
		w := do(t, r, "POST", "/api/v1/batches/process", &alice, api.ProcessRequest{Force: true})
		expectError(t, w, http.StatusForbidden, "unauthorized")
	})

	t.Run("process empty batch", func(t *testing.T) {
		w := do(t, r, "POST", "/api/v1/batches/process", &operator, api.ProcessRequest{Force: true})
		expectError(t, w, http.StatusConflict, "batch_not_ready")
	})

	t.Run("withdraw without account", func(t *testing.T) {
		w := do(t, r, "POST", "/api/v1/withdrawals", &carol, api.AssetRequest{Asset: model.AssetUSDC})
		expectError(t, w, http.StatusNotFound, "account_not_found")
	})

	t.Run("unknown asset", func(t *testing.T) {
		w := do(t, r, "POST", "/api/v1/withdrawals", &carol, api.AssetRequest{Asset: "BTC"})
		expectError(t, w, http.StatusBadRequest, "invalid_asset")
	})

	t.Run("cancel someone else's withdrawal", func(t *testing.T) {
		w := do(t, r, "DELETE", "/api/v1/withdrawals/"+alice.Hex(), &bob, nil)
		expectError(t, w, http.StatusForbidden, "unauthorized")
	})

	t.Run("unknown intent", func(t *testing.T) {
		w := do(t, r, "GET", "/api/v1/intents/99", nil, nil)
		expectError(t, w, http.StatusNotFound, "intent_not_found")
	})

	t.Run("malformed id", func(t *testing.T) {
		w := do(t, r, "GET", "/api/v1/batches/abc", nil, nil)
		expectError(t, w, http.StatusBadRequest, "invalid_id")
	})

	t.Run("invalid width", func(t *testing.T) {
		w := do(t, r, "POST", "/api/v1/dev/encrypt", &alice, api.DevEncryptRequest{
			Inputs: []api.DevInput{{Value: "1", Width: "euint7"}},
		})
		expectError(t, w, http.StatusBadRequest, "invalid_width")
	})
}

func TestWithdrawalCancelOverHTTP(t *testing.T) {
	_, r := newTestEnv(t, true)
	deposit(t, r, alice, "5000000")

	w := do(t, r, "POST", "/api/v1/withdrawals", &alice, api.AssetRequest{Asset: model.AssetUSDC})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, r, "POST", "/api/v1/withdrawals", &alice, api.AssetRequest{Asset: model.AssetUSDC})
	expectError(t, w, http.StatusConflict, "withdrawal_pending")

	w = do(t, r, "DELETE", "/api/v1/withdrawals/"+alice.Hex(), &alice, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, r, "GET", "/api/v1/withdrawals/"+alice.Hex(), nil, nil)
	if wd := decode[api.WithdrawalView](t, w); wd.Status != model.WithdrawalCancelled {
		t.Errorf("expected cancelled, got %s", wd.Status)
	}
	w = do(t, r, "GET", "/api/v1/accounts/"+alice.Hex(), nil, nil)
	if acc := decode[model.Account](t, w); acc.State != model.StateActive {
		t.Errorf("expected active account after cancel, got %s", acc.State)
	}
}

func TestDevEndpointDisabled(t *testing.T) {
	_, r := newTestEnv(t, false)
	w := do(t, r, "POST", "/api/v1/dev/encrypt", &alice, api.DevEncryptRequest{
		Inputs: []api.DevInput{{Value: "1", Width: "euint64"}},
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 with dev endpoints off, got %d", w.Code)
	}
}
