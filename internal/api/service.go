// Package api exposes the engine over HTTP.
//
// The caller of every state-changing request is taken from the
// X-Caller-Address header. It stands in for the sender of a signed
// transaction and must be set by an authenticating gateway in front of
// this service. Amounts are never plaintext on the way in: deposits and
// intents carry encrypted handles plus the input proof.
package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"github.com/atmx/dca-engine/internal/aggregator"
	"github.com/atmx/dca-engine/internal/fhe"
	"github.com/atmx/dca-engine/internal/ledger"
	"github.com/atmx/dca-engine/internal/model"
	"github.com/atmx/dca-engine/internal/registry"
)

// CallerHeader carries the address a request acts as.
const CallerHeader = "X-Caller-Address"

// Ledger is the balance surface the handlers use.
type Ledger interface {
	Deposit(ctx context.Context, user common.Address, encAmount fhe.Value, proof fhe.Proof, amount *big.Int) error
	InitiateWithdrawal(ctx context.Context, user common.Address, asset model.Asset) (fhe.RequestID, error)
	CancelWithdrawal(ctx context.Context, user common.Address) error
	WithdrawalStatus(ctx context.Context, user common.Address) (*model.Withdrawal, error)
	Account(ctx context.Context, user common.Address) (*model.Account, error)
	RequestBalanceReveal(ctx context.Context, caller common.Address, asset model.Asset) (fhe.RequestID, error)
	Reveal(ctx context.Context, caller common.Address, id fhe.RequestID) (*ledger.Reveal, error)
}

// Registry is the intent surface the handlers use.
type Registry interface {
	SubmitIntent(ctx context.Context, user common.Address, params model.EncryptedParams, proof fhe.Proof) (uint64, error)
	RequeueIntent(ctx context.Context, user common.Address, id uint64) (uint64, error)
	Intent(ctx context.Context, id uint64) (*model.Intent, error)
	IntentsByOwner(ctx context.Context, user common.Address) ([]model.Intent, error)
	Batch(ctx context.Context, id uint64) (*model.Batch, error)
	CheckBatchReady(ctx context.Context) (registry.ReadyStatus, error)
}

// Aggregator is the batch processing surface the handlers use.
type Aggregator interface {
	ProcessBatch(ctx context.Context, caller common.Address, force bool) (*aggregator.Pending, error)
	InFlight() *aggregator.Pending
	Result(ctx context.Context, batchID uint64) (*model.BatchResult, error)
}

// Results lists recorded batch outcomes.
type Results interface {
	ListBatchResults(ctx context.Context, limit int) ([]model.BatchResult, error)
}

// Encrypter produces client-side encrypted inputs. Only the reference
// coprocessor implements it, for the development endpoint.
type Encrypter interface {
	EncryptInputs(contract, user common.Address, inputs ...fhe.Input) ([]fhe.Value, fhe.Proof, error)
}

// Service holds the HTTP handlers.
type Service struct {
	ledger     Ledger
	registry   Registry
	aggregator Aggregator
	results    Results
	encrypter  Encrypter // nil disables /dev/encrypt
	contract   common.Address
}

// NewService creates the handler set. Pass a nil encrypter to keep the
// development endpoint off.
func NewService(l Ledger, r Registry, a Aggregator, res Results, enc Encrypter, contract common.Address) *Service {
	return &Service{
		ledger:     l,
		registry:   r,
		aggregator: a,
		results:    res,
		encrypter:  enc,
		contract:   contract,
	}
}

// Routes registers every endpoint on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/deposits", s.Deposit)

	r.Post("/intents", s.SubmitIntent)
	r.Get("/intents/{intentID}", s.GetIntent)
	r.Post("/intents/{intentID}/requeue", s.RequeueIntent)

	r.Get("/batches/ready", s.BatchReady)
	r.Post("/batches/process", s.ProcessBatch)
	r.Get("/batches/{batchID}", s.GetBatch)
	r.Get("/batches/{batchID}/result", s.GetBatchResult)
	r.Get("/results", s.ListResults)

	r.Post("/withdrawals", s.InitiateWithdrawal)
	r.Get("/withdrawals/{user}", s.GetWithdrawal)
	r.Delete("/withdrawals/{user}", s.CancelWithdrawal)

	r.Get("/accounts/{user}", s.GetAccount)
	r.Get("/accounts/{user}/intents", s.ListIntents)
	r.Post("/accounts/{user}/reveal", s.RequestReveal)
	r.Get("/reveals/{requestID}", s.GetReveal)

	if s.encrypter != nil {
		r.Post("/dev/encrypt", s.DevEncrypt)
	}
}

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	EncryptedAmount fhe.Value     `json:"encrypted_amount"`
	Proof           hexutil.Bytes `json:"proof"`
	Amount          string        `json:"amount"` // USDC base units pulled over the rail
}

// IntentRequest is the JSON body for POST /intents.
type IntentRequest struct {
	Params model.EncryptedParams `json:"params"`
	Proof  hexutil.Bytes         `json:"proof"`
}

// IntentResponse is returned when an intent is accepted.
type IntentResponse struct {
	IntentID uint64 `json:"intent_id"`
	BatchID  uint64 `json:"batch_id"`
}

// ProcessRequest is the JSON body for POST /batches/process.
type ProcessRequest struct {
	Force bool `json:"force"`
}

// AssetRequest names the asset of a withdrawal or reveal.
type AssetRequest struct {
	Asset model.Asset `json:"asset"`
}

// RequestIDResponse is returned by operations that complete through a
// declassification callback.
type RequestIDResponse struct {
	RequestID fhe.RequestID `json:"request_id"`
}

// ReadyResponse is the JSON body of GET /batches/ready.
type ReadyResponse struct {
	registry.ReadyStatus
	ElapsedSeconds float64             `json:"elapsed_seconds"`
	InFlight       *aggregator.Pending `json:"in_flight,omitempty"`
}

// --- Deposits ---

// Deposit handles POST /api/v1/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_body", "invalid request body", http.StatusBadRequest)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, "invalid_amount", "amount must be a base-unit integer", http.StatusBadRequest)
		return
	}
	if err := s.ledger.Deposit(r.Context(), caller, req.EncryptedAmount, fhe.Proof(req.Proof), amount); err != nil {
		writeServiceError(w, err)
		return
	}
	acc, err := s.ledger.Account(r.Context(), caller)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// --- Intents ---

// SubmitIntent handles POST /api/v1/intents
func (s *Service) SubmitIntent(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req IntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_body", "invalid request body", http.StatusBadRequest)
		return
	}
	id, err := s.registry.SubmitIntent(r.Context(), caller, req.Params, fhe.Proof(req.Proof))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.writeIntentCreated(w, r, id)
}

// RequeueIntent handles POST /api/v1/intents/{intentID}/requeue
func (s *Service) RequeueIntent(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := uintParam(w, r, "intentID")
	if !ok {
		return
	}
	newID, err := s.registry.RequeueIntent(r.Context(), caller, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.writeIntentCreated(w, r, newID)
}

func (s *Service) writeIntentCreated(w http.ResponseWriter, r *http.Request, id uint64) {
	in, err := s.registry.Intent(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, IntentResponse{IntentID: id, BatchID: in.BatchID})
}

// GetIntent handles GET /api/v1/intents/{intentID}
func (s *Service) GetIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "intentID")
	if !ok {
		return
	}
	in, err := s.registry.Intent(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// ListIntents handles GET /api/v1/accounts/{user}/intents
func (s *Service) ListIntents(w http.ResponseWriter, r *http.Request) {
	user, ok := addressParam(w, r, "user")
	if !ok {
		return
	}
	intents, err := s.registry.IntentsByOwner(r.Context(), user)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if intents == nil {
		intents = []model.Intent{}
	}
	writeJSON(w, http.StatusOK, intents)
}

// --- Batches ---

// BatchReady handles GET /api/v1/batches/ready
func (s *Service) BatchReady(w http.ResponseWriter, r *http.Request) {
	st, err := s.registry.CheckBatchReady(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{
		ReadyStatus:    st,
		ElapsedSeconds: st.Elapsed.Seconds(),
		InFlight:       s.aggregator.InFlight(),
	})
}

// ProcessBatch handles POST /api/v1/batches/process. A batch that closes
// immediately answers 200 with its result; one awaiting declassification
// answers 202.
func (s *Service) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req ProcessRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid_body", "invalid request body", http.StatusBadRequest)
			return
		}
	}
	p, err := s.aggregator.ProcessBatch(r.Context(), caller, req.Force)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusAccepted
	if p.Result != nil {
		status = http.StatusOK
	}
	writeJSON(w, status, p)
}

// GetBatch handles GET /api/v1/batches/{batchID}
func (s *Service) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "batchID")
	if !ok {
		return
	}
	b, err := s.registry.Batch(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetBatchResult handles GET /api/v1/batches/{batchID}/result
func (s *Service) GetBatchResult(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "batchID")
	if !ok {
		return
	}
	res, err := s.aggregator.Result(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultView(res))
}

// ListResults handles GET /api/v1/results?limit=N, newest first.
func (s *Service) ListResults(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, "invalid_limit", "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	results, err := s.results.ListBatchResults(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]ResultView, 0, len(results))
	for i := range results {
		views = append(views, newResultView(&results[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// --- Withdrawals ---

// InitiateWithdrawal handles POST /api/v1/withdrawals
func (s *Service) InitiateWithdrawal(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req AssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_body", "invalid request body", http.StatusBadRequest)
		return
	}
	id, err := s.ledger.InitiateWithdrawal(r.Context(), caller, req.Asset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, RequestIDResponse{RequestID: id})
}

// GetWithdrawal handles GET /api/v1/withdrawals/{user}
func (s *Service) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	user, ok := addressParam(w, r, "user")
	if !ok {
		return
	}
	wd, err := s.ledger.WithdrawalStatus(r.Context(), user)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newWithdrawalView(wd))
}

// CancelWithdrawal handles DELETE /api/v1/withdrawals/{user}. Only the
// user may cancel.
func (s *Service) CancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	user, ok := selfParam(w, r)
	if !ok {
		return
	}
	if err := s.ledger.CancelWithdrawal(r.Context(), user); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Accounts and reveals ---

// GetAccount handles GET /api/v1/accounts/{user}. Balances are handles.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	user, ok := addressParam(w, r, "user")
	if !ok {
		return
	}
	acc, err := s.ledger.Account(r.Context(), user)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// RequestReveal handles POST /api/v1/accounts/{user}/reveal
func (s *Service) RequestReveal(w http.ResponseWriter, r *http.Request) {
	user, ok := selfParam(w, r)
	if !ok {
		return
	}
	var req AssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_body", "invalid request body", http.StatusBadRequest)
		return
	}
	id, err := s.ledger.RequestBalanceReveal(r.Context(), user, req.Asset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, RequestIDResponse{RequestID: id})
}

// GetReveal handles GET /api/v1/reveals/{requestID}
func (s *Service) GetReveal(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	rv, err := s.ledger.Reveal(r.Context(), caller, fhe.RequestID(chi.URLParam(r, "requestID")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRevealView(rv))
}

// --- Helpers ---

func callerFrom(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	h := r.Header.Get(CallerHeader)
	if !common.IsHexAddress(h) {
		writeError(w, "missing_caller", CallerHeader+" must hold an address", http.StatusUnauthorized)
		return common.Address{}, false
	}
	return common.HexToAddress(h), true
}

func addressParam(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	p := chi.URLParam(r, name)
	if !common.IsHexAddress(p) {
		writeError(w, "invalid_address", "invalid address: "+p, http.StatusBadRequest)
		return common.Address{}, false
	}
	return common.HexToAddress(p), true
}

// selfParam reads {user} and requires it to be the caller.
func selfParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return common.Address{}, false
	}
	user, ok := addressParam(w, r, "user")
	if !ok {
		return common.Address{}, false
	}
	if user != caller {
		writeError(w, "unauthorized", "callers may only act on their own account", http.StatusForbidden)
		return common.Address{}, false
	}
	return user, true
}

func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, "invalid_id", "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return n, true
}
