package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/dca-engine/internal/aggregator"
	"github.com/atmx/dca-engine/internal/auth"
	"github.com/atmx/dca-engine/internal/exchange"
	"github.com/atmx/dca-engine/internal/fhe"
	"github.com/atmx/dca-engine/internal/ledger"
	"github.com/atmx/dca-engine/internal/rail"
	"github.com/atmx/dca-engine/internal/registry"
	"github.com/atmx/dca-engine/internal/store"
)

// errorKind maps a sentinel to its HTTP status and machine-readable code.
type errorKind struct {
	err    error
	status int
	code   string
}

var errorKinds = []errorKind{
	{auth.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{fhe.ErrNotAllowed, http.StatusForbidden, "not_allowed"},

	{fhe.ErrInvalidProof, http.StatusBadRequest, "invalid_proof"},
	{fhe.ErrUnknownHandle, http.StatusBadRequest, "unknown_handle"},
	{fhe.ErrWidthMismatch, http.StatusBadRequest, "width_mismatch"},
	{fhe.ErrInvalidWidth, http.StatusBadRequest, "invalid_width"},
	{fhe.ErrOutOfRange, http.StatusBadRequest, "out_of_range"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{ledger.ErrInvalidAsset, http.StatusBadRequest, "invalid_asset"},
	{registry.ErrInvalidParams, http.StatusBadRequest, "invalid_params"},
	{registry.ErrBatchFull, http.StatusBadRequest, "batch_full"},
	{registry.ErrOwnerLimit, http.StatusBadRequest, "owner_limit"},

	{registry.ErrIntentNotFound, http.StatusNotFound, "intent_not_found"},
	{registry.ErrBatchNotFound, http.StatusNotFound, "batch_not_found"},
	{ledger.ErrRevealNotFound, http.StatusNotFound, "reveal_not_found"},
	{ledger.ErrNotInitialized, http.StatusNotFound, "account_not_found"},
	{store.ErrNotFound, http.StatusNotFound, "not_found"},

	{ledger.ErrUserNotActive, http.StatusConflict, "user_not_active"},
	{registry.ErrUserNotActive, http.StatusConflict, "user_not_active"},
	{ledger.ErrWithdrawalPending, http.StatusConflict, "withdrawal_pending"},
	{ledger.ErrNotWithdrawing, http.StatusConflict, "not_withdrawing"},
	{ledger.ErrFundsLocked, http.StatusConflict, "funds_locked"},
	{registry.ErrNotRequeueable, http.StatusConflict, "not_requeueable"},
	{aggregator.ErrBatchNotReady, http.StatusConflict, "batch_not_ready"},
	{aggregator.ErrBatchInFlight, http.StatusConflict, "batch_in_flight"},
	{aggregator.ErrInvalidPriceData, http.StatusServiceUnavailable, "invalid_price_data"},

	{exchange.ErrSwapFailed, http.StatusBadGateway, "swap_failed"},
	{rail.ErrInsufficientFunds, http.StatusBadGateway, "insufficient_funds"},
	{rail.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
}

// writeServiceError maps err onto a status through the sentinel table.
// Unknown errors are logged and reported as 500 without detail.
func writeServiceError(w http.ResponseWriter, err error) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			writeError(w, k.code, err.Error(), k.status)
			return
		}
	}
	slog.Error("request failed", "err", err)
	writeError(w, "internal", "internal error", http.StatusInternalServerError)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
