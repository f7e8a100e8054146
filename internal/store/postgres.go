package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/dca-engine/internal/fhe"
	"github.com/atmx/dca-engine/internal/model"
)

// Schema creates the tables PostgresStore expects. Handles are stored as
// hex text next to their width; plaintext amounts only appear in
// batch_results and withdrawals (payouts) as NUMERIC.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	owner              TEXT PRIMARY KEY,
	state              TEXT NOT NULL,
	usdc_handle        TEXT NOT NULL DEFAULT '',
	usdc_width         INTEGER NOT NULL DEFAULT 0,
	eth_handle         TEXT NOT NULL DEFAULT '',
	eth_width          INTEGER NOT NULL DEFAULT 0,
	last_withdrawal TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS intents (
	id           BIGINT PRIMARY KEY,
	owner        TEXT NOT NULL,
	params       JSONB NOT NULL,
	batch_id     BIGINT NOT NULL,
	is_active    BOOLEAN NOT NULL,
	is_processed BOOLEAN NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS intents_batch_idx ON intents (batch_id);
CREATE INDEX IF NOT EXISTS intents_owner_idx ON intents (owner);
CREATE TABLE IF NOT EXISTS batches (
	id         BIGINT PRIMARY KEY,
	intent_ids BIGINT[] NOT NULL,
	state      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	closed_at  TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS batch_results (
	batch_id           BIGINT PRIMARY KEY,
	success            BOOLEAN NOT NULL,
	participant_count  INTEGER NOT NULL,
	price_at_execution NUMERIC NOT NULL,
	total_amount_in    NUMERIC NOT NULL,
	total_amount_out   NUMERIC NOT NULL,
	scaled_rate        NUMERIC NOT NULL,
	failure_reason     TEXT NOT NULL DEFAULT '',
	executed_at        TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS withdrawals (
	request_id      TEXT PRIMARY KEY,
	owner           TEXT NOT NULL,
	asset           TEXT NOT NULL,
	snapshot_handle TEXT NOT NULL,
	snapshot_width  INTEGER NOT NULL,
	status          TEXT NOT NULL,
	amount          NUMERIC,
	created_at      TIMESTAMPTZ NOT NULL,
	resolved_at     TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS registry_cursor (
	singleton        BOOLEAN PRIMARY KEY DEFAULT TRUE,
	next_intent_id   BIGINT NOT NULL,
	current_batch_id BIGINT NOT NULL,
	batch_started_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Plaintext amounts are stored as NUMERIC for exact precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// --- Accounts ---

func (s *PostgresStore) GetAccount(ctx context.Context, owner common.Address) (*model.Account, error) {
	var a model.Account
	var ownerHex, state, usdcH, ethH string
	var usdcW, ethW int

	err := s.pool.QueryRow(ctx,
		`SELECT owner, state, usdc_handle, usdc_width, eth_handle, eth_width,
		        last_withdrawal, created_at, updated_at
		 FROM accounts WHERE owner = $1`, owner.Hex()).
		Scan(&ownerHex, &state, &usdcH, &usdcW, &ethH, &ethW,
			&a.LastWithdrawal, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("account %s", owner.Hex()))
	}

	a.Owner = common.HexToAddress(ownerHex)
	a.State = model.AccountState(state)
	a.USDCBalance = value(usdcH, usdcW)
	a.ETHBalanceScaled = value(ethH, ethW)
	return &a, nil
}

func (s *PostgresStore) SaveAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (owner, state, usdc_handle, usdc_width, eth_handle, eth_width,
		                       last_withdrawal, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (owner) DO UPDATE SET
		     state = EXCLUDED.state,
		     usdc_handle = EXCLUDED.usdc_handle, usdc_width = EXCLUDED.usdc_width,
		     eth_handle = EXCLUDED.eth_handle, eth_width = EXCLUDED.eth_width,
		     last_withdrawal = EXCLUDED.last_withdrawal,
		     updated_at = EXCLUDED.updated_at`,
		a.Owner.Hex(), string(a.State),
		handleHex(a.USDCBalance), int(a.USDCBalance.Width),
		handleHex(a.ETHBalanceScaled), int(a.ETHBalanceScaled.Width),
		a.LastWithdrawal, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

// --- Intents ---

func (s *PostgresStore) InsertIntent(ctx context.Context, in *model.Intent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO intents (id, owner, params, batch_id, is_active, is_processed, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(in.ID), in.Owner.Hex(), in.Params, int64(in.BatchID),
		in.IsActive, in.IsProcessed, in.SubmittedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("intent %d: %w", in.ID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetIntent(ctx context.Context, id uint64) (*model.Intent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, params, batch_id, is_active, is_processed, submitted_at
		 FROM intents WHERE id = $1`, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	intents, err := scanIntents(rows)
	if err != nil {
		return nil, err
	}
	if len(intents) == 0 {
		return nil, fmt.Errorf("intent %d: %w", id, ErrNotFound)
	}
	return &intents[0], nil
}

func (s *PostgresStore) UpdateIntentFlags(ctx context.Context, id uint64, isActive, isProcessed bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE intents SET is_active = $2, is_processed = $3 WHERE id = $1`,
		int64(id), isActive, isProcessed,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("intent %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListIntentsByBatch(ctx context.Context, batchID uint64) ([]model.Intent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, params, batch_id, is_active, is_processed, submitted_at
		 FROM intents WHERE batch_id = $1 ORDER BY id`, int64(batchID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIntents(rows)
}

func (s *PostgresStore) ListIntentsByOwner(ctx context.Context, owner common.Address) ([]model.Intent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, params, batch_id, is_active, is_processed, submitted_at
		 FROM intents WHERE owner = $1 ORDER BY id`, owner.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIntents(rows)
}

// --- Batches ---

func (s *PostgresStore) SaveBatch(ctx context.Context, b *model.Batch) error {
	ids := make([]int64, len(b.IntentIDs))
	for i, id := range b.IntentIDs {
		ids[i] = int64(id)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batches (id, intent_ids, state, created_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		     intent_ids = EXCLUDED.intent_ids,
		     state = EXCLUDED.state,
		     closed_at = EXCLUDED.closed_at`,
		int64(b.ID), ids, string(b.State), b.CreatedAt, b.ClosedAt,
	)
	return err
}

func (s *PostgresStore) GetBatch(ctx context.Context, id uint64) (*model.Batch, error) {
	var b model.Batch
	var rawID int64
	var ids []int64
	var state string

	err := s.pool.QueryRow(ctx,
		`SELECT id, intent_ids, state, created_at, closed_at FROM batches WHERE id = $1`, int64(id)).
		Scan(&rawID, &ids, &state, &b.CreatedAt, &b.ClosedAt)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("batch %d", id))
	}

	b.ID = uint64(rawID)
	b.State = model.BatchState(state)
	b.IntentIDs = make([]uint64, len(ids))
	for i, v := range ids {
		b.IntentIDs[i] = uint64(v)
	}
	return &b, nil
}

// --- Results ---

func (s *PostgresStore) InsertBatchResult(ctx context.Context, r *model.BatchResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_results (batch_id, success, participant_count, price_at_execution,
		                            total_amount_in, total_amount_out, scaled_rate,
		                            failure_reason, executed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		int64(r.BatchID), r.Success, r.ParticipantCount,
		numeric(r.PriceAtExecution), numeric(r.TotalAmountIn),
		numeric(r.TotalAmountOut), numeric(r.ScaledRate),
		r.FailureReason, r.ExecutedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("result for batch %d: %w", r.BatchID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetBatchResult(ctx context.Context, batchID uint64) (*model.BatchResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT batch_id, success, participant_count, price_at_execution::TEXT,
		        total_amount_in::TEXT, total_amount_out::TEXT, scaled_rate::TEXT,
		        failure_reason, executed_at
		 FROM batch_results WHERE batch_id = $1`, int64(batchID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results, err := scanResults(rows)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("result for batch %d: %w", batchID, ErrNotFound)
	}
	return &results[0], nil
}

func (s *PostgresStore) ListBatchResults(ctx context.Context, limit int) ([]model.BatchResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT batch_id, success, participant_count, price_at_execution::TEXT,
		        total_amount_in::TEXT, total_amount_out::TEXT, scaled_rate::TEXT,
		        failure_reason, executed_at
		 FROM batch_results ORDER BY batch_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanResults(rows)
}

// --- Withdrawals ---

func (s *PostgresStore) InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO withdrawals (request_id, owner, asset, snapshot_handle, snapshot_width,
		                          status, amount, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9)`,
		w.RequestID, w.Owner.Hex(), string(w.Asset),
		handleHex(w.Snapshot), int(w.Snapshot.Width),
		string(w.Status), nullableNumeric(w.Amount), w.CreatedAt, w.ResolvedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("withdrawal %s: %w", w.RequestID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetWithdrawal(ctx context.Context, requestID string) (*model.Withdrawal, error) {
	var w model.Withdrawal
	var owner, asset, handle, status string
	var width int
	var amount *string

	err := s.pool.QueryRow(ctx,
		`SELECT request_id, owner, asset, snapshot_handle, snapshot_width, status,
		        amount::TEXT, created_at, resolved_at
		 FROM withdrawals WHERE request_id = $1`, requestID).
		Scan(&w.RequestID, &owner, &asset, &handle, &width, &status,
			&amount, &w.CreatedAt, &w.ResolvedAt)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("withdrawal %s", requestID))
	}

	w.Owner = common.HexToAddress(owner)
	w.Asset = model.Asset(asset)
	w.Snapshot = value(handle, width)
	w.Status = model.WithdrawalStatus(status)
	if amount != nil {
		w.Amount = parseNumeric(*amount)
	}
	return &w, nil
}

func (s *PostgresStore) UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE withdrawals SET status = $2, amount = $3::NUMERIC, resolved_at = $4
		 WHERE request_id = $1`,
		w.RequestID, string(w.Status), nullableNumeric(w.Amount), w.ResolvedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("withdrawal %s: %w", w.RequestID, ErrNotFound)
	}
	return nil
}

// --- Cursor ---

func (s *PostgresStore) GetCursor(ctx context.Context) (*model.Cursor, error) {
	var c model.Cursor
	var next, current int64
	err := s.pool.QueryRow(ctx,
		`SELECT next_intent_id, current_batch_id, batch_started_at FROM registry_cursor`).
		Scan(&next, &current, &c.BatchStartedAt)
	if err != nil {
		return nil, notFound(err, "cursor")
	}
	c.NextIntentID = uint64(next)
	c.CurrentBatchID = uint64(current)
	return &c, nil
}

func (s *PostgresStore) SaveCursor(ctx context.Context, c *model.Cursor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO registry_cursor (singleton, next_intent_id, current_batch_id, batch_started_at)
		 VALUES (TRUE, $1, $2, $3)
		 ON CONFLICT (singleton) DO UPDATE SET
		     next_intent_id = EXCLUDED.next_intent_id,
		     current_batch_id = EXCLUDED.current_batch_id,
		     batch_started_at = EXCLUDED.batch_started_at`,
		int64(c.NextIntentID), int64(c.CurrentBatchID), c.BatchStartedAt,
	)
	return err
}

// --- scan helpers ---

func scanIntents(rows pgx.Rows) ([]model.Intent, error) {
	var intents []model.Intent
	for rows.Next() {
		var in model.Intent
		var id, batchID int64
		var owner string
		var submittedAt time.Time

		if err := rows.Scan(&id, &owner, &in.Params, &batchID,
			&in.IsActive, &in.IsProcessed, &submittedAt); err != nil {
			return nil, err
		}
		in.ID = uint64(id)
		in.Owner = common.HexToAddress(owner)
		in.BatchID = uint64(batchID)
		in.SubmittedAt = submittedAt
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

func scanResults(rows pgx.Rows) ([]model.BatchResult, error) {
	var results []model.BatchResult
	for rows.Next() {
		var r model.BatchResult
		var batchID int64
		var priceS, inS, outS, rateS string

		if err := rows.Scan(&batchID, &r.Success, &r.ParticipantCount,
			&priceS, &inS, &outS, &rateS, &r.FailureReason, &r.ExecutedAt); err != nil {
			return nil, err
		}
		r.BatchID = uint64(batchID)
		r.PriceAtExecution = parseNumeric(priceS)
		r.TotalAmountIn = parseNumeric(inS)
		r.TotalAmountOut = parseNumeric(outS)
		r.ScaledRate = parseNumeric(rateS)
		results = append(results, r)
	}
	return results, rows.Err()
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func handleHex(v fhe.Value) string {
	if v.IsZero() {
		return ""
	}
	return v.Handle.Hex()
}

func value(h string, width int) fhe.Value {
	if h == "" {
		return fhe.Value{}
	}
	return fhe.Value{Handle: common.HexToHash(h), Width: fhe.Width(width)}
}

func numeric(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

func nullableNumeric(x *big.Int) *string {
	if x == nil {
		return nil
	}
	s := x.String()
	return &s
}

func parseNumeric(s string) *big.Int {
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return x
}
