package fhe

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Coprocessor is an in-process reference Provider. It keeps plaintexts in a
// handle table and hands out keccak-derived handles, the same shape as an
// external coprocessor plus declassification gateway. Used for development
// and tests; production deployments plug a real network behind Provider.
type Coprocessor struct {
	mu       sync.Mutex
	key      []byte
	counter  uint64
	values   map[common.Hash]entry
	acl      map[common.Hash]map[common.Address]struct{}
	requests map[RequestID]*request
	queue    []RequestID
	delay    time.Duration
	retryMin time.Duration
	retryMax time.Duration
	notify   chan struct{}
}

type entry struct {
	plaintext *big.Int
	width     Width
}

type request struct {
	id          RequestID
	handle      common.Hash
	cb          Callback
	requestedAt time.Time

	// Set after a failed callback; Run holds the request until retryAt.
	attempts int
	retryAt  time.Time
	retry    *backoff.ExponentialBackOff
}

func (r *request) scheduleRetry(now time.Time, initial, ceiling time.Duration) {
	if r.retry == nil {
		r.retry = backoff.NewExponentialBackOff()
		r.retry.InitialInterval = initial
		r.retry.MaxInterval = ceiling
		r.retry.Multiplier = 2
		r.retry.MaxElapsedTime = 0
		r.retry.Reset()
	}
	r.attempts++
	r.retryAt = now.Add(r.retry.NextBackOff())
}

// Option configures a Coprocessor.
type Option func(*Coprocessor)

// WithDelay makes Run hold each request for at least d before delivery.
func WithDelay(d time.Duration) Option {
	return func(c *Coprocessor) { c.delay = d }
}

// WithRetry sets the backoff between redeliveries of a request whose
// callback failed.
func WithRetry(initial, ceiling time.Duration) Option {
	return func(c *Coprocessor) {
		c.retryMin = initial
		c.retryMax = ceiling
	}
}

// NewCoprocessor creates a reference coprocessor. key seeds handle and proof
// derivation; it stands in for the network key material.
func NewCoprocessor(key []byte, opts ...Option) *Coprocessor {
	c := &Coprocessor{
		key:      append([]byte(nil), key...),
		values:   make(map[common.Hash]entry),
		acl:      make(map[common.Hash]map[common.Address]struct{}),
		requests: make(map[RequestID]*request),
		retryMin: time.Second,
		retryMax: time.Minute,
		notify:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// --- Input encryption (client SDK side) ---

// EncryptInput encrypts plaintext on behalf of user for contract and returns
// the value together with its input proof.
func (c *Coprocessor) EncryptInput(contract, user common.Address, plaintext *big.Int, w Width) (Value, Proof, error) {
	vs, proof, err := c.EncryptInputs(contract, user, Input{Plaintext: plaintext, Width: w})
	if err != nil {
		return Value{}, nil, err
	}
	return vs[0], proof, nil
}

// Input is one plaintext of a multi-value input bundle.
type Input struct {
	Plaintext *big.Int
	Width     Width
}

// EncryptInputs encrypts a bundle under a single proof covering every
// handle in order, the way a client SDK packs a multi-field submission.
func (c *Coprocessor) EncryptInputs(contract, user common.Address, inputs ...Input) ([]Value, Proof, error) {
	vs := make([]Value, 0, len(inputs))
	for _, in := range inputs {
		v, err := c.Encrypt(in.Plaintext, in.Width)
		if err != nil {
			return nil, nil, err
		}
		vs = append(vs, v)
	}
	c.mu.Lock()
	for _, v := range vs {
		c.allowLocked(v.Handle, user)
	}
	c.mu.Unlock()
	return vs, c.proof(contract, user, vs), nil
}

func (c *Coprocessor) proof(contract, user common.Address, vs []Value) Proof {
	data := [][]byte{c.key, contract.Bytes(), user.Bytes()}
	for _, v := range vs {
		data = append(data, v.Handle.Bytes())
	}
	return crypto.Keccak256(data...)
}

// --- Provider ---

func (c *Coprocessor) Encrypt(plaintext *big.Int, w Width) (Value, error) {
	if !w.Valid() {
		return Value{}, fmt.Errorf("%w: %d", ErrInvalidWidth, w)
	}
	if plaintext == nil || plaintext.Sign() < 0 || plaintext.Cmp(w.modulus()) >= 0 {
		return Value{}, fmt.Errorf("%w: %s", ErrOutOfRange, w)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeLocked(plaintext, w), nil
}

func (c *Coprocessor) VerifyInput(v Value, proof Proof, contract, user common.Address) error {
	return c.VerifyInputs(proof, contract, user, v)
}

func (c *Coprocessor) VerifyInputs(proof Proof, contract, user common.Address, vs ...Value) error {
	if len(vs) == 0 {
		return fmt.Errorf("%w: empty input bundle", ErrInvalidProof)
	}
	c.mu.Lock()
	for _, v := range vs {
		if _, ok := c.values[v.Handle]; !ok {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrInvalidProof, ErrUnknownHandle)
		}
	}
	c.mu.Unlock()
	want := c.proof(contract, user, vs)
	if subtle.ConstantTimeCompare(want, proof) != 1 {
		return ErrInvalidProof
	}
	return nil
}

func (c *Coprocessor) Add(a, b Value) (Value, error) {
	return c.binary(a, b, func(x, y *big.Int) *big.Int { return new(big.Int).Add(x, y) })
}

func (c *Coprocessor) Sub(a, b Value) (Value, error) {
	return c.binary(a, b, func(x, y *big.Int) *big.Int { return new(big.Int).Sub(x, y) })
}

func (c *Coprocessor) Mul(a, b Value) (Value, error) {
	return c.binary(a, b, func(x, y *big.Int) *big.Int { return new(big.Int).Mul(x, y) })
}

func (c *Coprocessor) Ge(a, b Value) (Value, error) {
	return c.compare(a, b, func(cmp int) bool { return cmp >= 0 })
}

func (c *Coprocessor) Le(a, b Value) (Value, error) {
	return c.compare(a, b, func(cmp int) bool { return cmp <= 0 })
}

func (c *Coprocessor) And(a, b Value) (Value, error) {
	if a.Width != Bool || b.Width != Bool {
		return Value{}, fmt.Errorf("%w: and needs %s operands", ErrWidthMismatch, Bool)
	}
	return c.binary(a, b, func(x, y *big.Int) *big.Int { return new(big.Int).And(x, y) })
}

func (c *Coprocessor) Select(cond, a, b Value) (Value, error) {
	if cond.Width != Bool {
		return Value{}, fmt.Errorf("%w: select condition must be %s", ErrWidthMismatch, Bool)
	}
	if a.Width != b.Width {
		return Value{}, fmt.Errorf("%w: %s vs %s", ErrWidthMismatch, a.Width, b.Width)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ce, err := c.lookupLocked(cond)
	if err != nil {
		return Value{}, err
	}
	ae, err := c.lookupLocked(a)
	if err != nil {
		return Value{}, err
	}
	be, err := c.lookupLocked(b)
	if err != nil {
		return Value{}, err
	}
	if ce.plaintext.Sign() != 0 {
		return c.storeLocked(ae.plaintext, a.Width), nil
	}
	return c.storeLocked(be.plaintext, b.Width), nil
}

func (c *Coprocessor) Widen(v Value, w Width) (Value, error) {
	if !w.Valid() || w < v.Width {
		return Value{}, fmt.Errorf("%w: cannot widen %s to %s", ErrWidthMismatch, v.Width, w)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupLocked(v)
	if err != nil {
		return Value{}, err
	}
	return c.storeLocked(e.plaintext, w), nil
}

func (c *Coprocessor) Allow(v Value, addr common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[v.Handle]; !ok {
		return ErrUnknownHandle
	}
	c.allowLocked(v.Handle, addr)
	return nil
}

func (c *Coprocessor) IsAllowed(v Value, addr common.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.acl[v.Handle][addr]
	return ok
}

func (c *Coprocessor) RequestDeclassify(_ context.Context, v Value, cb Callback) (RequestID, error) {
	if cb == nil {
		return "", errors.New("fhe: nil declassification callback")
	}
	c.mu.Lock()
	if _, err := c.lookupLocked(v); err != nil {
		c.mu.Unlock()
		return "", err
	}
	id := RequestID(uuid.New().String())
	c.requests[id] = &request{
		id:          id,
		handle:      v.Handle,
		cb:          cb,
		requestedAt: time.Now(),
	}
	c.queue = append(c.queue, id)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return id, nil
}

// --- Gateway side ---

// Pending returns the number of undelivered declassification requests,
// including those waiting to be retried.
func (c *Coprocessor) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// FulfillPending delivers every queued request, in request order, and
// returns the joined callback errors. Retry backoff is ignored. Requests
// whose callback fails stay queued. Callbacks run without the coprocessor
// lock held, so they may call back into the provider.
func (c *Coprocessor) FulfillPending(ctx context.Context) error {
	return c.deliver(ctx, func(*request) bool { return true })
}

// Redeliver invokes the callback of an already issued request again,
// modelling the at-least-once delivery of an external gateway. A successful
// redelivery of a queued request removes it from the queue.
func (c *Coprocessor) Redeliver(ctx context.Context, id RequestID) error {
	c.mu.Lock()
	req, ok := c.requests[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("fhe: unknown request %s", id)
	}
	pt := new(big.Int).Set(c.values[req.handle].plaintext)
	c.mu.Unlock()

	if err := req.cb(ctx, id, pt); err != nil {
		return err
	}
	c.mu.Lock()
	c.dropLocked(id)
	c.mu.Unlock()
	return nil
}

// Run delivers requests in the background until ctx is cancelled. Requests
// younger than the configured delay are held back.
func (c *Coprocessor) Run(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.notify:
		case <-ticker.C:
		}
		now := time.Now()
		cutoff := now.Add(-c.delay)
		err := c.deliver(ctx, func(r *request) bool {
			return !r.requestedAt.After(cutoff) && !now.Before(r.retryAt)
		})
		if err != nil {
			slog.Error("declassification callback failed", "err", err)
		}
	}
}

// Decrypt reveals a plaintext directly. Reference-only: real providers never
// expose this outside the gateway. Tests use it to inspect balances.
func (c *Coprocessor) Decrypt(v Value) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.lookupLocked(v)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(e.plaintext), nil
}

func (c *Coprocessor) deliver(ctx context.Context, due func(*request) bool) error {
	type job struct {
		req *request
		pt  *big.Int
	}

	c.mu.Lock()
	var jobs []job
	remaining := c.queue[:0]
	for _, id := range c.queue {
		req := c.requests[id]
		if !due(req) {
			remaining = append(remaining, id)
			continue
		}
		jobs = append(jobs, job{req: req, pt: new(big.Int).Set(c.values[req.handle].plaintext)})
	}
	c.queue = remaining
	c.mu.Unlock()

	var errs []error
	var failed []*request
	for _, j := range jobs {
		if err := j.req.cb(ctx, j.req.id, j.pt); err != nil {
			errs = append(errs, fmt.Errorf("request %s: %w", j.req.id, err))
			failed = append(failed, j.req)
		}
	}

	if len(failed) > 0 {
		now := time.Now()
		c.mu.Lock()
		for _, req := range failed {
			req.scheduleRetry(now, c.retryMin, c.retryMax)
			c.queue = append(c.queue, req.id)
			slog.Warn("declassification callback will be retried",
				"request_id", req.id, "attempts", req.attempts, "retry_at", req.retryAt)
		}
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (c *Coprocessor) dropLocked(id RequestID) {
	kept := c.queue[:0]
	for _, q := range c.queue {
		if q != id {
			kept = append(kept, q)
		}
	}
	c.queue = kept
}

// --- internals (mu held) ---

func (c *Coprocessor) binary(a, b Value, op func(x, y *big.Int) *big.Int) (Value, error) {
	if a.Width != b.Width {
		return Value{}, fmt.Errorf("%w: %s vs %s", ErrWidthMismatch, a.Width, b.Width)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ae, err := c.lookupLocked(a)
	if err != nil {
		return Value{}, err
	}
	be, err := c.lookupLocked(b)
	if err != nil {
		return Value{}, err
	}
	return c.storeLocked(op(ae.plaintext, be.plaintext), a.Width), nil
}

func (c *Coprocessor) compare(a, b Value, pred func(int) bool) (Value, error) {
	if a.Width != b.Width {
		return Value{}, fmt.Errorf("%w: %s vs %s", ErrWidthMismatch, a.Width, b.Width)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ae, err := c.lookupLocked(a)
	if err != nil {
		return Value{}, err
	}
	be, err := c.lookupLocked(b)
	if err != nil {
		return Value{}, err
	}
	bit := big.NewInt(0)
	if pred(ae.plaintext.Cmp(be.plaintext)) {
		bit.SetInt64(1)
	}
	return c.storeLocked(bit, Bool), nil
}

func (c *Coprocessor) lookupLocked(v Value) (entry, error) {
	e, ok := c.values[v.Handle]
	if !ok {
		return entry{}, fmt.Errorf("%w: %s", ErrUnknownHandle, v.Handle.Hex())
	}
	if e.width != v.Width {
		return entry{}, fmt.Errorf("%w: handle is %s, tagged %s", ErrWidthMismatch, e.width, v.Width)
	}
	return e, nil
}

// storeLocked reduces x modulo 2^w and issues a fresh handle for it.
func (c *Coprocessor) storeLocked(x *big.Int, w Width) Value {
	pt := new(big.Int).Mod(x, w.modulus())

	c.counter++
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], c.counter)
	h := crypto.Keccak256Hash(c.key, ctr[:], []byte{byte(w >> 8), byte(w)})

	c.values[h] = entry{plaintext: pt, width: w}
	return Value{Handle: h, Width: w}
}

func (c *Coprocessor) allowLocked(h common.Hash, addr common.Address) {
	set, ok := c.acl[h]
	if !ok {
		set = make(map[common.Address]struct{})
		c.acl[h] = set
	}
	set[addr] = struct{}{}
}

var _ Provider = (*Coprocessor)(nil)
