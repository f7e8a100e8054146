// Package fhe defines the confidential-compute provider the engine runs on.
//
// Encrypted integers are opaque handles tagged with a bit width. The provider
// supports add, sub, multiply, compare and select on them, plus asynchronous
// declassification on request. There is deliberately no division: callers
// that need a ratio compute it in plaintext and multiply it in.
//
// Arithmetic wraps modulo 2^width exactly like the real encrypted integer
// types, so width selection is a correctness decision for callers.
package fhe

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidProof is returned when an input proof is not bound to the
	// expected (contract, user, handle) triple.
	ErrInvalidProof = errors.New("fhe: invalid input proof")

	// ErrUnknownHandle is returned for handles the provider never issued.
	ErrUnknownHandle = errors.New("fhe: unknown handle")

	// ErrWidthMismatch is returned when operands of different widths are
	// combined without an explicit Widen.
	ErrWidthMismatch = errors.New("fhe: operand width mismatch")

	// ErrInvalidWidth is returned for unsupported widths.
	ErrInvalidWidth = errors.New("fhe: unsupported width")

	// ErrOutOfRange is returned when a plaintext does not fit the width.
	ErrOutOfRange = errors.New("fhe: plaintext out of range for width")

	// ErrNotAllowed is returned when an address has no ACL grant on a handle.
	ErrNotAllowed = errors.New("fhe: address not allowed on handle")
)

// Width is the bit width of an encrypted integer. Bool is an encrypted bit.
type Width uint16

const (
	Bool    Width = 1
	Uint8   Width = 8
	Uint32  Width = 32
	Uint64  Width = 64
	Uint128 Width = 128
	Uint256 Width = 256
)

// Valid reports whether w is one of the supported widths.
func (w Width) Valid() bool {
	switch w {
	case Bool, Uint8, Uint32, Uint64, Uint128, Uint256:
		return true
	}
	return false
}

func (w Width) String() string {
	if w == Bool {
		return "ebool"
	}
	return fmt.Sprintf("euint%d", uint16(w))
}

// ParseWidth parses the String form of a width ("euint64", "ebool").
func ParseWidth(s string) (Width, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, w := range []Width{Bool, Uint8, Uint32, Uint64, Uint128, Uint256} {
		if w.String() == s {
			return w, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidWidth, s)
}

// modulus returns 2^w.
func (w Width) modulus() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(w))
}

// Value is an opaque encrypted integer.
type Value struct {
	Handle common.Hash `json:"handle"`
	Width  Width       `json:"width"`
}

// IsZero reports whether v is the unset Value.
func (v Value) IsZero() bool {
	return v.Handle == (common.Hash{})
}

func (v Value) String() string {
	return fmt.Sprintf("%s(%s)", v.Width, v.Handle.Hex())
}

// Proof binds an input ciphertext to the contract and user that submitted it.
type Proof []byte

// RequestID identifies one declassification request.
type RequestID string

// Callback receives the plaintext of a declassified value. Delivery is
// at-least-once: implementations must tolerate replays of the same id.
type Callback func(ctx context.Context, id RequestID, plaintext *big.Int) error

// Provider is the confidential-compute capability set.
type Provider interface {
	// Encrypt produces a trivially encrypted public constant.
	Encrypt(plaintext *big.Int, w Width) (Value, error)

	// VerifyInput checks that v was encrypted by user for contract.
	VerifyInput(v Value, proof Proof, contract, user common.Address) error

	// VerifyInputs checks a bundle of values submitted under one proof.
	VerifyInputs(proof Proof, contract, user common.Address, vs ...Value) error

	Add(a, b Value) (Value, error)
	Sub(a, b Value) (Value, error)
	Mul(a, b Value) (Value, error)

	// Ge and Le return an encrypted Bool.
	Ge(a, b Value) (Value, error)
	Le(a, b Value) (Value, error)
	And(a, b Value) (Value, error)

	// Select returns a when cond is true, b otherwise, without revealing cond.
	Select(cond, a, b Value) (Value, error)

	// Widen re-tags v with a larger width.
	Widen(v Value, w Width) (Value, error)

	Allow(v Value, addr common.Address) error
	IsAllowed(v Value, addr common.Address) bool

	// RequestDeclassify schedules decryption of v. It never blocks on the
	// result; cb is invoked later, possibly more than once.
	RequestDeclassify(ctx context.Context, v Value, cb Callback) (RequestID, error)
}
