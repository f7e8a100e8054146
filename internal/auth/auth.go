// Package auth provides the injected authorization policy for restricted
// engine operations. Components receive a Policy instead of consulting a
// global admin flag.
package auth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnauthorized is returned when a caller lacks the role an operation needs.
var ErrUnauthorized = errors.New("auth: caller not authorized")

// Role names a capability.
type Role string

const (
	// RoleOperator may trigger batch processing (owner or automation).
	RoleOperator Role = "operator"

	// RoleAggregator may mark intents processed, roll batches over and
	// mutate balances on behalf of a batch.
	RoleAggregator Role = "aggregator"
)

// Policy decides whether caller holds role.
type Policy interface {
	Authorize(caller common.Address, role Role) error
}

// StaticPolicy is a role table fixed at startup, with Grant for wiring.
type StaticPolicy struct {
	mu    sync.RWMutex
	roles map[Role]map[common.Address]struct{}
}

// NewStaticPolicy creates an empty policy.
func NewStaticPolicy() *StaticPolicy {
	return &StaticPolicy{roles: make(map[Role]map[common.Address]struct{})}
}

// Grant gives role to each address.
func (p *StaticPolicy) Grant(role Role, addrs ...common.Address) *StaticPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.roles[role]
	if !ok {
		set = make(map[common.Address]struct{})
		p.roles[role] = set
	}
	for _, a := range addrs {
		set[a] = struct{}{}
	}
	return p
}

func (p *StaticPolicy) Authorize(caller common.Address, role Role) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, ok := p.roles[role][caller]; !ok {
		return fmt.Errorf("%w: %s lacks %s", ErrUnauthorized, caller.Hex(), role)
	}
	return nil
}
