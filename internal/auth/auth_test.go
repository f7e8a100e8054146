package auth

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestStaticPolicy(t *testing.T) {
	op := common.HexToAddress("0x01")
	agg := common.HexToAddress("0x02")
	p := NewStaticPolicy().Grant(RoleOperator, op).Grant(RoleAggregator, agg)

	if err := p.Authorize(op, RoleOperator); err != nil {
		t.Errorf("operator should be authorized: %v", err)
	}
	if err := p.Authorize(op, RoleAggregator); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("operator must not hold aggregator role, got %v", err)
	}
	if err := p.Authorize(common.Address{}, RoleOperator); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("zero address must be rejected, got %v", err)
	}
}
