package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// feedStub answers AggregatorV3 calls with ABI-encoded fixtures.
type feedStub struct {
	t        *testing.T
	answer   *big.Int
	updated  int64
	decimals uint8
	calls    map[string]int
	fail     error
}

func (f *feedStub) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	o, err := NewChainlinkOracle(nil, common.Address{})
	require.NoError(f.t, err)
	m, err := o.abi.MethodById(msg.Data[:4])
	require.NoError(f.t, err)
	f.calls[m.Name]++

	switch m.Name {
	case "decimals":
		return m.Outputs.Pack(f.decimals)
	case "latestRoundData":
		return m.Outputs.Pack(big.NewInt(7), f.answer, big.NewInt(f.updated), big.NewInt(f.updated), big.NewInt(7))
	}
	return nil, errors.New("unexpected method")
}

func TestChainlinkOracle_LatestPrice(t *testing.T) {
	updated := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	stub := &feedStub{t: t, answer: big.NewInt(2_000_12345678), updated: updated.Unix(), decimals: 8, calls: map[string]int{}}
	o, err := NewChainlinkOracle(stub, common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"))
	require.NoError(t, err)

	p, err := o.LatestPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint8(8), p.Decimals)
	require.Equal(t, updated, p.UpdatedAt)
	require.Equal(t, int64(2_000_123456), p.Scaled(PriceDecimals).Int64())

	_, err = o.LatestPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stub.calls["decimals"], "decimals are cached")
	require.Equal(t, 2, stub.calls["latestRoundData"])
}

func TestChainlinkOracle_RejectsNonPositiveAnswer(t *testing.T) {
	stub := &feedStub{t: t, answer: big.NewInt(-1), updated: 1, decimals: 8, calls: map[string]int{}}
	o, err := NewChainlinkOracle(stub, common.Address{})
	require.NoError(t, err)

	_, err = o.LatestPrice(context.Background())
	require.ErrorIs(t, err, ErrNoPrice)
}

func TestChainlinkOracle_CallError(t *testing.T) {
	boom := errors.New("rpc down")
	o, err := NewChainlinkOracle(&feedStub{t: t, fail: boom, calls: map[string]int{}}, common.Address{})
	require.NoError(t, err)

	_, err = o.LatestPrice(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestStaticOracle(t *testing.T) {
	at := time.Now().Add(-2 * time.Hour)
	o := NewStaticOracle(big.NewInt(2000_000000), PriceDecimals, at)

	p, err := o.LatestPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, at, p.UpdatedAt)
	require.GreaterOrEqual(t, p.Age(time.Now()), 2*time.Hour)

	o.Set(big.NewInt(1800_000000), time.Time{})
	p, err = o.LatestPrice(context.Background())
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), p.UpdatedAt, time.Second, "zero update time reads as fresh")

	o.Set(big.NewInt(0), time.Now())
	_, err = o.LatestPrice(context.Background())
	require.ErrorIs(t, err, ErrNoPrice)
}

func TestPrice_Scaled(t *testing.T) {
	p := Price{Value: big.NewInt(2000_000000), Decimals: 6}
	require.Equal(t, "200000000000", p.Scaled(8).String())
	require.Equal(t, "2000", p.Scaled(0).String())
}
