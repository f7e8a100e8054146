package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const aggregatorV3ABI = `[
	{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"internalType":"uint80","name":"roundId","type":"uint80"},
		{"internalType":"int256","name":"answer","type":"int256"},
		{"internalType":"uint256","name":"startedAt","type":"uint256"},
		{"internalType":"uint256","name":"updatedAt","type":"uint256"},
		{"internalType":"uint80","name":"answeredInRound","type":"uint80"}
	],"stateMutability":"view","type":"function"}
]`

// ChainlinkOracle reads an AggregatorV3 price feed.
type ChainlinkOracle struct {
	caller ethereum.ContractCaller
	feed   common.Address
	abi    abi.ABI

	mu       sync.Mutex
	decimals uint8
	haveDec  bool
}

// DialChainlink connects to rpcURL and reads the feed at feed.
func DialChainlink(ctx context.Context, rpcURL string, feed common.Address) (*ChainlinkOracle, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect rpc: %w", err)
	}
	o, err := NewChainlinkOracle(client, feed)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return o, client, nil
}

// NewChainlinkOracle reads feed through caller.
func NewChainlinkOracle(caller ethereum.ContractCaller, feed common.Address) (*ChainlinkOracle, error) {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABI))
	if err != nil {
		return nil, fmt.Errorf("parse feed abi: %w", err)
	}
	return &ChainlinkOracle{caller: caller, feed: feed, abi: parsed}, nil
}

func (o *ChainlinkOracle) LatestPrice(ctx context.Context) (Price, error) {
	dec, err := o.feedDecimals(ctx)
	if err != nil {
		return Price{}, err
	}
	out, err := o.call(ctx, "latestRoundData")
	if err != nil {
		return Price{}, err
	}
	if len(out) != 5 {
		return Price{}, fmt.Errorf("%w: latestRoundData returned %d values", ErrNoPrice, len(out))
	}
	answer, ok := out[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return Price{}, fmt.Errorf("%w: non-positive answer", ErrNoPrice)
	}
	updated, ok := out[3].(*big.Int)
	if !ok || !updated.IsInt64() {
		return Price{}, fmt.Errorf("%w: bad updatedAt", ErrNoPrice)
	}
	return Price{Value: answer, Decimals: dec, UpdatedAt: time.Unix(updated.Int64(), 0).UTC()}, nil
}

// feedDecimals is fixed per feed; it is read once and cached.
func (o *ChainlinkOracle) feedDecimals(ctx context.Context) (uint8, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.haveDec {
		return o.decimals, nil
	}
	out, err := o.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("oracle: unexpected type %T for decimals", out[0])
	}
	o.decimals, o.haveDec = d, true
	return d, nil
}

func (o *ChainlinkOracle) call(ctx context.Context, method string) ([]any, error) {
	data, err := o.abi.Pack(method)
	if err != nil {
		return nil, err
	}
	result, err := o.caller.CallContract(ctx, ethereum.CallMsg{To: &o.feed, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := o.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty %s result", ErrNoPrice, method)
	}
	return out, nil
}
