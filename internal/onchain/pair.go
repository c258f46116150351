// Package onchain reads a live Uniswap-V2 style pair over JSON-RPC so the data lab can
// track a deployed market without the engine holding any keys.
package onchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/host"
)

const pairABIJSON = `[
{"inputs":[],"name":"token0","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getReserves","outputs":[{"internalType":"uint112","name":"_reserve0","type":"uint112"},{"internalType":"uint112","name":"_reserve1","type":"uint112"},{"internalType":"uint32","name":"_blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"price0CumulativeLast","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"price1CumulativeLast","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"totalSupply","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var pairABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(pairABIJSON))
	if err != nil {
		panic("failed to parse pair ABI: " + err.Error())
	}
	pairABI = parsed
}

// q112 is the UQ112x112 unit the pair accumulates prices in.
var q112 = new(uint256.Int).Lsh(uint256.NewInt(1), 112)

// Caller is the slice of ethclient the reader needs.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Options parameterise the pair reader. Decimals default to 18.
type Options struct {
	RPCURL             string
	PairAddress        string
	TokenAddress       string
	TokenDecimals      uint8
	CollateralDecimals uint8
	Timeout            time.Duration
}

// Pair reads reserves and the cumulative price of the stabilized token from a pair
// contract, normalised to 18 decimals.
type Pair struct {
	opts      Options
	logger    zerolog.Logger
	caller    Caller
	clientMux sync.Mutex

	token0   atomic.Int32 // 0 unknown, 1 token is token0, 2 token is token1
	lastTime atomic.Uint64
}

// NewPair builds a reader that dials RPCURL on first use.
func NewPair(opts Options, logger zerolog.Logger) *Pair {
	return &Pair{opts: opts, logger: logger.With().Str("component", "pair_reader").Logger()}
}

// NewPairWithCaller builds a reader over an existing client.
func NewPairWithCaller(opts Options, caller Caller, logger zerolog.Logger) *Pair {
	p := NewPair(opts, logger)
	p.caller = caller
	return p
}

func (p *Pair) validate() error {
	if p.caller == nil && p.opts.RPCURL == "" {
		return errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(p.opts.PairAddress) {
		return errors.New("pair contract address not configured")
	}
	if !common.IsHexAddress(p.opts.TokenAddress) {
		return errors.New("token contract address not configured")
	}
	if p.opts.TokenDecimals > 36 || p.opts.CollateralDecimals > 36 {
		return errors.New("decimals must be <= 36")
	}
	return nil
}

// PoolState reads the pair at the latest block.
func (p *Pair) PoolState(ctx context.Context) (host.PoolState, error) {
	if err := p.validate(); err != nil {
		return host.PoolState{}, err
	}
	timeout := p.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := p.getCaller(ctx)
	if err != nil {
		return host.PoolState{}, err
	}
	head, err := caller.HeaderByNumber(ctx, nil)
	if err != nil {
		return host.PoolState{}, fmt.Errorf("latest header: %w", err)
	}
	block := head.Number
	p.lastTime.Store(head.Time)

	tokenIs0, err := p.tokenIsToken0(ctx, caller, block)
	if err != nil {
		return host.PoolState{}, err
	}

	out, err := p.call(ctx, caller, block, "getReserves")
	if err != nil {
		return host.PoolState{}, err
	}
	if len(out) != 3 {
		return host.PoolState{}, errors.New("unexpected getReserves response")
	}
	r0, ok0 := out[0].(*big.Int)
	r1, ok1 := out[1].(*big.Int)
	ts, ok2 := out[2].(uint32)
	if !ok0 || !ok1 || !ok2 {
		return host.PoolState{}, errors.New("failed to decode getReserves output")
	}

	cumMethod := "price1CumulativeLast"
	tokenRaw, collateralRaw := r1, r0
	if tokenIs0 {
		cumMethod = "price0CumulativeLast"
		tokenRaw, collateralRaw = r0, r1
	}
	cumRaw, err := p.callUint(ctx, caller, block, cumMethod)
	if err != nil {
		return host.PoolState{}, err
	}
	supply, err := p.callUint(ctx, caller, block, "totalSupply")
	if err != nil {
		return host.PoolState{}, err
	}

	state, err := p.normalise(tokenRaw, collateralRaw, cumRaw)
	if err != nil {
		return host.PoolState{}, err
	}
	state.TimestampLast = uint64(ts)
	state.LPTotalSupply = supply

	p.logger.Debug().
		Uint64("block", block.Uint64()).
		Str("reserve_token", fixed.Format(state.ReserveToken)).
		Str("reserve_collateral", fixed.Format(state.ReserveCollateral)).
		Uint32("timestamp_last", ts).
		Msg("pair read")
	return state, nil
}

// normalise scales raw reserves to 18 decimals and converts the UQ112x112 cumulative of
// collateral-per-token into 1e18-scaled price seconds.
func (p *Pair) normalise(tokenRaw, collateralRaw *big.Int, cumRaw *uint256.Int) (host.PoolState, error) {
	tokenDec, collDec := decimalsOr18(p.opts.TokenDecimals), decimalsOr18(p.opts.CollateralDecimals)
	token, err := scaleTo18(tokenRaw, tokenDec)
	if err != nil {
		return host.PoolState{}, fmt.Errorf("token reserve: %w", err)
	}
	collateral, err := scaleTo18(collateralRaw, collDec)
	if err != nil {
		return host.PoolState{}, fmt.Errorf("collateral reserve: %w", err)
	}
	// price18 = raw * 1e18 * 10^tokenDec / 10^collDec
	num := new(uint256.Int).Mul(fixed.One(), pow10(tokenDec))
	den := new(uint256.Int).Mul(q112, pow10(collDec))
	cumulative, err := fixed.MulDiv(cumRaw, num, den)
	if err != nil {
		return host.PoolState{}, fmt.Errorf("cumulative price: %w", err)
	}
	return host.PoolState{
		PriceCumulativeLast: cumulative,
		ReserveToken:        token,
		ReserveCollateral:   collateral,
	}, nil
}

// Now is the timestamp of the newest block seen, or wall time before the first read.
func (p *Pair) Now() uint64 {
	if ts := p.lastTime.Load(); ts != 0 {
		return ts
	}
	return host.SystemClock.Now()
}

// Refresh advances Now to the latest block.
func (p *Pair) Refresh(ctx context.Context) error {
	if err := p.validate(); err != nil {
		return err
	}
	caller, err := p.getCaller(ctx)
	if err != nil {
		return err
	}
	head, err := caller.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("latest header: %w", err)
	}
	if head.Time > p.lastTime.Load() {
		p.lastTime.Store(head.Time)
	}
	return nil
}

func (p *Pair) tokenIsToken0(ctx context.Context, caller Caller, block *big.Int) (bool, error) {
	switch p.token0.Load() {
	case 1:
		return true, nil
	case 2:
		return false, nil
	}
	out, err := p.call(ctx, caller, block, "token0")
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, errors.New("unexpected token0 response")
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return false, errors.New("failed to decode token0 output")
	}
	is0 := addr == common.HexToAddress(p.opts.TokenAddress)
	if is0 {
		p.token0.Store(1)
	} else {
		p.token0.Store(2)
	}
	return is0, nil
}

func (p *Pair) call(ctx context.Context, caller Caller, block *big.Int, method string) ([]interface{}, error) {
	payload, err := pairABI.Pack(method)
	if err != nil {
		return nil, err
	}
	addr := common.HexToAddress(p.opts.PairAddress)
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, block)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	out, err := pairABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}

func (p *Pair) callUint(ctx context.Context, caller Caller, block *big.Int, method string) (*uint256.Int, error) {
	out, err := p.call(ctx, caller, block, method)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("failed to decode %s output", method)
	}
	return fixed.FromBig(v)
}

func (p *Pair) getCaller(ctx context.Context) (Caller, error) {
	p.clientMux.Lock()
	defer p.clientMux.Unlock()

	if p.caller != nil {
		return p.caller, nil
	}
	client, err := ethclient.DialContext(ctx, p.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	p.caller = client
	return client, nil
}

func decimalsOr18(d uint8) uint8 {
	if d == 0 {
		return fixed.Decimals
	}
	return d
}

func pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

func scaleTo18(raw *big.Int, decimals uint8) (*uint256.Int, error) {
	v, err := fixed.FromBig(raw)
	if err != nil {
		return nil, err
	}
	if decimals >= fixed.Decimals {
		return v.Div(v, pow10(decimals-fixed.Decimals)), nil
	}
	return fixed.Mul(v, pow10(fixed.Decimals-decimals))
}

var (
	_ host.PoolSource = (*Pair)(nil)
	_ host.Clock      = (*Pair)(nil)
	_ Caller          = (*ethclient.Client)(nil)
)
