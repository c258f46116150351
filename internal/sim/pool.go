package sim

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"peg-stabilizer/internal/faults"
	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/host"
)

var (
	ErrZeroAmount        = faults.Precondition("sim: zero amount")
	ErrInsufficientLiq   = faults.Precondition("sim: insufficient liquidity")
	ErrUnbalancedDeposit = errors.New("sim: deposit must match pool ratio")
)

// PoolAddress holds the pair's own balances in both ledgers.
var PoolAddress = common.HexToAddress("0x00000000000000000000000000000000000a3300")

// Pool is a fee-less x*y=k pair between the stabilized token and collateral. Like a
// Uniswap V2 pair it accumulates price*seconds before every reserve change.
type Pool struct {
	mu         sync.Mutex
	token      *Ledger
	collateral *Ledger
	clock      host.Clock

	reserveToken      *uint256.Int
	reserveCollateral *uint256.Int
	priceCumulative   *uint256.Int
	timestampLast     uint64
	lpSupply          *uint256.Int
	lpBalances        map[common.Address]*uint256.Int
}

func NewPool(token, collateral *Ledger, clock host.Clock) *Pool {
	return &Pool{
		token:             token,
		collateral:        collateral,
		clock:             clock,
		reserveToken:      new(uint256.Int),
		reserveCollateral: new(uint256.Int),
		priceCumulative:   new(uint256.Int),
		timestampLast:     clock.Now(),
		lpSupply:          new(uint256.Int),
		lpBalances:        make(map[common.Address]*uint256.Int),
	}
}

// accrue must run with mu held and before reserves change.
func (p *Pool) accrue() {
	now := p.clock.Now()
	if now > p.timestampLast && !p.reserveToken.IsZero() {
		price := new(uint256.Int).Mul(p.reserveCollateral, fixed.One())
		price.Div(price, p.reserveToken)
		p.priceCumulative.Add(p.priceCumulative, price.Mul(price, uint256.NewInt(now-p.timestampLast)))
	}
	p.timestampLast = now
}

func (p *Pool) PoolState(context.Context) (host.PoolState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return host.PoolState{
		PriceCumulativeLast: new(uint256.Int).Set(p.priceCumulative),
		ReserveToken:        new(uint256.Int).Set(p.reserveToken),
		ReserveCollateral:   new(uint256.Int).Set(p.reserveCollateral),
		TimestampLast:       p.timestampLast,
		LPTotalSupply:       new(uint256.Int).Set(p.lpSupply),
	}, nil
}

func (p *Pool) Reserves(context.Context) (*uint256.Int, *uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(uint256.Int).Set(p.reserveToken), new(uint256.Int).Set(p.reserveCollateral), nil
}

// SpotPrice is collateral per token at the current reserves.
func (p *Pool) SpotPrice() *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reserveToken.IsZero() {
		return new(uint256.Int)
	}
	price := new(uint256.Int).Mul(p.reserveCollateral, fixed.One())
	return price.Div(price, p.reserveToken)
}

func getAmountOut(in, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	num, err := fixed.Mul(in, reserveOut)
	if err != nil {
		return nil, err
	}
	den, err := fixed.Add(reserveIn, in)
	if err != nil {
		return nil, err
	}
	return num.Div(num, den), nil
}

func (p *Pool) BuyToken(ctx context.Context, payer common.Address, collateralIn *uint256.Int) (*uint256.Int, error) {
	if collateralIn.IsZero() {
		return nil, ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reserveToken.IsZero() {
		return nil, ErrInsufficientLiq
	}
	out, err := getAmountOut(collateralIn, p.reserveCollateral, p.reserveToken)
	if err != nil {
		return nil, err
	}
	if out.IsZero() || !out.Lt(p.reserveToken) {
		return nil, ErrInsufficientLiq
	}
	if err := p.collateral.Transfer(ctx, payer, PoolAddress, collateralIn); err != nil {
		return nil, err
	}
	if err := p.token.Transfer(ctx, PoolAddress, payer, out); err != nil {
		return nil, err
	}
	p.accrue()
	p.reserveCollateral.Add(p.reserveCollateral, collateralIn)
	p.reserveToken.Sub(p.reserveToken, out)
	return out, nil
}

func (p *Pool) SellToken(ctx context.Context, payer common.Address, tokenIn *uint256.Int) (*uint256.Int, error) {
	if tokenIn.IsZero() {
		return nil, ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reserveCollateral.IsZero() {
		return nil, ErrInsufficientLiq
	}
	out, err := getAmountOut(tokenIn, p.reserveToken, p.reserveCollateral)
	if err != nil {
		return nil, err
	}
	if out.IsZero() || !out.Lt(p.reserveCollateral) {
		return nil, ErrInsufficientLiq
	}
	if err := p.token.Transfer(ctx, payer, PoolAddress, tokenIn); err != nil {
		return nil, err
	}
	if err := p.collateral.Transfer(ctx, PoolAddress, payer, out); err != nil {
		return nil, err
	}
	p.accrue()
	p.reserveToken.Add(p.reserveToken, tokenIn)
	p.reserveCollateral.Sub(p.reserveCollateral, out)
	return out, nil
}

// AddLiquidity deposits both sides. The first deposit sets the price and mints
// sqrt(token*collateral) liquidity; later deposits must match the pool ratio.
func (p *Pool) AddLiquidity(ctx context.Context, provider common.Address, token, collateral *uint256.Int) (*uint256.Int, error) {
	if token.IsZero() || collateral.IsZero() {
		return nil, ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var liquidity *uint256.Int
	if p.lpSupply.IsZero() {
		k, err := fixed.Mul(token, collateral)
		if err != nil {
			return nil, err
		}
		liquidity = fixed.Sqrt(k)
	} else {
		byToken, err := fixed.MulDiv(token, p.lpSupply, p.reserveToken)
		if err != nil {
			return nil, err
		}
		byCollateral, err := fixed.MulDiv(collateral, p.lpSupply, p.reserveCollateral)
		if err != nil {
			return nil, err
		}
		if !byToken.Eq(byCollateral) {
			return nil, ErrUnbalancedDeposit
		}
		liquidity = byToken
	}

	if err := p.token.Transfer(ctx, provider, PoolAddress, token); err != nil {
		return nil, err
	}
	if err := p.collateral.Transfer(ctx, provider, PoolAddress, collateral); err != nil {
		return nil, err
	}
	p.accrue()
	p.reserveToken.Add(p.reserveToken, token)
	p.reserveCollateral.Add(p.reserveCollateral, collateral)
	p.lpSupply.Add(p.lpSupply, liquidity)
	p.lpBalances[provider] = new(uint256.Int).Add(p.lpBalance(provider), liquidity)
	return liquidity, nil
}

func (p *Pool) RemoveLiquidity(ctx context.Context, provider common.Address, liquidity *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if liquidity.IsZero() {
		return nil, nil, ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	held := p.lpBalance(provider)
	if held.Lt(liquidity) {
		return nil, nil, ErrInsufficientBalance
	}
	token, err := fixed.MulDiv(liquidity, p.reserveToken, p.lpSupply)
	if err != nil {
		return nil, nil, err
	}
	collateral, err := fixed.MulDiv(liquidity, p.reserveCollateral, p.lpSupply)
	if err != nil {
		return nil, nil, err
	}
	if err := p.token.Transfer(ctx, PoolAddress, provider, token); err != nil {
		return nil, nil, err
	}
	if err := p.collateral.Transfer(ctx, PoolAddress, provider, collateral); err != nil {
		return nil, nil, err
	}
	p.accrue()
	p.reserveToken.Sub(p.reserveToken, token)
	p.reserveCollateral.Sub(p.reserveCollateral, collateral)
	p.lpSupply.Sub(p.lpSupply, liquidity)
	p.lpBalances[provider] = held.Sub(held, liquidity)
	return token, collateral, nil
}

// LPBalance is provider's liquidity.
func (p *Pool) LPBalance(provider common.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lpBalance(provider)
}

func (p *Pool) lpBalance(provider common.Address) *uint256.Int {
	if b, ok := p.lpBalances[provider]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

// Checkpoint snapshots reserves, the oracle and LP balances. Ledger balances are
// checkpointed by the ledgers themselves.
func (p *Pool) Checkpoint() func() {
	p.mu.Lock()
	saved := struct {
		reserveToken, reserveCollateral, priceCumulative, lpSupply *uint256.Int
		timestampLast                                              uint64
		lpBalances                                                 map[common.Address]*uint256.Int
	}{
		reserveToken:      new(uint256.Int).Set(p.reserveToken),
		reserveCollateral: new(uint256.Int).Set(p.reserveCollateral),
		priceCumulative:   new(uint256.Int).Set(p.priceCumulative),
		lpSupply:          new(uint256.Int).Set(p.lpSupply),
		timestampLast:     p.timestampLast,
		lpBalances:        make(map[common.Address]*uint256.Int, len(p.lpBalances)),
	}
	for k, v := range p.lpBalances {
		saved.lpBalances[k] = new(uint256.Int).Set(v)
	}
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.reserveToken = saved.reserveToken
		p.reserveCollateral = saved.reserveCollateral
		p.priceCumulative = saved.priceCumulative
		p.lpSupply = saved.lpSupply
		p.timestampLast = saved.timestampLast
		p.lpBalances = saved.lpBalances
	}
}

var (
	_ host.DEX          = (*Pool)(nil)
	_ host.PoolSource   = (*Pool)(nil)
	_ host.Checkpointer = (*Pool)(nil)
)
