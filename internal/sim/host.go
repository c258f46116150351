package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/host"
)

// Bonding is a stand-in for the LP staking ledger: it tracks bonded value and the
// rewards forwarded to it.
type Bonding struct {
	mu          sync.Mutex
	bonded      *uint256.Int
	distributed *uint256.Int
	rewards     int
}

func NewBonding(bonded *uint256.Int) *Bonding {
	return &Bonding{bonded: fixed.Clone(bonded), distributed: new(uint256.Int)}
}

func (b *Bonding) Bond(amount *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bonded.Add(b.bonded, amount)
}

func (b *Bonding) TotalBonded(context.Context) (*uint256.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(uint256.Int).Set(b.bonded), nil
}

func (b *Bonding) DistributeReward(_ context.Context, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.distributed.Add(b.distributed, amount)
	b.rewards++
	return nil
}

// Distributed is the total reward forwarded so far and the number of distributions.
func (b *Bonding) Distributed() (*uint256.Int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(uint256.Int).Set(b.distributed), b.rewards
}

func (b *Bonding) Checkpoint() func() {
	b.mu.Lock()
	bonded := new(uint256.Int).Set(b.bonded)
	distributed := new(uint256.Int).Set(b.distributed)
	rewards := b.rewards
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.bonded, b.distributed, b.rewards = bonded, distributed, rewards
	}
}

// HostConfig seeds a simulated market.
type HostConfig struct {
	Start             uint64
	TokenReserve      *uint256.Int
	CollateralReserve *uint256.Int
	TotalBonded       *uint256.Int
	LiquidityProvider common.Address
}

// Host bundles every simulated collaborator.
type Host struct {
	Clock      *Clock
	Token      *Ledger
	Collateral *Ledger
	Pool       *Pool
	Bonding    *Bonding
}

// NewHost mints the initial reserves to the provider and seeds the pair.
func NewHost(ctx context.Context, cfg HostConfig) (*Host, error) {
	clock := NewClock(cfg.Start)
	token := NewLedger("TOKEN")
	collateral := NewLedger("COLLATERAL")
	pool := NewPool(token, collateral, clock)
	h := &Host{
		Clock:      clock,
		Token:      token,
		Collateral: collateral,
		Pool:       pool,
		Bonding:    NewBonding(cfg.TotalBonded),
	}
	if cfg.TokenReserve == nil || cfg.CollateralReserve == nil {
		return h, nil
	}
	if err := token.Mint(ctx, cfg.LiquidityProvider, cfg.TokenReserve); err != nil {
		return nil, err
	}
	if err := collateral.Mint(ctx, cfg.LiquidityProvider, cfg.CollateralReserve); err != nil {
		return nil, err
	}
	if _, err := pool.AddLiquidity(ctx, cfg.LiquidityProvider, cfg.TokenReserve, cfg.CollateralReserve); err != nil {
		return nil, fmt.Errorf("seed pool: %w", err)
	}
	return h, nil
}

// Checkpointers lists the host parts that support rollback.
func (h *Host) Checkpointers() []host.Checkpointer {
	return []host.Checkpointer{h.Token, h.Collateral, h.Pool, h.Bonding}
}

// Trader moves the market with random-sized trades, funded from its own mints.
type Trader struct {
	Account common.Address
	host    *Host
	rng     *rand.Rand
}

func NewTrader(h *Host, account common.Address, seed int64) *Trader {
	return &Trader{Account: account, host: h, rng: rand.New(rand.NewSource(seed))}
}

// Shock trades up to maxBps of the relevant reserve in a random direction and returns
// the signed direction (+1 buy, -1 sell).
func (t *Trader) Shock(ctx context.Context, maxBps uint64) (int, error) {
	if maxBps == 0 {
		return 0, nil
	}
	bps := uint64(t.rng.Int63n(int64(maxBps))) + 1
	if t.rng.Intn(2) == 0 {
		return 1, t.Buy(ctx, bps)
	}
	return -1, t.Sell(ctx, bps)
}

// Buy spends bps of the collateral reserve on tokens.
func (t *Trader) Buy(ctx context.Context, bps uint64) error {
	_, collateral, err := t.host.Pool.Reserves(ctx)
	if err != nil {
		return err
	}
	amount, err := fixed.Bps(collateral, bps)
	if err != nil || amount.IsZero() {
		return err
	}
	if err := t.host.Collateral.Mint(ctx, t.Account, amount); err != nil {
		return err
	}
	_, err = t.host.Pool.BuyToken(ctx, t.Account, amount)
	return err
}

// Sell dumps bps of the token reserve.
func (t *Trader) Sell(ctx context.Context, bps uint64) error {
	token, _, err := t.host.Pool.Reserves(ctx)
	if err != nil {
		return err
	}
	amount, err := fixed.Bps(token, bps)
	if err != nil || amount.IsZero() {
		return err
	}
	if err := t.host.Token.Mint(ctx, t.Account, amount); err != nil {
		return err
	}
	_, err = t.host.Pool.SellToken(ctx, t.Account, amount)
	return err
}

var (
	_ host.BondingLedger = (*Bonding)(nil)
	_ host.Checkpointer  = (*Bonding)(nil)
)
