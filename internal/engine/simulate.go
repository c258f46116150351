package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"peg-stabilizer/internal/config"
	"peg-stabilizer/internal/events"
	"peg-stabilizer/internal/faults"
	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/keeper"
	"peg-stabilizer/internal/sim"
	"peg-stabilizer/internal/storage"
)

// Simulated market participants.
var (
	LiquidityProvider = common.HexToAddress("0x000000000000000000000000000000000000001f")
	NoiseTrader       = common.HexToAddress("0x0000000000000000000000000000000000007ade")
	Arbitrageur       = common.HexToAddress("0x000000000000000000000000000000000000a7b0")
)

// NewSimHost seeds a simulated market and funds the reserve and the arbitrageur.
func NewSimHost(ctx context.Context, simCfg config.SimulationConfig, protocol config.ProtocolConfig) (*sim.Host, error) {
	h, err := sim.NewHost(ctx, sim.HostConfig{
		Start:             simCfg.Start,
		TokenReserve:      simCfg.TokenReserve,
		CollateralReserve: simCfg.CollateralReserve,
		TotalBonded:       orZero(simCfg.TotalBonded),
		LiquidityProvider: LiquidityProvider,
	})
	if err != nil {
		return nil, fmt.Errorf("seed simulated market: %w", err)
	}
	if simCfg.ReserveBalance != nil && !simCfg.ReserveBalance.IsZero() {
		if err := h.Collateral.Mint(ctx, protocol.Accounts.Reserve, simCfg.ReserveBalance); err != nil {
			return nil, fmt.Errorf("fund reserve: %w", err)
		}
	}
	if simCfg.ArbitrageurFunds != nil && !simCfg.ArbitrageurFunds.IsZero() {
		if err := h.Collateral.Mint(ctx, Arbitrageur, simCfg.ArbitrageurFunds); err != nil {
			return nil, fmt.Errorf("fund arbitrageur: %w", err)
		}
	}
	return h, nil
}

// Summary describes a finished simulation.
type Summary struct {
	Start, End          time.Time
	Steps               int
	Errors              int
	Actions             map[string]int
	Events              map[events.Kind]int
	StartPrice          decimal.Decimal
	EndPrice            decimal.Decimal
	MinPrice            decimal.Decimal
	MaxPrice            decimal.Decimal
	Supply              decimal.Decimal
	ReserveBalance      decimal.Decimal
	ReserveRatio        decimal.Decimal
	SkewBps             uint64
	Auctions            uint64
	ArbitrageurSpent    decimal.Decimal
	ArbitrageurClaimed  decimal.Decimal
	BondingDistributed  decimal.Decimal
	BondingDistribution int
}

// Simulator replays the keeper loop against a simulated market on a virtual clock.
type Simulator struct {
	cfg            config.SimulationConfig
	Host           *sim.Host
	Engine         *Engine
	Store          *storage.MemoryStore
	keeper         *keeper.Keeper
	trader         *sim.Trader
	recorder       *events.Recorder
	stepSeconds    uint64
	stabilizeEvery int
	spent          *uint256.Int
	claimed        *uint256.Int
	logger         zerolog.Logger
}

// NewSimulator builds a fresh market and engine from cfg. sink also receives every
// committed event.
func NewSimulator(ctx context.Context, cfg *config.Config, sink events.Sink, logger zerolog.Logger) (*Simulator, error) {
	simCfg := cfg.Simulation
	if simCfg.Step < time.Second {
		return nil, errors.New("simulation.step must be at least one second")
	}
	h, err := NewSimHost(ctx, simCfg, cfg.Protocol)
	if err != nil {
		return nil, err
	}
	recorder := &events.Recorder{}
	eng, err := Build(cfg.Protocol, SimHost(h), events.Fanout{recorder, sink}, logger)
	if err != nil {
		return nil, err
	}
	store := storage.NewMemoryStore()
	k, err := keeper.New(keeper.Options{Caller: cfg.Protocol.Accounts.Keeper}, keeper.Deps{
		Tracker: eng.Controller,
		Samples: store,
	}, logger)
	if err != nil {
		return nil, err
	}

	every := int(cfg.Scheduler.StabilizeInterval / simCfg.Step)
	if every < 1 {
		every = 1
	}
	return &Simulator{
		cfg:            simCfg,
		Host:           h,
		Engine:         eng,
		Store:          store,
		keeper:         k,
		trader:         sim.NewTrader(h, NoiseTrader, simCfg.Seed),
		recorder:       recorder,
		stepSeconds:    uint64(simCfg.Step / time.Second),
		stabilizeEvery: every,
		spent:          fixed.Zero(),
		claimed:        fixed.Zero(),
		logger:         logger.With().Str("component", "simulator").Logger(),
	}, nil
}

// Run advances the virtual clock step by step: the noise trader shocks the pool, the
// keeper tracks or stabilizes, then the arbitrageur works any open auction.
func (s *Simulator) Run(ctx context.Context) (Summary, error) {
	steps := int(s.cfg.Duration / s.cfg.Step)
	if err := s.keeper.TrackBucket(ctx, s.bucket()); err != nil {
		return Summary{}, fmt.Errorf("initial track: %w", err)
	}

	errCount := 0
	for i := 1; i <= steps; i++ {
		if err := ctx.Err(); err != nil {
			return Summary{}, err
		}
		s.Host.Clock.Advance(s.stepSeconds)
		if _, err := s.trader.Shock(ctx, s.cfg.ShockBps); err != nil {
			return Summary{}, fmt.Errorf("step %d: shock: %w", i, err)
		}

		bucket := s.bucket()
		var err error
		if i%s.stabilizeEvery == 0 {
			err = s.keeper.StabilizeBucket(ctx, bucket)
		} else {
			err = s.keeper.TrackBucket(ctx, bucket)
		}
		if err != nil {
			errCount++
			s.logger.Debug().Err(err).Int("step", i).Msg("keeper step failed")
		}
		if err := s.arbitrage(ctx); err != nil {
			return Summary{}, fmt.Errorf("step %d: arbitrage: %w", i, err)
		}
	}

	summary, err := s.summarize(ctx)
	if err != nil {
		return Summary{}, err
	}
	summary.Steps = steps
	summary.Errors = errCount
	return summary, nil
}

// Samples returns every recorded sample in time order.
func (s *Simulator) Samples(ctx context.Context) ([]storage.PoolSample, error) {
	return s.Store.ListSamplesBetween(ctx, time.Unix(0, 0), s.bucket().Add(time.Second), 0)
}

func (s *Simulator) bucket() time.Time {
	return time.Unix(int64(s.Host.Clock.Now()), 0).UTC()
}

// arbitrage pledges into an auction priced under target and claims whatever has been
// replenished. Precondition failures are expected races and are ignored.
func (s *Simulator) arbitrage(ctx context.Context) error {
	ctrl := s.Engine.Controller
	if a, ok := ctrl.ActiveAuction(); ok {
		price, err := ctrl.AuctionPrice(a.ID)
		if err == nil && price.Lt(ctrl.PriceTarget()) {
			balance, err := s.Host.Collateral.BalanceOf(ctx, Arbitrageur)
			if err != nil {
				return err
			}
			amount := fixed.Min(balance, a.Remaining())
			if !amount.IsZero() {
				receipt, err := ctrl.PurchaseArbitrageToken(ctx, Arbitrageur, amount)
				switch {
				case err == nil:
					s.spent.Add(s.spent, receipt.Accepted)
				case !faults.IsPrecondition(err):
					return err
				}
			}
		}
	}

	for id := uint64(0); id < ctrl.AuctionCount(); id++ {
		pos, err := ctrl.AccountPosition(id, Arbitrageur)
		if err != nil || pos.Claimable == nil || pos.Claimable.IsZero() {
			continue
		}
		paid, err := ctrl.ClaimArbitrage(ctx, Arbitrageur, id)
		switch {
		case err == nil:
			s.claimed.Add(s.claimed, paid)
		case !faults.IsPrecondition(err):
			return err
		}
	}
	return nil
}

func (s *Simulator) summarize(ctx context.Context) (Summary, error) {
	ctrl := s.Engine.Controller
	samples, err := s.Samples(ctx)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		Actions: make(map[string]int),
		Events:  make(map[events.Kind]int),
	}
	for i, sample := range samples {
		price := sample.SpotPrice
		if sample.SmoothedPrice != nil {
			price = *sample.SmoothedPrice
		}
		if i == 0 {
			summary.Start = sample.Timestamp
			summary.StartPrice, summary.MinPrice, summary.MaxPrice = price, price, price
		}
		summary.End = sample.Timestamp
		summary.EndPrice = price
		if price.LessThan(summary.MinPrice) {
			summary.MinPrice = price
		}
		if price.GreaterThan(summary.MaxPrice) {
			summary.MaxPrice = price
		}
		switch {
		case sample.Action != "":
			summary.Actions[sample.Action]++
		case sample.Status != storage.StatusOK:
			summary.Actions[sample.Status]++
		}
	}
	for _, kind := range s.recorder.Kinds() {
		summary.Events[kind]++
	}

	supply, err := s.Host.Token.TotalSupply(ctx)
	if err != nil {
		return Summary{}, err
	}
	status, err := ctrl.ReserveStatus(ctx)
	if err != nil {
		return Summary{}, err
	}
	distributed, count := s.Host.Bonding.Distributed()

	summary.Supply = fixed.ToDecimal(supply)
	summary.ReserveBalance = fixed.ToDecimal(status.Balance)
	summary.ReserveRatio = fixed.ToDecimal(status.Ratio)
	summary.SkewBps = ctrl.SkewBps()
	summary.Auctions = ctrl.AuctionCount()
	summary.ArbitrageurSpent = fixed.ToDecimal(s.spent)
	summary.ArbitrageurClaimed = fixed.ToDecimal(s.claimed)
	summary.BondingDistributed = fixed.ToDecimal(distributed)
	summary.BondingDistribution = count
	return summary, nil
}

// PaperMarket keeps a simulated market in step with wall-clock time so the keeper can
// run against it live. Each refresh applies one noise trade.
type PaperMarket struct {
	mu       sync.Mutex
	host     *sim.Host
	trader   *sim.Trader
	shockBps uint64
	now      func() time.Time
}

func NewPaperMarket(h *sim.Host, seed int64, shockBps uint64) *PaperMarket {
	return &PaperMarket{host: h, trader: sim.NewTrader(h, NoiseTrader, seed), shockBps: shockBps, now: time.Now}
}

// Refresh moves the virtual clock forward to now; it never moves it back.
func (p *PaperMarket) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now := uint64(p.now().Unix()); now > p.host.Clock.Now() {
		p.host.Clock.Set(now)
	}
	_, err := p.trader.Shock(ctx, p.shockBps)
	return err
}

func orZero(x *uint256.Int) *uint256.Int {
	if x == nil {
		return fixed.Zero()
	}
	return x
}

var _ keeper.Refresher = (*PaperMarket)(nil)
