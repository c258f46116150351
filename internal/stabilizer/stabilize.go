package stabilizer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"peg-stabilizer/internal/access"
	"peg-stabilizer/internal/auction"
	"peg-stabilizer/internal/events"
	"peg-stabilizer/internal/fixed"
)

// Action is the branch a stabilize call took.
type Action string

const (
	ActionInBand      Action = "in_band"
	ActionExpansion   Action = "expansion"
	ActionContraction Action = "contraction"
)

// Distribution is where expansion rewards went, in collateral.
type Distribution struct {
	ReserveSkim  *uint256.Int
	ArbAllocated *uint256.Int
	DAO          *uint256.Int
	LP           *uint256.Int
	Treasury     *uint256.Int
	Caller       *uint256.Int
	// CallerTopUp is in freshly minted tokens.
	CallerTopUp *uint256.Int
}

// Report describes one stabilize call.
type Report struct {
	Timestamp   uint64
	Price       *uint256.Int
	Action      Action
	Overrode    bool
	YieldMinted *uint256.Int
	// Expansion
	Minted       *uint256.Int
	Rewards      *uint256.Int
	Distribution Distribution
	// Contraction
	CollateralNeeded *uint256.Int
	ReserveBurned    *uint256.Int
	TokensBurned     *uint256.Int
	AuctionID        uint64
	AuctionCreated   bool
	AuctionContinued bool
}

func newReport(now uint64, price *uint256.Int) Report {
	z := fixed.Zero
	return Report{
		Timestamp:   now,
		Price:       price,
		YieldMinted: z(),
		Minted:      z(),
		Rewards:     z(),
		Distribution: Distribution{
			ReserveSkim: z(), ArbAllocated: z(), DAO: z(), LP: z(), Treasury: z(), Caller: z(), CallerTopUp: z(),
		},
		CollateralNeeded: z(),
		ReserveBurned:    z(),
		TokensBurned:     z(),
	}
}

// Stabilize tracks the pool, then mints, burns or auctions toward peg depending on the
// smoothed price. Calls inside the cooldown fail unless the price is far enough off peg.
func (c *Controller) Stabilize(ctx context.Context, caller common.Address) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var report Report
	err := c.transact(ctx, "stabilize", func(j *events.Journal) error {
		var err error
		report, err = c.stabilize(ctx, caller, j)
		return err
	})
	if err != nil {
		return Report{}, err
	}
	c.logger.Info().
		Str("action", string(report.Action)).
		Str("price", fixed.Format(report.Price)).
		Bool("override", report.Overrode).
		Str("minted", fixed.Format(report.Minted)).
		Str("reserve_burned", fixed.Format(report.ReserveBurned)).
		Bool("auction_created", report.AuctionCreated).
		Msg("stabilized")
	return report, nil
}

func (c *Controller) stabilize(ctx context.Context, caller common.Address, j *events.Journal) (Report, error) {
	if err := access.Require(c.deps.Policy, access.KeeperRole, caller); err != nil {
		return Report{}, err
	}
	if err := c.state.Lab.Track(ctx); err != nil {
		return Report{}, fmt.Errorf("track: %w", err)
	}
	price, err := c.state.Lab.SmoothedPrice(c.params.PriceLookback)
	if err != nil {
		return Report{}, fmt.Errorf("smoothed price: %w", err)
	}
	now := c.deps.Clock.Now()
	report := newReport(now, price)

	target := c.state.Lab.PriceTarget()
	override, err := c.overrides(price, target)
	if err != nil {
		return Report{}, err
	}
	last := c.state.LastCallTime
	if last != 0 && now < last+c.params.CooldownSeconds {
		if !override {
			return Report{}, fmt.Errorf("%w: next call at %d", ErrCooldown, last+c.params.CooldownSeconds)
		}
		report.Overrode = true
	}

	if _, err := c.finalizeExpired(ctx, j); err != nil {
		return Report{}, err
	}

	lower, upper, err := c.band(target)
	if err != nil {
		return Report{}, err
	}
	switch {
	case price.Gt(upper):
		report.Action = ActionExpansion
		err = c.expand(ctx, caller, price, target, &report, j)
	case price.Lt(lower):
		report.Action = ActionContraction
		err = c.contract(ctx, price, target, &report, j)
	default:
		report.Action = ActionInBand
		err = c.mintYield(ctx, now, last, &report, j)
	}
	if err != nil {
		return Report{}, err
	}

	c.state.LastCallTime = now
	j.Emit(events.New(events.Stabilized, now).
		With("action", string(report.Action)).
		WithAmount("price", price).
		With("override", strconv.FormatBool(report.Overrode)).
		With("caller", caller.Hex()))
	return report, nil
}

func (c *Controller) band(target *uint256.Int) (lower, upper *uint256.Int, err error) {
	down, err := fixed.Bps(target, c.params.LowerThresholdBps)
	if err != nil {
		return nil, nil, err
	}
	up, err := fixed.Bps(target, c.params.UpperThresholdBps)
	if err != nil {
		return nil, nil, err
	}
	upper, err = fixed.Add(target, up)
	if err != nil {
		return nil, nil, err
	}
	return fixed.SubFloor(target, down), upper, nil
}

// overrides reports whether price is far enough from target to skip the cooldown.
func (c *Controller) overrides(price, target *uint256.Int) (bool, error) {
	up, err := fixed.Bps(target, fixed.BasisPoints+c.params.UpperOverrideBps)
	if err != nil {
		return false, err
	}
	down, err := fixed.Bps(target, fixed.BasisPoints-c.params.LowerOverrideBps)
	if err != nil {
		return false, err
	}
	return !price.Lt(up) || !price.Gt(down), nil
}

// mintYield mints the bonded pool's prorated annual yield for the time since the last
// call. The first call accrues nothing.
func (c *Controller) mintYield(ctx context.Context, now, last uint64, report *Report, j *events.Journal) error {
	if last == 0 || now <= last || c.params.AnnualYieldBps == 0 {
		return nil
	}
	bonded, err := c.deps.Bonding.TotalBonded(ctx)
	if err != nil {
		return fmt.Errorf("total bonded: %w", err)
	}
	rate := new(uint256.Int).Mul(uint256.NewInt(c.params.AnnualYieldBps), uint256.NewInt(now-last))
	yield, err := fixed.MulDiv(bonded, rate, uint256.NewInt(fixed.BasisPoints*SecondsPerYear))
	if err != nil {
		return err
	}
	if yield.IsZero() {
		return nil
	}
	if err := c.verifiedMint(ctx, c.accounts.RewardPool, yield); err != nil {
		return err
	}
	if err := c.deps.Bonding.DistributeReward(ctx, yield); err != nil {
		return fmt.Errorf("distribute yield: %w", err)
	}
	report.YieldMinted = yield
	j.Emit(events.New(events.YieldMinted, now).
		WithAmount("amount", yield).
		WithAmount("bonded", bonded).
		With("elapsed", strconv.FormatUint(now-last, 10)))
	return nil
}

// expand sells freshly minted tokens into the pair until spot returns to target, then
// splits the collateral raised.
func (c *Controller) expand(ctx context.Context, caller common.Address, price, target *uint256.Int, report *Report, j *events.Journal) error {
	now := report.Timestamp
	tokenReserve, collateralReserve, err := c.deps.DEX.Reserves(ctx)
	if err != nil {
		return fmt.Errorf("dex reserves: %w", err)
	}
	// x*y=k at price target: x' = sqrt(x*y*1e18/target)
	k, err := fixed.Mul(tokenReserve, collateralReserve)
	if err != nil {
		return err
	}
	scaled, err := fixed.MulDiv(k, fixed.One(), target)
	if err != nil {
		return err
	}
	pegReserve := fixed.Sqrt(scaled)
	if !pegReserve.Gt(tokenReserve) {
		c.logger.Debug().Msg("spot already at or below peg; nothing to mint")
		return nil
	}
	tradeSize := new(uint256.Int).Sub(pegReserve, tokenReserve)

	supply, err := c.deps.Token.TotalSupply(ctx)
	if err != nil {
		return fmt.Errorf("total supply: %w", err)
	}
	maxMint, err := fixed.Bps(supply, c.params.MaxSupplyExpansionBps)
	if err != nil {
		return err
	}
	tradeSize = fixed.Min(tradeSize, maxMint)
	if tradeSize.IsZero() {
		return nil
	}

	self := c.accounts.Self
	if err := c.verifiedMint(ctx, self, tradeSize); err != nil {
		return err
	}
	rewards, err := c.deps.DEX.SellToken(ctx, self, tradeSize)
	if err != nil {
		return fmt.Errorf("sell minted supply: %w", err)
	}
	report.Minted = tradeSize
	report.Rewards = rewards

	skim, err := c.reserveSkim(ctx, rewards)
	if err != nil {
		return err
	}
	if !skim.IsZero() {
		if err := c.state.Reserve.Deposit(ctx, self, skim); err != nil {
			return err
		}
		j.Emit(events.New(events.ReserveTopUp, now).WithAmount("amount", skim))
	}
	report.Distribution.ReserveSkim = skim

	remaining := new(uint256.Int).Sub(rewards, skim)
	leftover, allocations, err := c.state.Auctions.AllocateArbRewards(ctx, self, remaining)
	if err != nil {
		return err
	}
	report.Distribution.ArbAllocated = new(uint256.Int).Sub(remaining, leftover)
	for _, a := range allocations {
		j.Emit(events.New(events.RewardDistributed, now).
			With("recipient", "arbitrage").
			With("auction_id", strconv.FormatUint(a.AuctionID, 10)).
			WithAmount("amount", a.Amount))
	}

	if err := c.distribute(ctx, caller, leftover, price, report, j); err != nil {
		return err
	}

	j.Emit(events.New(events.SupplyExpanded, now).
		WithAmount("minted", tradeSize).
		WithAmount("rewards", rewards).
		WithAmount("reserve_skim", skim).
		WithAmount("arbitrage", report.Distribution.ArbAllocated))
	return nil
}

// reserveSkim is the share of rewards diverted to the reserve: nothing at or above a
// 100% ratio, up to MaxReserveSkimBps below the minimum ratio, ReserveSkimBps otherwise,
// never more than the deficit being closed.
func (c *Controller) reserveSkim(ctx context.Context, rewards *uint256.Int) (*uint256.Int, error) {
	r := c.state.Reserve
	ratio, _, err := r.ReserveRatio(ctx)
	if err != nil {
		return nil, err
	}
	if !ratio.Lt(fixed.One()) {
		return fixed.Zero(), nil
	}
	hasMin, err := r.HasMinimumReserves(ctx)
	if err != nil {
		return nil, err
	}
	var deficit *uint256.Int
	bps := c.params.ReserveSkimBps
	if hasMin {
		deficit, err = r.DeficitAt(ctx, fixed.One())
	} else {
		deficit, err = r.CollateralDeficit(ctx)
		bps = c.params.MaxReserveSkimBps
	}
	if err != nil {
		return nil, err
	}
	share, err := fixed.Bps(rewards, bps)
	if err != nil {
		return nil, err
	}
	return fixed.Min(share, deficit), nil
}

// distribute splits amount by the reward cuts. The LP cut takes the rounding dust and
// goes to the bonding pool.
func (c *Controller) distribute(ctx context.Context, caller common.Address, amount, price *uint256.Int, report *Report, j *events.Journal) error {
	now := report.Timestamp
	cuts := c.params.Cuts
	total := uint256.NewInt(cuts.total())
	share := func(weight uint64) (*uint256.Int, error) {
		return fixed.MulDiv(amount, uint256.NewInt(weight), total)
	}
	dao, err := share(cuts.DAO)
	if err != nil {
		return err
	}
	treasury, err := share(cuts.Treasury)
	if err != nil {
		return err
	}
	callerCut, err := share(cuts.Caller)
	if err != nil {
		return err
	}
	lp := new(uint256.Int).Sub(amount, dao)
	lp.Sub(lp, treasury)
	lp.Sub(lp, callerCut)

	self := c.accounts.Self
	payouts := []struct {
		name string
		to   common.Address
		amt  *uint256.Int
	}{
		{"dao", c.accounts.DAO, dao},
		{"treasury", c.accounts.Treasury, treasury},
		{"caller", caller, callerCut},
		{"lp", c.accounts.RewardPool, lp},
	}
	for _, p := range payouts {
		if p.amt.IsZero() {
			continue
		}
		if err := c.deps.Collateral.Transfer(ctx, self, p.to, p.amt); err != nil {
			return fmt.Errorf("pay %s cut: %w", p.name, err)
		}
		j.Emit(events.New(events.RewardDistributed, now).
			With("recipient", p.name).
			With("account", p.to.Hex()).
			WithAmount("amount", p.amt))
	}
	if !lp.IsZero() {
		if err := c.deps.Bonding.DistributeReward(ctx, lp); err != nil {
			return fmt.Errorf("distribute lp reward: %w", err)
		}
	}
	report.Distribution.DAO = dao
	report.Distribution.Treasury = treasury
	report.Distribution.Caller = callerCut
	report.Distribution.LP = lp

	floor := c.params.CallerRewardFloor
	if callerCut.Lt(floor) && !price.IsZero() {
		gap := new(uint256.Int).Sub(floor, callerCut)
		topUp, err := fixed.DivFixed(gap, price)
		if err != nil {
			return err
		}
		if !topUp.IsZero() {
			if err := c.verifiedMint(ctx, caller, topUp); err != nil {
				return err
			}
			report.Distribution.CallerTopUp = topUp
			j.Emit(events.New(events.RewardDistributed, now).
				With("recipient", "caller_top_up").
				With("account", caller.Hex()).
				WithAmount("tokens", topUp))
		}
	}
	return nil
}

// contract buys and burns until spot returns to target: from the reserve's spare
// capacity first, then through an auction for the rest.
func (c *Controller) contract(ctx context.Context, price, target *uint256.Int, report *Report, j *events.Journal) error {
	now := report.Timestamp
	tokenReserve, collateralReserve, err := c.deps.DEX.Reserves(ctx)
	if err != nil {
		return fmt.Errorf("dex reserves: %w", err)
	}
	// x*y=k at price target: y' = sqrt(x*y*target/1e18)
	k, err := fixed.Mul(tokenReserve, collateralReserve)
	if err != nil {
		return err
	}
	scaled, err := fixed.MulDiv(k, target, fixed.One())
	if err != nil {
		return err
	}
	pegReserve := fixed.Sqrt(scaled)
	if !pegReserve.Gt(collateralReserve) {
		c.logger.Debug().Msg("spot already at or above peg; nothing to burn")
		return nil
	}
	needed := new(uint256.Int).Sub(pegReserve, collateralReserve)
	report.CollateralNeeded = needed

	self := c.accounts.Self
	capacity, err := c.state.Reserve.Capacity(ctx)
	if err != nil {
		return err
	}
	direct := fixed.Min(needed, capacity)
	if !direct.IsZero() {
		burned, err := c.state.Reserve.PurchaseAndBurn(ctx, self, direct)
		if err != nil {
			return err
		}
		report.ReserveBurned = direct
		report.TokensBurned = burned
		j.Emit(events.New(events.ReserveBurn, now).
			WithAmount("collateral", direct).
			WithAmount("burned", burned))
	}

	shortfall := new(uint256.Int).Sub(needed, direct)
	if shortfall.IsZero() {
		return nil
	}
	if active, ok := c.state.Auctions.ActiveAuction(); ok {
		report.AuctionID = active.ID
		report.AuctionContinued = true
		return nil
	}
	return c.openAuction(ctx, price, target, shortfall, report, j)
}

func (c *Controller) openAuction(ctx context.Context, price, target, raise *uint256.Int, report *Report, j *events.Journal) error {
	now := report.Timestamp
	self := c.accounts.Self

	pledge, err := c.state.Skew.PrePledge(raise)
	if err != nil {
		return err
	}
	balance, err := c.state.Reserve.Balance(ctx)
	if err != nil {
		return err
	}
	pledge = fixed.Min(pledge, balance)
	pledgeBurned := fixed.Zero()
	if !pledge.IsZero() {
		pledgeBurned, err = c.state.Reserve.PurchaseAndBurn(ctx, self, pledge)
		if err != nil {
			return err
		}
		report.ReserveBurned = new(uint256.Int).Add(report.ReserveBurned, pledge)
		report.TokensBurned = new(uint256.Int).Add(report.TokensBurned, pledgeBurned)
		j.Emit(events.New(events.ReserveBurn, now).
			With("purpose", "auction_pre_pledge").
			WithAmount("collateral", pledge).
			WithAmount("burned", pledgeBurned))
	}

	endPrice, err := fixed.Bps(price, fixed.BasisPoints-c.params.AuctionEndDiscountBps)
	if err != nil {
		return err
	}
	endPrice = fixed.Min(endPrice, target)
	if endPrice.IsZero() {
		endPrice = fixed.Raw(1)
	}
	a, err := c.state.Auctions.Create(ctx, self, auction.CreateParams{
		TargetRaise:   raise,
		Duration:      c.params.AuctionDuration,
		StartPrice:    target,
		EndPrice:      endPrice,
		ReservePledge: pledge,
		ReserveBurned: pledgeBurned,
	})
	if err != nil {
		return fmt.Errorf("create auction: %w", err)
	}
	report.AuctionID = a.ID
	report.AuctionCreated = true
	j.Emit(events.New(events.AuctionCreated, now).
		With("auction_id", strconv.FormatUint(a.ID, 10)).
		WithAmount("raise", raise).
		WithAmount("reserve_pledge", pledge).
		WithAmount("start_price", a.StartingPrice).
		WithAmount("end_price", a.EndingPrice).
		With("end_time", strconv.FormatUint(a.EndTime, 10)))
	if a.Finalized {
		c.afterFinalize(a.ID, true, a.FinalPrice, now, j)
	}
	return nil
}
