package stabilizer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"peg-stabilizer/internal/access"
	"peg-stabilizer/internal/events"
	"peg-stabilizer/internal/fixed"
)

// admin applies a parameter change for an admin caller. The change is validated as a
// whole and reverted if it leaves the params invalid.
func (c *Controller) admin(ctx context.Context, caller common.Address, name, value string, apply func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transact(ctx, "set_"+name, func(j *events.Journal) error {
		if err := access.Require(c.deps.Policy, access.AdminRole, caller); err != nil {
			return err
		}
		if err := apply(); err != nil {
			return err
		}
		if err := c.params.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		j.Emit(events.New(events.ParameterChanged, c.deps.Clock.Now()).
			With("name", name).
			With("value", value).
			With("caller", caller.Hex()))
		return nil
	})
}

func (c *Controller) SetCooldown(ctx context.Context, caller common.Address, seconds uint64) error {
	return c.admin(ctx, caller, "cooldown_seconds", strconv.FormatUint(seconds, 10), func() error {
		c.params.CooldownSeconds = seconds
		return nil
	})
}

func (c *Controller) SetRewardCuts(ctx context.Context, caller common.Address, cuts RewardCuts) error {
	value := fmt.Sprintf("%d/%d/%d/%d", cuts.DAO, cuts.LP, cuts.Treasury, cuts.Caller)
	return c.admin(ctx, caller, "cuts", value, func() error {
		c.params.Cuts = cuts
		return nil
	})
}

// SetThresholds sets the band around peg.
func (c *Controller) SetThresholds(ctx context.Context, caller common.Address, upperBps, lowerBps uint64) error {
	return c.admin(ctx, caller, "thresholds", fmt.Sprintf("%d/%d", upperBps, lowerBps), func() error {
		c.params.UpperThresholdBps, c.params.LowerThresholdBps = upperBps, lowerBps
		return nil
	})
}

// SetOverrideThresholds sets the cooldown bypass deviations.
func (c *Controller) SetOverrideThresholds(ctx context.Context, caller common.Address, upperBps, lowerBps uint64) error {
	return c.admin(ctx, caller, "override_thresholds", fmt.Sprintf("%d/%d", upperBps, lowerBps), func() error {
		c.params.UpperOverrideBps, c.params.LowerOverrideBps = upperBps, lowerBps
		return nil
	})
}

func (c *Controller) SetAnnualYield(ctx context.Context, caller common.Address, bps uint64) error {
	return c.admin(ctx, caller, "annual_yield_bps", strconv.FormatUint(bps, 10), func() error {
		c.params.AnnualYieldBps = bps
		return nil
	})
}

func (c *Controller) SetCallerRewardFloor(ctx context.Context, caller common.Address, floor *uint256.Int) error {
	return c.admin(ctx, caller, "caller_reward_floor", fixed.Format(floor), func() error {
		c.params.CallerRewardFloor = fixed.Clone(floor)
		return nil
	})
}

func (c *Controller) SetAuctionSchedule(ctx context.Context, caller common.Address, duration, endDiscountBps uint64) error {
	return c.admin(ctx, caller, "auction_schedule", fmt.Sprintf("%ds/%d", duration, endDiscountBps), func() error {
		c.params.AuctionDuration, c.params.AuctionEndDiscountBps = duration, endDiscountBps
		return nil
	})
}

func (c *Controller) SetReserveMinRatio(ctx context.Context, caller common.Address, ratio *uint256.Int) error {
	return c.admin(ctx, caller, "reserve_min_ratio", fixed.Format(ratio), func() error {
		return c.state.Reserve.SetMinRatio(caller, ratio)
	})
}

func (c *Controller) SetSkewBounds(ctx context.Context, caller common.Address, floor, ceiling, step uint64) error {
	return c.admin(ctx, caller, "skew_bounds", fmt.Sprintf("%d/%d/%d", floor, ceiling, step), func() error {
		return c.state.Skew.SetBounds(caller, floor, ceiling, step)
	})
}
