package stabilizer

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"peg-stabilizer/internal/fixed"
)

// SecondsPerYear prorates the annual yield.
const SecondsPerYear = 31_536_000

// RewardCuts split expansion rewards. They are weights; the split divides by their sum.
type RewardCuts struct {
	DAO      uint64 `mapstructure:"dao"`
	LP       uint64 `mapstructure:"lp"`
	Treasury uint64 `mapstructure:"treasury"`
	Caller   uint64 `mapstructure:"caller"`
}

func (c RewardCuts) total() uint64 { return c.DAO + c.LP + c.Treasury + c.Caller }

// Params is the controller's policy. Every bps value is out of 10000.
type Params struct {
	CooldownSeconds uint64 `mapstructure:"cooldown_seconds"`
	// PriceLookback is the smoothing window for the peg decision.
	PriceLookback uint64 `mapstructure:"price_lookback"`
	// UpperThresholdBps and LowerThresholdBps bound the band around peg inside which
	// nothing but yield happens.
	UpperThresholdBps uint64 `mapstructure:"upper_threshold_bps"`
	LowerThresholdBps uint64 `mapstructure:"lower_threshold_bps"`
	// Deviations at least this far above or below peg bypass the cooldown.
	UpperOverrideBps uint64 `mapstructure:"upper_override_bps"`
	LowerOverrideBps uint64 `mapstructure:"lower_override_bps"`

	AnnualYieldBps        uint64 `mapstructure:"annual_yield_bps"`
	MaxSupplyExpansionBps uint64 `mapstructure:"max_supply_expansion_bps"`
	// ReserveSkimBps applies between the minimum ratio and 100%; MaxReserveSkimBps
	// below the minimum.
	ReserveSkimBps    uint64       `mapstructure:"reserve_skim_bps"`
	MaxReserveSkimBps uint64       `mapstructure:"max_reserve_skim_bps"`
	Cuts              RewardCuts   `mapstructure:"cuts"`
	CallerRewardFloor *uint256.Int `mapstructure:"caller_reward_floor"`

	AuctionDuration       uint64 `mapstructure:"auction_duration"`
	AuctionEndDiscountBps uint64 `mapstructure:"auction_end_discount_bps"`
}

// DefaultParams mirrors the reference deployment.
func DefaultParams() Params {
	return Params{
		CooldownSeconds:       1_800,
		PriceLookback:         600,
		UpperThresholdBps:     100,
		LowerThresholdBps:     100,
		UpperOverrideBps:      2_000,
		LowerOverrideBps:      1_000,
		AnnualYieldBps:        1_000,
		MaxSupplyExpansionBps: 100,
		ReserveSkimBps:        1_000,
		MaxReserveSkimBps:     5_000,
		Cuts:                  RewardCuts{DAO: 0, LP: 930, Treasury: 20, Caller: 50},
		CallerRewardFloor:     fixed.FromUint(1),
		AuctionDuration:       600,
		AuctionEndDiscountBps: 1_000,
	}
}

// Validate checks ranges.
func (p Params) Validate() error {
	var errs []error
	bps := map[string]uint64{
		"upper_threshold_bps":      p.UpperThresholdBps,
		"lower_threshold_bps":      p.LowerThresholdBps,
		"lower_override_bps":       p.LowerOverrideBps,
		"max_supply_expansion_bps": p.MaxSupplyExpansionBps,
		"reserve_skim_bps":         p.ReserveSkimBps,
		"max_reserve_skim_bps":     p.MaxReserveSkimBps,
		"auction_end_discount_bps": p.AuctionEndDiscountBps,
	}
	for name, v := range bps {
		if v > fixed.BasisPoints {
			errs = append(errs, fmt.Errorf("%s must be <= %d", name, fixed.BasisPoints))
		}
	}
	if p.AuctionEndDiscountBps == fixed.BasisPoints {
		errs = append(errs, errors.New("auction_end_discount_bps must leave a positive end price"))
	}
	if p.LowerThresholdBps >= fixed.BasisPoints {
		errs = append(errs, errors.New("lower_threshold_bps must be below 10000"))
	}
	if p.UpperOverrideBps < p.UpperThresholdBps || p.LowerOverrideBps < p.LowerThresholdBps {
		errs = append(errs, errors.New("override thresholds must lie outside the band"))
	}
	if p.AuctionDuration == 0 {
		errs = append(errs, errors.New("auction_duration must be positive"))
	}
	if p.Cuts.total() == 0 {
		errs = append(errs, errors.New("reward cuts must not all be zero"))
	}
	return errors.Join(errs...)
}

func (p Params) clone() Params {
	p.CallerRewardFloor = fixed.Clone(p.CallerRewardFloor)
	return p
}

// Accounts are the protocol's own addresses.
type Accounts struct {
	// Self is the controller's account. It must hold the stabilizer and auction roles
	// and keeps arbitrage collateral until it is claimed.
	Self       common.Address
	DAO        common.Address
	Treasury   common.Address
	RewardPool common.Address
}
