// Package reserve is the liquidity extension: a collateral buffer that funds buy-and-
// burn during contraction and is measured against the smoothed collateral reserves of
// the pair.
package reserve

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"peg-stabilizer/internal/access"
	"peg-stabilizer/internal/faults"
	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/host"
)

// RatioDecimals is the precision of every ratio this package returns.
const RatioDecimals uint8 = fixed.Decimals

var (
	ErrInsufficientReserve = faults.Precondition("reserve: amount exceeds balance")
	ErrZeroAmount          = faults.Precondition("reserve: zero amount")
)

// Lab supplies smoothed pool reserves.
type Lab interface {
	SmoothedReserves(lookback uint64) (token, collateral *uint256.Int, err error)
}

// Purchaser buys the token with collateral and burns it.
type Purchaser interface {
	PurchaseAndBurn(ctx context.Context, payer common.Address, collateral *uint256.Int) (*uint256.Int, error)
}

// Options configure a Buffer.
type Options struct {
	// Address holds the buffer's collateral.
	Address common.Address
	// MinRatio is the minimum reserve ratio, 1e18 = 100% of smoothed collateral reserves.
	MinRatio *uint256.Int
	// Lookback is the smoothing window for pool reserves.
	Lookback uint64
}

// Buffer reads its balance from the collateral ledger, so a rolled back ledger rolls the
// buffer back with it. Only MinRatio is owned state.
type Buffer struct {
	opts       Options
	lab        Lab
	collateral host.Collateral
	burner     Purchaser
	policy     access.Policy
	logger     zerolog.Logger
}

func New(opts Options, lab Lab, collateral host.Collateral, burner Purchaser, policy access.Policy, logger zerolog.Logger) (*Buffer, error) {
	if opts.MinRatio == nil {
		return nil, errors.New("reserve: min ratio is required")
	}
	if lab == nil || collateral == nil || burner == nil {
		return nil, errors.New("reserve: lab, collateral and burner are required")
	}
	opts.MinRatio = fixed.Clone(opts.MinRatio)
	return &Buffer{
		opts:       opts,
		lab:        lab,
		collateral: collateral,
		burner:     burner,
		policy:     policy,
		logger:     logger.With().Str("component", "reserve").Logger(),
	}, nil
}

func (b *Buffer) Address() common.Address { return b.opts.Address }

func (b *Buffer) MinRatio() *uint256.Int { return fixed.Clone(b.opts.MinRatio) }

// Balance is the collateral currently held.
func (b *Buffer) Balance(ctx context.Context) (*uint256.Int, error) {
	bal, err := b.collateral.BalanceOf(ctx, b.opts.Address)
	if err != nil {
		return nil, fmt.Errorf("reserve balance: %w", err)
	}
	return bal, nil
}

func (b *Buffer) smoothedCollateral() (*uint256.Int, error) {
	_, collateral, err := b.lab.SmoothedReserves(b.opts.Lookback)
	if err != nil {
		return nil, fmt.Errorf("smoothed reserves: %w", err)
	}
	return collateral, nil
}

// ReserveRatio is balance / smoothed collateral reserves. It is zero when the pool has
// no smoothed reserves.
func (b *Buffer) ReserveRatio(ctx context.Context) (*uint256.Int, uint8, error) {
	balance, err := b.Balance(ctx)
	if err != nil {
		return nil, RatioDecimals, err
	}
	pooled, err := b.smoothedCollateral()
	if err != nil {
		return nil, RatioDecimals, err
	}
	if pooled.IsZero() {
		return fixed.Zero(), RatioDecimals, nil
	}
	ratio, err := fixed.DivFixed(balance, pooled)
	if err != nil {
		return nil, RatioDecimals, err
	}
	return ratio, RatioDecimals, nil
}

// DeficitAt is max(0, ratio * smoothed collateral - balance).
func (b *Buffer) DeficitAt(ctx context.Context, ratio *uint256.Int) (*uint256.Int, error) {
	required, balance, err := b.requiredAt(ctx, ratio)
	if err != nil {
		return nil, err
	}
	return fixed.SubFloor(required, balance), nil
}

// CollateralDeficit is the shortfall against the minimum ratio.
func (b *Buffer) CollateralDeficit(ctx context.Context) (*uint256.Int, error) {
	return b.DeficitAt(ctx, b.opts.MinRatio)
}

func (b *Buffer) HasMinimumReserves(ctx context.Context) (bool, error) {
	required, balance, err := b.requiredAt(ctx, b.opts.MinRatio)
	if err != nil {
		return false, err
	}
	return !balance.Lt(required), nil
}

// Capacity is the balance above the minimum ratio.
func (b *Buffer) Capacity(ctx context.Context) (*uint256.Int, error) {
	required, balance, err := b.requiredAt(ctx, b.opts.MinRatio)
	if err != nil {
		return nil, err
	}
	return fixed.SubFloor(balance, required), nil
}

func (b *Buffer) requiredAt(ctx context.Context, ratio *uint256.Int) (required, balance *uint256.Int, err error) {
	balance, err = b.Balance(ctx)
	if err != nil {
		return nil, nil, err
	}
	pooled, err := b.smoothedCollateral()
	if err != nil {
		return nil, nil, err
	}
	required, err = fixed.MulFixed(ratio, pooled)
	if err != nil {
		return nil, nil, err
	}
	return required, balance, nil
}

// Deposit moves collateral from a protocol account into the buffer.
func (b *Buffer) Deposit(ctx context.Context, from common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	if err := b.collateral.Transfer(ctx, from, b.opts.Address, amount); err != nil {
		return fmt.Errorf("reserve deposit: %w", err)
	}
	b.logger.Debug().Str("from", from.Hex()).Str("amount", fixed.Format(amount)).Msg("reserve topped up")
	return nil
}

// PurchaseAndBurn spends amount of the buffer on buy-and-burn. Callers need the
// auction role.
func (b *Buffer) PurchaseAndBurn(ctx context.Context, caller common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := access.Require(b.policy, access.AuctionRole, caller); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, ErrZeroAmount
	}
	balance, err := b.Balance(ctx)
	if err != nil {
		return nil, err
	}
	if balance.Lt(amount) {
		return nil, fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientReserve, fixed.Format(balance), fixed.Format(amount))
	}
	burned, err := b.burner.PurchaseAndBurn(ctx, b.opts.Address, amount)
	if err != nil {
		return nil, err
	}
	b.logger.Info().
		Str("collateral", fixed.Format(amount)).
		Str("burned", fixed.Format(burned)).
		Msg("reserve purchase and burn")
	return burned, nil
}

// SetMinRatio is an admin setter.
func (b *Buffer) SetMinRatio(caller common.Address, ratio *uint256.Int) error {
	if err := access.Require(b.policy, access.AdminRole, caller); err != nil {
		return err
	}
	if ratio == nil {
		return faults.Precondition("reserve: min ratio is required")
	}
	b.opts.MinRatio = fixed.Clone(ratio)
	return nil
}

// Clone copies the owned state; collaborators are shared.
func (b *Buffer) Clone() *Buffer {
	c := *b
	c.opts.MinRatio = fixed.Clone(b.opts.MinRatio)
	return &c
}

// Restore overwrites b with a snapshot taken by Clone.
func (b *Buffer) Restore(snapshot *Buffer) { *b = *snapshot }
