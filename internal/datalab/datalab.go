// Package datalab samples the AMM pair and derives smoothed price, reserves and
// invariant from a dual moving average of (price, sqrt(K)).
package datalab

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"peg-stabilizer/internal/faults"
	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/host"
	"peg-stabilizer/internal/movingaverage"
)

var (
	ErrNotTracked      = faults.Precondition("datalab: pool has not been tracked")
	ErrNoLiquidity     = faults.Precondition("datalab: pool has no liquidity")
	ErrClockRegression = faults.Invariant("datalab: clock moved backwards")
)

// Options configure a DataLab.
type Options struct {
	PriceTarget  *uint256.Int
	SampleLength uint64
	SampleMemory uint64
	// DefaultPrice is reported before the first resolved window; nil means reads fail.
	DefaultPrice *uint256.Int
	// ReserveLookback is the window used by RealValueOfLPToken.
	ReserveLookback uint64
}

// PoolSnapshot is the pool state as of the last Track call. PriceCumulativeLast is
// accumulated forward to TimestampLast.
type PoolSnapshot struct {
	PriceCumulativeLast *uint256.Int
	ReserveToken        *uint256.Int
	ReserveCollateral   *uint256.Int
	KLast               *uint256.Int
	TimestampLast       uint64
	SpotPrice           *uint256.Int
	WindowPrice         *uint256.Int
}

func (s PoolSnapshot) clone() PoolSnapshot {
	return PoolSnapshot{
		PriceCumulativeLast: fixed.Clone(s.PriceCumulativeLast),
		ReserveToken:        fixed.Clone(s.ReserveToken),
		ReserveCollateral:   fixed.Clone(s.ReserveCollateral),
		KLast:               fixed.Clone(s.KLast),
		TimestampLast:       s.TimestampLast,
		SpotPrice:           fixed.Clone(s.SpotPrice),
		WindowPrice:         fixed.Clone(s.WindowPrice),
	}
}

// DataLab is not safe for concurrent use; the controller serializes it.
type DataLab struct {
	pool   host.PoolSource
	clock  host.Clock
	logger zerolog.Logger
	opts   Options

	ma      *movingaverage.MovingAverage
	last    PoolSnapshot
	tracked bool
}

// New constructs a DataLab over pool.
func New(opts Options, pool host.PoolSource, clock host.Clock, logger zerolog.Logger) (*DataLab, error) {
	if opts.PriceTarget == nil || opts.PriceTarget.IsZero() {
		return nil, errors.New("datalab: price target must be positive")
	}
	if pool == nil || clock == nil {
		return nil, errors.New("datalab: pool source and clock are required")
	}
	ma, err := movingaverage.New(movingaverage.Config{
		SampleLength: opts.SampleLength,
		SampleMemory: opts.SampleMemory,
		DefaultValue: opts.DefaultPrice,
	})
	if err != nil {
		return nil, err
	}
	return &DataLab{
		pool:   pool,
		clock:  clock,
		logger: logger.With().Str("component", "datalab").Logger(),
		opts:   opts,
		ma:     ma,
		last:   PoolSnapshot{}.clone(),
	}, nil
}

// PriceTarget is the peg.
func (d *DataLab) PriceTarget() *uint256.Int { return new(uint256.Int).Set(d.opts.PriceTarget) }

// Tracked reports whether Track has run at least once.
func (d *DataLab) Tracked() bool { return d.tracked }

// Snapshot returns the last tracked pool state.
func (d *DataLab) Snapshot() PoolSnapshot { return d.last.clone() }

// Track samples the pool once and feeds the moving average. A second call within the
// same timestamp is a no-op.
func (d *DataLab) Track(ctx context.Context) error {
	now := d.clock.Now()
	if d.tracked && now == d.last.TimestampLast {
		return nil
	}
	if d.tracked && now < d.last.TimestampLast {
		return fmt.Errorf("%w: %d < %d", ErrClockRegression, now, d.last.TimestampLast)
	}

	state, err := d.pool.PoolState(ctx)
	if err != nil {
		return fmt.Errorf("read pool state: %w", err)
	}
	if state.ReserveToken == nil || state.ReserveCollateral == nil ||
		state.ReserveToken.IsZero() || state.ReserveCollateral.IsZero() {
		return ErrNoLiquidity
	}

	spot, err := fixed.MulDiv(state.ReserveCollateral, fixed.One(), state.ReserveToken)
	if err != nil {
		return err
	}

	// accumulate the pair's counterfactual cumulative up to now
	cumulative := fixed.Clone(state.PriceCumulativeLast)
	if now > state.TimestampLast {
		cumulative.Add(cumulative, new(uint256.Int).Mul(spot, uint256.NewInt(now-state.TimestampLast)))
	}

	price := spot
	if d.tracked {
		delta := new(uint256.Int).Sub(cumulative, d.last.PriceCumulativeLast)
		price = delta.Div(delta, uint256.NewInt(now-d.last.TimestampLast))
	}

	k, err := fixed.Mul(state.ReserveToken, state.ReserveCollateral)
	if err != nil {
		return fmt.Errorf("pool invariant: %w", err)
	}
	rootK := fixed.Sqrt(k)

	if err := d.ma.UpdateDual(now, price, rootK); err != nil {
		return err
	}

	d.last = PoolSnapshot{
		PriceCumulativeLast: cumulative,
		ReserveToken:        fixed.Clone(state.ReserveToken),
		ReserveCollateral:   fixed.Clone(state.ReserveCollateral),
		KLast:               k,
		TimestampLast:       now,
		SpotPrice:           spot,
		WindowPrice:         price,
	}
	d.tracked = true

	d.logger.Debug().
		Uint64("timestamp", now).
		Str("spot", fixed.Format(spot)).
		Str("window_price", fixed.Format(price)).
		Msg("pool tracked")
	return nil
}

func (d *DataLab) readable() error {
	if !d.ma.Resolved() && (d.opts.DefaultPrice == nil || d.opts.DefaultPrice.IsZero()) {
		return ErrNotTracked
	}
	return nil
}

// SmoothedPrice is the time-weighted price over lookback seconds.
func (d *DataLab) SmoothedPrice(lookback uint64) (*uint256.Int, error) {
	if err := d.readable(); err != nil {
		return nil, err
	}
	return d.ma.ValueWithLookback(lookback), nil
}

// SmoothedReserves recovers (token, collateral) reserves as sqrtK/sqrtP and sqrtK*sqrtP.
func (d *DataLab) SmoothedReserves(lookback uint64) (token, collateral *uint256.Int, err error) {
	if err := d.readable(); err != nil {
		return nil, nil, err
	}
	price, rootK := d.ma.DualValueWithLookback(lookback)
	if price.IsZero() || rootK.IsZero() {
		return fixed.Zero(), fixed.Zero(), nil
	}
	rootPrice, err := fixed.SqrtFixed(price)
	if err != nil {
		return nil, nil, err
	}
	token, err = fixed.MulDiv(rootK, fixed.One(), rootPrice)
	if err != nil {
		return nil, nil, err
	}
	collateral, err = fixed.MulDiv(rootK, rootPrice, fixed.One())
	if err != nil {
		return nil, nil, err
	}
	return token, collateral, nil
}

// SmoothedK is the smoothed pool invariant in raw reserve-product units.
func (d *DataLab) SmoothedK(lookback uint64) (*uint256.Int, error) {
	if err := d.readable(); err != nil {
		return nil, err
	}
	rootK := d.ma.ValueTwoWithLookback(lookback)
	return fixed.Mul(rootK, rootK)
}

// RealValueOfLPToken prices amount LP units in collateral using smoothed reserves.
func (d *DataLab) RealValueOfLPToken(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	token, collateral, err := d.SmoothedReserves(d.opts.ReserveLookback)
	if err != nil {
		return nil, err
	}
	if token.IsZero() && collateral.IsZero() {
		return fixed.Zero(), nil
	}
	state, err := d.pool.PoolState(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pool state: %w", err)
	}
	if state.LPTotalSupply == nil || state.LPTotalSupply.IsZero() {
		return fixed.Zero(), nil
	}
	price, err := d.SmoothedPrice(d.opts.ReserveLookback)
	if err != nil {
		return nil, err
	}
	tokenValue, err := fixed.MulDiv(token, price, d.opts.PriceTarget)
	if err != nil {
		return nil, err
	}
	total, err := fixed.Add(collateral, tokenValue)
	if err != nil {
		return nil, err
	}
	return fixed.MulDiv(amount, total, state.LPTotalSupply)
}

// Clone deep-copies the lab's mutable state; collaborators are shared.
func (d *DataLab) Clone() *DataLab {
	c := *d
	c.ma = d.ma.Clone()
	c.last = d.last.clone()
	return &c
}

// Restore overwrites d with a snapshot taken by Clone.
func (d *DataLab) Restore(snapshot *DataLab) { *d = *snapshot }
