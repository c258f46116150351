package datalab

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/host"
	"peg-stabilizer/internal/sim"
)

var provider = common.HexToAddress("0x1f")

func newLab(t *testing.T, defaultPrice *uint256.Int) (*DataLab, *sim.Host) {
	t.Helper()
	h, err := sim.NewHost(context.Background(), sim.HostConfig{
		Start:             10_000,
		TokenReserve:      fixed.FromUint(1_000),
		CollateralReserve: fixed.FromUint(1_000),
		TotalBonded:       fixed.Zero(),
		LiquidityProvider: provider,
	})
	require.NoError(t, err)
	lab, err := New(Options{
		PriceTarget:     fixed.One(),
		SampleLength:    30,
		SampleMemory:    20,
		DefaultPrice:    defaultPrice,
		ReserveLookback: 300,
	}, h.Pool, h.Clock, zerolog.Nop())
	require.NoError(t, err)
	return lab, h
}

func TestReadsFailBeforeTracking(t *testing.T) {
	lab, _ := newLab(t, nil)
	_, err := lab.SmoothedPrice(60)
	require.ErrorIs(t, err, ErrNotTracked)
	_, _, err = lab.SmoothedReserves(60)
	require.ErrorIs(t, err, ErrNotTracked)
	_, err = lab.SmoothedK(60)
	require.ErrorIs(t, err, ErrNotTracked)
}

func TestDefaultPriceBeforeTracking(t *testing.T) {
	lab, _ := newLab(t, fixed.One())
	price, err := lab.SmoothedPrice(60)
	require.NoError(t, err)
	require.Equal(t, fixed.One(), price)
}

func TestTrackAtPegRecoversReserves(t *testing.T) {
	ctx := context.Background()
	lab, h := newLab(t, nil)

	require.NoError(t, lab.Track(ctx))
	h.Clock.Advance(30)
	require.NoError(t, lab.Track(ctx))

	price, err := lab.SmoothedPrice(30)
	require.NoError(t, err)
	require.Equal(t, fixed.One(), price)

	token, collateral, err := lab.SmoothedReserves(30)
	require.NoError(t, err)
	require.Equal(t, fixed.FromUint(1_000), token)
	require.Equal(t, fixed.FromUint(1_000), collateral)

	k, err := lab.SmoothedK(30)
	require.NoError(t, err)
	want, _ := fixed.Mul(fixed.FromUint(1_000), fixed.FromUint(1_000))
	require.Equal(t, want, k)
}

func TestTrackIsIdempotentWithinTimestamp(t *testing.T) {
	ctx := context.Background()
	lab, h := newLab(t, nil)
	require.NoError(t, lab.Track(ctx))
	h.Clock.Advance(30)
	require.NoError(t, lab.Track(ctx))
	before := lab.Snapshot()

	require.NoError(t, lab.Track(ctx))
	require.Equal(t, before, lab.Snapshot())
}

func TestTrackUsesWindowPriceNotSpot(t *testing.T) {
	ctx := context.Background()
	lab, h := newLab(t, nil)
	require.NoError(t, lab.Track(ctx))

	// price is 1.0 for 20s, then the trader pushes it up for the last 10s
	h.Clock.Advance(20)
	trader := sim.NewTrader(h, common.HexToAddress("0x7"), 1)
	require.NoError(t, trader.Buy(ctx, 1_000))
	spot := h.Pool.SpotPrice()
	h.Clock.Advance(10)
	require.NoError(t, lab.Track(ctx))

	snap := lab.Snapshot()
	require.Equal(t, spot, snap.SpotPrice)
	require.True(t, snap.WindowPrice.Gt(fixed.One()))
	require.True(t, snap.WindowPrice.Lt(spot))

	price, err := lab.SmoothedPrice(30)
	require.NoError(t, err)
	require.Equal(t, snap.WindowPrice, price)
}

func TestRealValueOfLPToken(t *testing.T) {
	ctx := context.Background()
	lab, h := newLab(t, nil)
	require.NoError(t, lab.Track(ctx))
	h.Clock.Advance(30)
	require.NoError(t, lab.Track(ctx))

	// 1000 LP units own the whole pool: 1000 collateral + 1000 tokens at 1.0
	value, err := lab.RealValueOfLPToken(ctx, fixed.FromUint(100))
	require.NoError(t, err)
	require.Equal(t, fixed.FromUint(200), value)
}

type emptyPool struct{}

func (emptyPool) PoolState(context.Context) (host.PoolState, error) {
	return host.PoolState{ReserveToken: fixed.Zero(), ReserveCollateral: fixed.Zero()}, nil
}

type failingPool struct{}

func (failingPool) PoolState(context.Context) (host.PoolState, error) {
	return host.PoolState{}, errors.New("rpc down")
}

func TestTrackErrors(t *testing.T) {
	clock := sim.NewClock(5)
	lab, err := New(Options{PriceTarget: fixed.One(), SampleLength: 30, SampleMemory: 10}, emptyPool{}, clock, zerolog.Nop())
	require.NoError(t, err)
	require.ErrorIs(t, lab.Track(context.Background()), ErrNoLiquidity)
	require.False(t, lab.Tracked())

	lab, err = New(Options{PriceTarget: fixed.One(), SampleLength: 30, SampleMemory: 10}, failingPool{}, clock, zerolog.Nop())
	require.NoError(t, err)
	require.Error(t, lab.Track(context.Background()))
}

func TestRealValueZeroWithoutLiquidity(t *testing.T) {
	clock := sim.NewClock(5)
	lab, err := New(Options{
		PriceTarget:  fixed.One(),
		SampleLength: 30,
		SampleMemory: 10,
		DefaultPrice: fixed.One(),
	}, emptyPool{}, clock, zerolog.Nop())
	require.NoError(t, err)
	value, err := lab.RealValueOfLPToken(context.Background(), fixed.FromUint(1))
	require.NoError(t, err)
	require.True(t, value.IsZero())
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{SampleLength: 30, SampleMemory: 10}, emptyPool{}, sim.NewClock(0), zerolog.Nop())
	require.Error(t, err)
	_, err = New(Options{PriceTarget: fixed.One(), SampleLength: 30, SampleMemory: 1}, emptyPool{}, sim.NewClock(0), zerolog.Nop())
	require.Error(t, err)
}

func TestCloneRestore(t *testing.T) {
	ctx := context.Background()
	lab, h := newLab(t, nil)
	require.NoError(t, lab.Track(ctx))
	snap := lab.Clone()

	h.Clock.Advance(30)
	require.NoError(t, lab.Track(ctx))
	require.True(t, lab.ma.Resolved())

	lab.Restore(snap)
	require.False(t, lab.ma.Resolved())
	require.Equal(t, uint64(10_000), lab.Snapshot().TimestampLast)
}
