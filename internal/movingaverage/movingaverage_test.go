package movingaverage

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"peg-stabilizer/internal/fixed"
)

const start = uint64(1_700_000_000)

func newAverage(t *testing.T, length, memory uint64) *MovingAverage {
	t.Helper()
	ma, err := New(Config{
		SampleLength: length,
		SampleMemory: memory,
		DefaultValue: fixed.One(),
	})
	require.NoError(t, err)
	return ma
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{SampleLength: 0, SampleMemory: 10})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{SampleLength: 30, SampleMemory: 2})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDefaultUntilTwoCheckpoints(t *testing.T) {
	ma := newAverage(t, 30, 10)
	require.Equal(t, fixed.One(), ma.Value())

	require.NoError(t, ma.Update(start, fixed.MustParse("0.7")))
	require.Equal(t, fixed.One(), ma.Value())
	require.False(t, ma.Resolved())

	// same bucket, still nothing resolved
	require.NoError(t, ma.Update(start+10, fixed.MustParse("0.9")))
	require.Equal(t, fixed.One(), ma.ValueWithLookback(10))
}

func TestCurrentSampleNotYetResolved(t *testing.T) {
	ma := newAverage(t, 30, 10)
	require.NoError(t, ma.Update(start, fixed.MustParse("0.7")))
	require.NoError(t, ma.Update(start+30, fixed.MustParse("0.8")))

	require.Equal(t, fixed.MustParse("0.8"), ma.ValueWithLookback(10))
}

func TestLookbackZeroUsesLastCompletedBucket(t *testing.T) {
	ma := newAverage(t, 30, 10)
	require.NoError(t, ma.Update(start, fixed.FromUint(1)))
	require.NoError(t, ma.Update(start+30, fixed.FromUint(2)))
	// in progress: must not leak into the answer
	require.NoError(t, ma.Update(start+45, fixed.FromUint(3)))

	require.Equal(t, fixed.FromUint(2), ma.ValueWithLookback(0))
	require.Equal(t, fixed.FromUint(2), ma.Value())
}

func TestSameTimestampAccumulatesNothing(t *testing.T) {
	ma := newAverage(t, 30, 10)
	require.NoError(t, ma.Update(start, fixed.FromUint(1)))
	require.NoError(t, ma.Update(start+30, fixed.FromUint(2)))
	require.NoError(t, ma.Update(start+30, fixed.FromUint(50)))
	require.Equal(t, fixed.FromUint(2), ma.Value())

	last, _ := ma.LastValue()
	require.Equal(t, fixed.FromUint(50), last)
}

func TestRoundTripConvergesToInput(t *testing.T) {
	const n = 20
	ma := newAverage(t, 30, n+2)
	v := fixed.MustParse("1.234567890123456789")
	for i := uint64(0); i <= n; i++ {
		require.NoError(t, ma.Update(start+i*30, v))
	}
	got := ma.Value()
	diff := new(uint256.Int)
	if got.Cmp(v) >= 0 {
		diff.Sub(got, v)
	} else {
		diff.Sub(v, got)
	}
	require.True(t, diff.Cmp(uint256.NewInt(1)) <= 0, "got %s want %s", got.Dec(), v.Dec())
}

func TestWindowedAverage(t *testing.T) {
	ma := newAverage(t, 30, 10)
	require.NoError(t, ma.Update(start, fixed.FromUint(1)))
	require.NoError(t, ma.Update(start+30, fixed.FromUint(1)))
	require.NoError(t, ma.Update(start+60, fixed.FromUint(3)))

	require.Equal(t, fixed.FromUint(3), ma.ValueWithLookback(30))
	require.Equal(t, fixed.FromUint(2), ma.ValueWithLookback(60))
	// a lookback beyond the history clamps to what exists
	require.Equal(t, fixed.FromUint(2), ma.ValueWithLookback(3600))
}

func TestSkippedBucketsWidenWindow(t *testing.T) {
	ma := newAverage(t, 30, 10)
	require.NoError(t, ma.Update(start, fixed.FromUint(1)))
	require.NoError(t, ma.Update(start+30, fixed.FromUint(2)))
	require.NoError(t, ma.Update(start+120, fixed.FromUint(4)))

	require.Equal(t, fixed.FromUint(4), ma.ValueWithLookback(30))
	require.Equal(t, fixed.MustParse("3.5"), ma.Value())
}

func TestGapBeyondMemoryResets(t *testing.T) {
	ma := newAverage(t, 30, 5)
	require.NoError(t, ma.Update(start, fixed.FromUint(1)))
	require.NoError(t, ma.Update(start+30, fixed.FromUint(2)))
	require.True(t, ma.Resolved())

	require.NoError(t, ma.Update(start+30+30*6, fixed.FromUint(5)))
	require.False(t, ma.Resolved())
	require.Equal(t, fixed.One(), ma.Value())

	require.NoError(t, ma.Update(start+30+30*7, fixed.FromUint(7)))
	require.Equal(t, fixed.FromUint(7), ma.Value())
}

func TestGapOfMemoryMinusOneResets(t *testing.T) {
	ma := newAverage(t, 30, 5)
	require.NoError(t, ma.Update(start, fixed.FromUint(1)))
	require.NoError(t, ma.Update(start+30, fixed.FromUint(2)))

	require.NoError(t, ma.Update(start+30+30*4, fixed.FromUint(5)))
	require.False(t, ma.Resolved())
	require.Equal(t, fixed.One(), ma.Value())
	live := 0
	for _, s := range ma.Samples() {
		if !s.empty() {
			live++
		}
	}
	require.Equal(t, 1, live)

	require.NoError(t, ma.Update(start+30+30*5, fixed.FromUint(7)))
	require.Equal(t, fixed.FromUint(7), ma.Value())
}

func TestGapOfMemoryMinusTwoSpansTheGap(t *testing.T) {
	ma := newAverage(t, 30, 5)
	require.NoError(t, ma.Update(start, fixed.FromUint(1)))
	require.NoError(t, ma.Update(start+30, fixed.FromUint(2)))

	require.NoError(t, ma.Update(start+30+30*3, fixed.FromUint(5)))
	require.True(t, ma.Resolved())
	require.Equal(t, fixed.FromUint(5), ma.Value())
}

func TestFullRingExcludesOldestBucket(t *testing.T) {
	ma := newAverage(t, 10, 4)
	// five checkpoints in a four-slot ring
	values := []uint64{100, 1, 2, 3, 4}
	for i, v := range values {
		require.NoError(t, ma.Update(start+uint64(i)*10, fixed.FromUint(v)))
	}
	// resolvable span is memory-2 buckets: values 3 and 4 only
	require.Equal(t, fixed.MustParse("3.5"), ma.Value())
	require.Equal(t, fixed.FromUint(4), ma.ValueWithLookback(10))
}

func TestDualStreams(t *testing.T) {
	ma := newAverage(t, 30, 10)
	require.NoError(t, ma.UpdateDual(start, fixed.FromUint(1), fixed.FromUint(10)))
	require.NoError(t, ma.UpdateDual(start+30, fixed.FromUint(2), fixed.FromUint(20)))

	one, two := ma.DualValueWithLookback(30)
	require.Equal(t, fixed.FromUint(2), one)
	require.Equal(t, fixed.FromUint(20), two)
	require.Equal(t, fixed.FromUint(20), ma.ValueTwo())
	require.Equal(t, fixed.FromUint(20), ma.ValueTwoWithLookback(0))
}

func TestTimeReversalIsInvariantViolation(t *testing.T) {
	ma := newAverage(t, 30, 10)
	require.NoError(t, ma.Update(start, fixed.FromUint(1)))
	require.ErrorIs(t, ma.Update(start-1, fixed.FromUint(1)), ErrTimeReversed)
}

func TestCloneRestore(t *testing.T) {
	ma := newAverage(t, 30, 10)
	require.NoError(t, ma.Update(start, fixed.FromUint(1)))
	require.NoError(t, ma.Update(start+30, fixed.FromUint(2)))

	snap := ma.Clone()
	require.NoError(t, ma.Update(start+60, fixed.FromUint(8)))
	require.Equal(t, fixed.FromUint(5), ma.Value())

	ma.Restore(snap)
	require.Equal(t, fixed.FromUint(2), ma.Value())
}
