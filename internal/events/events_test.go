package events

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"peg-stabilizer/internal/fixed"
)

type failingSink struct{ calls int }

func (f *failingSink) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("sink down")
}

func TestJournalCommitAndDiscard(t *testing.T) {
	ctx := context.Background()
	var j Journal
	rec := &Recorder{}

	j.Emit(New(AuctionCreated, 10).With("auction_id", "0"))
	j.Emit(New(ReserveBurn, 10).WithAmount("collateral", fixed.MustParse("1.5")))
	require.Len(t, j.Pending(), 2)
	require.NoError(t, j.Commit(ctx, rec))
	require.Empty(t, j.Pending())
	require.Equal(t, []Kind{AuctionCreated, ReserveBurn}, rec.Kinds())

	last, ok := rec.Last(ReserveBurn)
	require.True(t, ok)
	require.Equal(t, "1.5", last.Attributes["collateral"])

	j.Emit(New(Stabilized, 11))
	j.Discard()
	require.NoError(t, j.Commit(ctx, rec))
	require.Len(t, rec.Events(), 2)
}

func TestFanoutKeepsPublishingAfterFailure(t *testing.T) {
	ctx := context.Background()
	bad := &failingSink{}
	rec := &Recorder{}
	fan := Fanout{bad, NewLogSink(zerolog.Nop()), rec}

	var j Journal
	j.Emit(New(YieldMinted, 1))
	j.Emit(New(RewardDistributed, 1))
	err := j.Commit(ctx, fan)
	require.Error(t, err)
	require.Equal(t, 2, bad.calls)
	require.Len(t, rec.Events(), 2)
}

func TestKeysSorted(t *testing.T) {
	e := New(SkewAdjusted, 3).With("to", "5100").With("from", "5000").With("filled", "false")
	require.Equal(t, []string{"filled", "from", "to"}, e.Keys())
}
