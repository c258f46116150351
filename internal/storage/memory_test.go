package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"peg-stabilizer/internal/events"
)

func TestMemoryStoreSamples(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.UpsertPoolSample(ctx, PoolSample{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			SpotPrice: decimal.NewFromInt(int64(i)),
			Status:    StatusOK,
		}))
	}
	require.NoError(t, m.UpsertPoolSample(ctx, PoolSample{Timestamp: base, Action: "expansion", Status: StatusOK}))

	count, err := m.CountSamples(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	between, err := m.ListSamplesBetween(ctx, base, base.Add(2*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, between, 2)
	require.Equal(t, "expansion", between[0].Action)

	recent, err := m.ListRecentSamples(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, base.Add(2*time.Minute), recent[0].Timestamp)
}

func TestMemoryStoreEventsAndAlerts(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.Publish(ctx, events.New(events.Stabilized, 10).With("action", "in_band")))
	require.NoError(t, m.Publish(ctx, events.New(events.AuctionCreated, 20)))
	require.NoError(t, m.Publish(ctx, events.New(events.Stabilized, 30)))

	all, err := m.ListRecentEvents(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, int64(30), all[0].Timestamp.Unix())

	stabilized, err := m.ListRecentEvents(ctx, string(events.Stabilized), 1)
	require.NoError(t, err)
	require.Len(t, stabilized, 1)
	require.Equal(t, int64(3), stabilized[0].ID)

	old := time.Now().Add(-time.Hour)
	_, err = m.InsertAlert(ctx, AlertRecord{Direction: "below", CreatedAt: old})
	require.NoError(t, err)
	_, err = m.InsertAlert(ctx, AlertRecord{Direction: "above"})
	require.NoError(t, err)
	require.NoError(t, m.DeleteAlertsBefore(ctx, old.Add(time.Minute)))

	alerts, err := m.ListRecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "above", alerts[0].Direction)
}
