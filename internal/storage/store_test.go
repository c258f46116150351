package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"peg-stabilizer/internal/config"
	"peg-stabilizer/internal/events"
)

func TestNilStoreReportsNotConfigured(t *testing.T) {
	ctx := context.Background()
	var s *Store

	require.ErrorIs(t, s.UpsertPoolSample(ctx, PoolSample{}), ErrNotConfigured)
	_, err := s.ListRecentSamples(ctx, 10)
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.ListSamplesBetween(ctx, time.Time{}, time.Now(), 10)
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.CountSamples(ctx)
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorIs(t, s.Publish(ctx, events.New(events.Stabilized, 1)), ErrNotConfigured)
	_, err = s.ListRecentEvents(ctx, "", 10)
	require.ErrorIs(t, err, ErrNotConfigured)
	_, _, err = s.TryAdvisoryLock(ctx, 1)
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorIs(t, s.Migrate(ctx, zerolog.Nop()), ErrNotConfigured)

	s.Close()
	NewStore(nil).Close()
}

func TestNewPoolRequiresDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), config.DatabaseConfig{}); err == nil {
		t.Fatal("缺少 DSN 时应报错")
	}
	if _, err := NewPool(context.Background(), config.DatabaseConfig{DSN: "::not a dsn"}); err == nil {
		t.Fatal("非法 DSN 应报错")
	}
}

func TestMigrationsAreOrderedAndCreateTables(t *testing.T) {
	names, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	require.Equal(t, "0001_init.sql", names[0])

	body, err := migrationFS.ReadFile("migrations/" + names[0])
	require.NoError(t, err)
	for _, table := range []string{"pool_samples", "protocol_events", "alerts"} {
		require.True(t, strings.Contains(string(body), "CREATE TABLE IF NOT EXISTS "+table), table)
	}
}
