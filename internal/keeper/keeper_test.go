package keeper

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"peg-stabilizer/internal/alerting"
	"peg-stabilizer/internal/datalab"
	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/sim"
	"peg-stabilizer/internal/stabilizer"
	"peg-stabilizer/internal/storage"
)

type fakeEngine struct {
	price        *uint256.Int
	trackErr     error
	stabilizeErr error
	finalized    bool
	tracks       int
	stabilizes   int
	finalChecks  int
	caller       common.Address
}

func (f *fakeEngine) Track(context.Context) error {
	f.tracks++
	return f.trackErr
}

func (f *fakeEngine) PoolSnapshot() datalab.PoolSnapshot {
	return datalab.PoolSnapshot{
		SpotPrice:         f.price,
		WindowPrice:       f.price,
		ReserveToken:      fixed.FromUint(1_000),
		ReserveCollateral: fixed.FromUint(1_000),
	}
}

func (f *fakeEngine) SmoothedPrice() (*uint256.Int, error) { return f.price, nil }
func (f *fakeEngine) PriceTarget() *uint256.Int            { return fixed.One() }

func (f *fakeEngine) Stabilize(_ context.Context, caller common.Address) (stabilizer.Report, error) {
	f.stabilizes++
	f.caller = caller
	if f.stabilizeErr != nil {
		return stabilizer.Report{}, f.stabilizeErr
	}
	return stabilizer.Report{Action: stabilizer.ActionExpansion, Price: f.price}, nil
}

func (f *fakeEngine) CheckAuctionFinalization(context.Context) (bool, error) {
	f.finalChecks++
	return f.finalized, nil
}

func (f *fakeEngine) ReserveStatus(context.Context) (stabilizer.ReserveStatus, error) {
	return stabilizer.ReserveStatus{Ratio: fixed.MustParse("0.5")}, nil
}

func (f *fakeEngine) SkewBps() uint64 { return 4_500 }

type memStore struct {
	samples map[time.Time]storage.PoolSample
	alerts  []storage.AlertRecord
	pruned  time.Time
}

func newMemStore() *memStore { return &memStore{samples: make(map[time.Time]storage.PoolSample)} }

func (m *memStore) UpsertPoolSample(_ context.Context, s storage.PoolSample) error {
	m.samples[s.Timestamp] = s
	return nil
}
func (m *memStore) ListSamplesBetween(context.Context, time.Time, time.Time, int) ([]storage.PoolSample, error) {
	return nil, nil
}
func (m *memStore) ListRecentSamples(context.Context, int) ([]storage.PoolSample, error) {
	return nil, nil
}
func (m *memStore) CountSamples(context.Context) (int64, error) { return int64(len(m.samples)), nil }

func (m *memStore) InsertAlert(_ context.Context, a storage.AlertRecord) (storage.AlertRecord, error) {
	m.alerts = append(m.alerts, a)
	return a, nil
}
func (m *memStore) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return m.alerts, nil
}
func (m *memStore) DeleteAlertsBefore(_ context.Context, olderThan time.Time) error {
	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if !a.SampleTS.Before(olderThan) {
			kept = append(kept, a)
		}
	}
	m.alerts = kept
	m.pruned = olderThan
	return nil
}

type captureNotifier struct{ notes []alerting.Notification }

func (c *captureNotifier) Notify(_ context.Context, n alerting.Notification) error {
	c.notes = append(c.notes, n)
	return nil
}

type fakeLocker struct {
	acquired bool
	unlocked int
}

func (l *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return func() { l.unlocked++ }, l.acquired, nil
}

type countingRefresher struct{ calls int }

func (r *countingRefresher) Refresh(context.Context) error {
	r.calls++
	return nil
}

var keeperAccount = common.HexToAddress("0xcee9")

func newKeeper(t *testing.T, engine Tracker, store *memStore, notifier alerting.Notifier, locker *fakeLocker) *Keeper {
	t.Helper()
	deps := Deps{Tracker: engine, Samples: store, Alerts: store, Notifier: notifier}
	if locker != nil {
		deps.Locker = locker
	}
	k, err := New(Options{
		Caller:            keeperAccount,
		TrackInterval:     time.Minute,
		StabilizeInterval: 30 * time.Minute,
		LockKey:           42,
		AlertsEnabled:     true,
		ThresholdPct:      1,
		AlertCooldown:     time.Hour,
		AlertRetention:    24 * time.Hour,
		Channels:          []string{"telegram"},
	}, deps, zerolog.Nop())
	require.NoError(t, err)
	return k
}

func TestNewRequiresTracker(t *testing.T) {
	_, err := New(Options{}, Deps{}, zerolog.Nop())
	require.Error(t, err)
}

func TestTrackBucketPersistsSample(t *testing.T) {
	engine := &fakeEngine{price: fixed.One()}
	store := newMemStore()
	notifier := &captureNotifier{}
	refresher := &countingRefresher{}
	k := newKeeper(t, engine, store, notifier, nil)
	k.refresher = refresher

	bucket := time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC)
	require.NoError(t, k.TrackBucket(context.Background(), bucket))

	require.Equal(t, 1, engine.tracks)
	require.Equal(t, 1, refresher.calls)
	sample := store.samples[bucket]
	require.Equal(t, storage.StatusOK, sample.Status)
	require.Equal(t, "1", sample.SpotPrice.String())
	require.NotNil(t, sample.ReserveRatio)
	require.Equal(t, "0.5", sample.ReserveRatio.String())
	require.Equal(t, int64(4_500), sample.SkewBps)
	require.Empty(t, notifier.notes)
}

func TestTrackFailureRecordsErroredSample(t *testing.T) {
	engine := &fakeEngine{price: fixed.One(), trackErr: errors.New("rpc down")}
	store := newMemStore()
	k := newKeeper(t, engine, store, nil, nil)

	bucket := time.Unix(600, 0).UTC()
	err := k.TrackBucket(context.Background(), bucket)
	require.ErrorContains(t, err, "rpc down")
	sample := store.samples[bucket]
	require.Equal(t, storage.StatusErrored, sample.Status)
	require.NotNil(t, sample.Error)
}

func TestDeviationAlertHonorsCooldown(t *testing.T) {
	engine := &fakeEngine{price: fixed.MustParse("0.95")}
	store := newMemStore()
	notifier := &captureNotifier{}
	k := newKeeper(t, engine, store, notifier, nil)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, k.TrackBucket(context.Background(), start))
	require.NoError(t, k.TrackBucket(context.Background(), start.Add(time.Minute)))
	require.NoError(t, k.TrackBucket(context.Background(), start.Add(2*time.Hour)))

	require.Len(t, notifier.notes, 2)
	note := notifier.notes[0]
	require.Equal(t, alerting.KindPegDeviation, note.Kind)
	require.Equal(t, "below", note.Direction)
	require.Equal(t, "-5", note.DeviationPct.String())
	require.Len(t, store.alerts, 2)
	require.Equal(t, start, store.alerts[0].SampleTS)
	require.Equal(t, start.Add(2*time.Hour).Add(-24*time.Hour), store.pruned)

	require.NoError(t, k.TrackBucket(context.Background(), start.Add(48*time.Hour)))
	require.Len(t, store.alerts, 1)
	require.Equal(t, start.Add(48*time.Hour), store.alerts[0].SampleTS)
}

func TestStabilizeBucketRecordsAction(t *testing.T) {
	engine := &fakeEngine{price: fixed.MustParse("1.2")}
	store := newMemStore()
	k := newKeeper(t, engine, store, nil, nil)

	bucket := time.Unix(1_800, 0).UTC()
	require.NoError(t, k.StabilizeBucket(context.Background(), bucket))
	require.Equal(t, keeperAccount, engine.caller)
	require.Equal(t, string(stabilizer.ActionExpansion), store.samples[bucket].Action)
	require.Equal(t, 0, engine.finalChecks)
}

func TestStabilizeCooldownChecksFinalization(t *testing.T) {
	engine := &fakeEngine{
		price:        fixed.One(),
		stabilizeErr: fmt.Errorf("%w: next call at 99", stabilizer.ErrCooldown),
		finalized:    true,
	}
	store := newMemStore()
	k := newKeeper(t, engine, store, nil, nil)

	bucket := time.Unix(1_800, 0).UTC()
	require.NoError(t, k.StabilizeBucket(context.Background(), bucket))
	require.Equal(t, 1, engine.finalChecks)
	require.Equal(t, storage.StatusSkipped, store.samples[bucket].Status)
}

func TestStabilizeFailureIsReturned(t *testing.T) {
	engine := &fakeEngine{price: fixed.One(), stabilizeErr: errors.New("boom")}
	store := newMemStore()
	k := newKeeper(t, engine, store, nil, nil)

	bucket := time.Unix(1_800, 0).UTC()
	require.ErrorContains(t, k.StabilizeBucket(context.Background(), bucket), "boom")
	require.Equal(t, storage.StatusErrored, store.samples[bucket].Status)
}

func TestLockHeldElsewhereSkipsBucket(t *testing.T) {
	engine := &fakeEngine{price: fixed.One()}
	store := newMemStore()
	locker := &fakeLocker{acquired: false}
	k := newKeeper(t, engine, store, nil, locker)

	require.NoError(t, k.TrackBucket(context.Background(), time.Unix(60, 0)))
	require.NoError(t, k.StabilizeBucket(context.Background(), time.Unix(60, 0)))
	require.Zero(t, engine.tracks)
	require.Zero(t, engine.stabilizes)

	locker.acquired = true
	require.NoError(t, k.TrackBucket(context.Background(), time.Unix(120, 0)))
	require.Equal(t, 1, engine.tracks)
	require.Equal(t, 1, locker.unlocked)
}

func TestWatchOnlyKeeperSchedulesTrackOnly(t *testing.T) {
	ctx := context.Background()
	h, err := sim.NewHost(ctx, sim.HostConfig{
		Start:             10_000,
		TokenReserve:      fixed.FromUint(1_000),
		CollateralReserve: fixed.FromUint(1_000),
		TotalBonded:       fixed.Zero(),
		LiquidityProvider: common.HexToAddress("0x1f"),
	})
	require.NoError(t, err)
	lab, err := datalab.New(datalab.Options{
		PriceTarget:     fixed.One(),
		SampleLength:    30,
		SampleMemory:    20,
		ReserveLookback: 30,
	}, h.Pool, h.Clock, zerolog.Nop())
	require.NoError(t, err)

	store := newMemStore()
	k := newKeeper(t, NewLabTracker(lab, 30), store, nil, nil)
	require.False(t, k.CanStabilize())
	jobs := k.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, "track", jobs[0].Name)

	require.NoError(t, k.TrackBucket(ctx, time.Unix(10_000, 0)))
	h.Clock.Advance(30)
	require.NoError(t, k.TrackBucket(ctx, time.Unix(10_030, 0)))

	sample := store.samples[time.Unix(10_030, 0).UTC()]
	require.NotNil(t, sample.SmoothedPrice)
	require.Equal(t, "1", sample.SmoothedPrice.String())
	require.Nil(t, sample.ReserveRatio)
	require.NoError(t, k.StabilizeBucket(ctx, time.Unix(10_030, 0)))
}
