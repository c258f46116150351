// Package keeper drives the controller on a schedule: it samples the pool, calls
// stabilize, persists what it saw and raises peg deviation alerts.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"peg-stabilizer/internal/alerting"
	"peg-stabilizer/internal/datalab"
	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/scheduler"
	"peg-stabilizer/internal/stabilizer"
	"peg-stabilizer/internal/storage"
)

// Tracker is the read side of the engine. A watch-only deployment has nothing else.
type Tracker interface {
	Track(ctx context.Context) error
	PoolSnapshot() datalab.PoolSnapshot
	SmoothedPrice() (*uint256.Int, error)
	PriceTarget() *uint256.Int
}

// Engine is a Tracker that can also act on the market.
type Engine interface {
	Tracker
	Stabilize(ctx context.Context, caller common.Address) (stabilizer.Report, error)
	CheckAuctionFinalization(ctx context.Context) (bool, error)
	ReserveStatus(ctx context.Context) (stabilizer.ReserveStatus, error)
	SkewBps() uint64
}

// Refresher brings the host up to date before a sample is taken.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Options tune keeper behaviour.
type Options struct {
	Caller            common.Address
	TrackInterval     time.Duration
	StabilizeInterval time.Duration
	LockKey           int64
	AlertsEnabled     bool
	ThresholdPct      float64
	AlertCooldown     time.Duration
	AlertRetention    time.Duration
	Channels          []string
}

// Deps are the keeper's collaborators. Only Tracker is required.
type Deps struct {
	Tracker   Tracker
	Refresher Refresher
	Samples   storage.SampleStore
	Alerts    storage.AlertStore
	Notifier  alerting.Notifier
	Locker    storage.AdvisoryLocker
}

// Keeper runs the track and stabilize jobs.
type Keeper struct {
	opts      Options
	tracker   Tracker
	engine    Engine
	refresher Refresher
	samples   storage.SampleStore
	alerts    storage.AlertStore
	notifier  alerting.Notifier
	locker    storage.AdvisoryLocker
	threshold decimal.Decimal
	logger    zerolog.Logger

	// tick serializes bucket execution within the process; the advisory lock covers
	// other processes.
	tick      sync.Mutex
	mu        sync.Mutex
	lastAlert time.Time
}

// New constructs the keeper. Stabilize is scheduled only when the tracker is an Engine.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Keeper, error) {
	if deps.Tracker == nil {
		return nil, errors.New("keeper: tracker not configured")
	}
	threshold := decimal.Zero
	if opts.AlertsEnabled && opts.ThresholdPct > 0 {
		threshold = decimal.NewFromFloat(opts.ThresholdPct)
	}

	locker := deps.Locker
	if locker == nil {
		if l, ok := deps.Samples.(storage.AdvisoryLocker); ok {
			locker = l
		}
	}
	engine, _ := deps.Tracker.(Engine)

	return &Keeper{
		opts:      opts,
		tracker:   deps.Tracker,
		engine:    engine,
		refresher: deps.Refresher,
		samples:   deps.Samples,
		alerts:    deps.Alerts,
		notifier:  deps.Notifier,
		locker:    locker,
		threshold: threshold,
		logger:    logger.With().Str("component", "keeper").Logger(),
	}, nil
}

// CanStabilize reports whether the keeper drives an engine rather than a watch-only tracker.
func (k *Keeper) CanStabilize() bool { return k.engine != nil }

// Jobs returns the scheduled work.
func (k *Keeper) Jobs() []scheduler.Job {
	jobs := []scheduler.Job{{Name: "track", Interval: k.opts.TrackInterval, Tick: k.TrackBucket}}
	if k.engine != nil {
		jobs = append(jobs, scheduler.Job{Name: "stabilize", Interval: k.opts.StabilizeInterval, Tick: k.StabilizeBucket})
	}
	return jobs
}

// TrackBucket 采样一次池子状态并落库。
func (k *Keeper) TrackBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := k.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		k.logger.Debug().Time("bucket", bucket).Msg("skip track because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}
	k.tick.Lock()
	defer k.tick.Unlock()

	if err := k.refresh(ctx); err != nil {
		return err
	}
	if err := k.tracker.Track(ctx); err != nil {
		k.persist(ctx, k.sample(ctx, bucket, "", storage.StatusErrored, err))
		return fmt.Errorf("track: %w", err)
	}

	sample := k.sample(ctx, bucket, "", storage.StatusOK, nil)
	k.persist(ctx, sample)
	k.logger.Info().Time("bucket", bucket).
		Str("spot_price", sample.SpotPrice.String()).
		Str("window_price", sample.WindowPrice.String()).
		Msg("sample recorded")

	k.checkDeviation(ctx, bucket, sample)
	return nil
}

// StabilizeBucket 调用一次 stabilize；冷却期内只检查拍卖是否到期。
func (k *Keeper) StabilizeBucket(ctx context.Context, bucket time.Time) error {
	if k.engine == nil {
		return nil
	}
	unlock, proceed, err := k.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		k.logger.Debug().Time("bucket", bucket).Msg("skip stabilize because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}
	k.tick.Lock()
	defer k.tick.Unlock()

	if err := k.refresh(ctx); err != nil {
		return err
	}

	report, err := k.engine.Stabilize(ctx, k.opts.Caller)
	switch {
	case errors.Is(err, stabilizer.ErrCooldown):
		k.logger.Debug().Err(err).Time("bucket", bucket).Msg("stabilize skipped")
		finalized, ferr := k.engine.CheckAuctionFinalization(ctx)
		if ferr != nil {
			k.persist(ctx, k.sample(ctx, bucket, "", storage.StatusErrored, ferr))
			return fmt.Errorf("check auction finalization: %w", ferr)
		}
		if finalized {
			k.logger.Info().Time("bucket", bucket).Msg("expired auction finalized")
		}
		k.persist(ctx, k.sample(ctx, bucket, "", storage.StatusSkipped, nil))
		return nil
	case err != nil:
		k.persist(ctx, k.sample(ctx, bucket, "", storage.StatusErrored, err))
		return fmt.Errorf("stabilize: %w", err)
	}

	sample := k.sample(ctx, bucket, string(report.Action), storage.StatusOK, nil)
	k.persist(ctx, sample)
	k.logger.Info().Time("bucket", bucket).
		Str("action", string(report.Action)).
		Str("price", fixed.Format(report.Price)).
		Bool("override", report.Overrode).
		Bool("auction_created", report.AuctionCreated).
		Msg("stabilize recorded")

	k.checkDeviation(ctx, bucket, sample)
	return nil
}

func (k *Keeper) refresh(ctx context.Context) error {
	if k.refresher == nil {
		return nil
	}
	if err := k.refresher.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh host: %w", err)
	}
	return nil
}

func (k *Keeper) sample(ctx context.Context, bucket time.Time, action, status string, cause error) storage.PoolSample {
	snap := k.tracker.PoolSnapshot()
	sample := storage.PoolSample{
		Timestamp:         bucket.UTC(),
		SpotPrice:         fixed.ToDecimal(snap.SpotPrice),
		WindowPrice:       fixed.ToDecimal(snap.WindowPrice),
		ReserveToken:      fixed.ToDecimal(snap.ReserveToken),
		ReserveCollateral: fixed.ToDecimal(snap.ReserveCollateral),
		Action:            action,
		Status:            status,
		CreatedAt:         time.Now().UTC(),
	}
	if price, err := k.tracker.SmoothedPrice(); err == nil {
		d := fixed.ToDecimal(price)
		sample.SmoothedPrice = &d
	}
	if k.engine != nil {
		if st, err := k.engine.ReserveStatus(ctx); err == nil {
			d := fixed.ToDecimal(st.Ratio)
			sample.ReserveRatio = &d
		}
		sample.SkewBps = int64(k.engine.SkewBps())
	}
	if cause != nil {
		msg := cause.Error()
		sample.Error = &msg
	}
	return sample
}

func (k *Keeper) persist(ctx context.Context, sample storage.PoolSample) {
	if k.samples == nil {
		return
	}
	if err := k.samples.UpsertPoolSample(ctx, sample); err != nil {
		k.logger.Error().Err(err).Time("bucket", sample.Timestamp).Msg("failed to upsert sample")
	}
}

// checkDeviation alerts when the smoothed price, or the spot price before the first
// resolved window, is further from target than the threshold.
func (k *Keeper) checkDeviation(ctx context.Context, bucket time.Time, sample storage.PoolSample) {
	if !k.opts.AlertsEnabled || k.notifier == nil || k.threshold.IsZero() {
		return
	}
	price := sample.SpotPrice
	if sample.SmoothedPrice != nil {
		price = *sample.SmoothedPrice
	}
	target := fixed.ToDecimal(k.tracker.PriceTarget())
	deviation := alerting.DeviationPct(price, target)
	if !deviation.Abs().GreaterThan(k.threshold) {
		return
	}

	k.mu.Lock()
	if !k.lastAlert.IsZero() && bucket.Sub(k.lastAlert) < k.opts.AlertCooldown {
		k.mu.Unlock()
		k.logger.Debug().Time("bucket", bucket).Msg("alert suppressed by cooldown")
		return
	}
	k.lastAlert = bucket
	k.mu.Unlock()

	direction := alerting.ClassifyDeviation(deviation)
	if k.alerts != nil {
		record := storage.AlertRecord{
			SampleTS:     bucket,
			DeviationPct: deviation,
			ThresholdPct: k.threshold,
			Direction:    direction,
			Channels:     k.opts.Channels,
		}
		if _, err := k.alerts.InsertAlert(ctx, record); err != nil {
			k.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to persist alert record")
		}
		if k.opts.AlertRetention > 0 {
			if err := k.alerts.DeleteAlertsBefore(ctx, bucket.Add(-k.opts.AlertRetention)); err != nil {
				k.logger.Warn().Err(err).Msg("failed to prune old alerts")
			}
		}
	}
	note := alerting.Notification{
		Kind:         alerting.KindPegDeviation,
		Bucket:       bucket,
		Price:        price,
		Target:       target,
		DeviationPct: deviation,
		ThresholdPct: k.threshold,
		Direction:    direction,
		Channels:     k.opts.Channels,
	}
	if err := k.notifier.Notify(ctx, note); err != nil {
		k.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to dispatch alert")
	}
}

func (k *Keeper) acquireLock(ctx context.Context) (func(), bool, error) {
	if k.opts.LockKey == 0 || k.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := k.locker.TryAdvisoryLock(ctx, k.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
