package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"peg-stabilizer/internal/alerting"
	"peg-stabilizer/internal/api"
	"peg-stabilizer/internal/config"
	"peg-stabilizer/internal/engine"
	"peg-stabilizer/internal/events"
	"peg-stabilizer/internal/keeper"
	"peg-stabilizer/internal/onchain"
	"peg-stabilizer/internal/scheduler"
	"peg-stabilizer/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// openStore connects to PostgreSQL and applies migrations when auto_migrate is set. A
// nil store means persistence is disabled.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx, a.Logger); err != nil {
			closer()
			return nil, nil, err
		}
	}
	return store, closer, nil
}

// stores picks PostgreSQL when configured and an in-process store otherwise.
type stores struct {
	samples storage.SampleStore
	events  storage.EventStore
	alerts  storage.AlertStore
	locker  storage.AdvisoryLocker
}

func newStores(pg *storage.Store) stores {
	if pg == nil {
		mem := storage.NewMemoryStore()
		return stores{samples: mem, events: mem, alerts: mem}
	}
	return stores{samples: pg, events: pg, alerts: pg, locker: pg}
}

// eventSink fans committed events out to the log, the event store and, for the
// subscribed kinds, the alert channels.
func (a *App) eventSink(st stores, notifier alerting.Notifier) events.Sink {
	sink := events.Fanout{events.NewLogSink(a.Logger), st.events}
	if a.Config.Alerting.Enabled && notifier != nil {
		sink = append(sink, alerting.NewEventSink(notifier, a.Config.Alerting.Events, a.Config.Alerting.Channels))
	}
	return sink
}

// runtime is what Run schedules and serves.
type runtime struct {
	tracker   keeper.Tracker
	protocol  api.ProtocolReader
	refresher keeper.Refresher
	mode      string
}

// newRuntime builds a read-only tracker on the configured pair, or a paper engine on a
// simulated market when no pair is configured.
func (a *App) newRuntime(ctx context.Context, sink events.Sink) (runtime, error) {
	cfg := a.Config
	if cfg.WatchEnabled() {
		pair := onchain.NewPair(onchain.Options{
			RPCURL:             cfg.Chain.RPCURL,
			PairAddress:        cfg.Chain.PairAddress,
			TokenAddress:       cfg.Chain.TokenAddress,
			TokenDecimals:      cfg.Chain.TokenDecimals,
			CollateralDecimals: cfg.Chain.CollateralDecimals,
			Timeout:            cfg.Chain.RequestTimeout,
		}, a.Logger)
		if err := pair.Refresh(ctx); err != nil {
			return runtime{}, fmt.Errorf("read chain head: %w", err)
		}
		lab, err := engine.NewLab(cfg.Protocol, pair, pair, a.Logger)
		if err != nil {
			return runtime{}, err
		}
		return runtime{
			tracker:   keeper.NewLabTracker(lab, cfg.Protocol.Params.PriceLookback),
			refresher: pair,
			mode:      "watch",
		}, nil
	}

	simCfg := cfg.Simulation
	simCfg.Start = uint64(time.Now().Unix())
	h, err := engine.NewSimHost(ctx, simCfg, cfg.Protocol)
	if err != nil {
		return runtime{}, err
	}
	eng, err := engine.Build(cfg.Protocol, engine.SimHost(h), sink, a.Logger)
	if err != nil {
		return runtime{}, err
	}
	return runtime{
		tracker:   eng.Controller,
		protocol:  eng.Controller,
		refresher: engine.NewPaperMarket(h, simCfg.Seed, simCfg.ShockBps),
		mode:      "paper",
	}, nil
}

// Run executes the long-running keeper and API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pg, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if pg == nil {
		a.Logger.Warn().Msg("database.dsn not configured; samples kept in memory only")
	}
	if closeStore != nil {
		defer closeStore()
	}
	st := newStores(pg)
	notifier := a.newNotifier()

	rt, err := a.newRuntime(ctx, a.eventSink(st, notifier))
	if err != nil {
		return err
	}

	cfg := a.Config
	k, err := keeper.New(keeper.Options{
		Caller:            cfg.Protocol.Accounts.Keeper,
		TrackInterval:     cfg.Scheduler.TrackInterval,
		StabilizeInterval: cfg.Scheduler.StabilizeInterval,
		LockKey:           cfg.Scheduler.AdvisoryLockKey,
		AlertsEnabled:     cfg.Alerting.Enabled,
		ThresholdPct:      cfg.Alerting.ThresholdPct,
		AlertCooldown:     cfg.Alerting.Cooldown,
		AlertRetention:    cfg.Alerting.Retention,
		Channels:          cfg.Alerting.Channels,
	}, keeper.Deps{
		Tracker:   rt.tracker,
		Refresher: rt.refresher,
		Samples:   st.samples,
		Alerts:    st.alerts,
		Notifier:  notifier,
		Locker:    st.locker,
	}, a.Logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.RunJobs(gctx, scheduler.Options{
			AlignToStart: cfg.Scheduler.AlignToBucket,
			StartupDelay: cfg.Scheduler.StartupDelay,
		}, a.Logger, k.Jobs()...)
	})
	if cfg.API.Enabled {
		srv := api.New(api.Options{Listen: cfg.API.Listen, Debug: cfg.API.Debug}, rt.tracker, rt.protocol, st.events, a.Logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	a.Logger.Info().Str("mode", rt.mode).Bool("can_stabilize", k.CanStabilize()).Msg("starting keeper")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("keeper terminated with error")
		return err
	}

	a.Logger.Info().Msg("keeper stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	Last      time.Duration
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Events bool
	Kind   string
	Alerts bool
}

// SimulateOptions configure an offline simulation.
type SimulateOptions struct {
	Duration time.Duration
	Seed     int64
	ShockBps int64
	CSVPath  string
	PNGPath  string
	Persist  bool
}
