package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"peg-stabilizer/internal/engine"
	"peg-stabilizer/internal/events"
	"peg-stabilizer/internal/storage"
)

// Simulate replays the keeper against a simulated market and prints a summary.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	return a.simulate(ctx, opts, os.Stdout)
}

func (a *App) simulate(ctx context.Context, opts SimulateOptions, out io.Writer) error {
	cfg := *a.Config
	if opts.Duration > 0 {
		cfg.Simulation.Duration = opts.Duration
	}
	if opts.Seed != 0 {
		cfg.Simulation.Seed = opts.Seed
	}
	if opts.ShockBps >= 0 {
		cfg.Simulation.ShockBps = uint64(opts.ShockBps)
	}
	if cfg.Simulation.Duration < cfg.Simulation.Step {
		return fmt.Errorf("simulation duration %s is shorter than step %s", cfg.Simulation.Duration, cfg.Simulation.Step)
	}

	var sink events.Sink
	var pg *storage.Store
	if opts.Persist {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return fmt.Errorf("database not configured; cannot persist simulation")
		}
		defer closeStore()
		pg, sink = store, store
	}

	sim, err := engine.NewSimulator(ctx, &cfg, sink, a.Logger)
	if err != nil {
		return err
	}
	a.Logger.Info().
		Dur("duration", cfg.Simulation.Duration).
		Dur("step", cfg.Simulation.Step).
		Int64("seed", cfg.Simulation.Seed).
		Msg("running simulation")
	summary, err := sim.Run(ctx)
	if err != nil {
		return err
	}

	samples, err := sim.Samples(ctx)
	if err != nil {
		return err
	}
	if pg != nil {
		for _, sample := range samples {
			if err := pg.UpsertPoolSample(ctx, sample); err != nil {
				return fmt.Errorf("persist sample: %w", err)
			}
		}
		a.Logger.Info().Int("samples", len(samples)).Msg("simulation persisted")
	}
	if err := a.writeExports(samples, opts.CSVPath, opts.PNGPath, a.Config.ResolveMaxPoints(0)); err != nil {
		return err
	}

	printSummary(out, summary)
	return nil
}

func printSummary(out io.Writer, s engine.Summary) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Window (UTC)\t%s -> %s\n", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
	fmt.Fprintf(writer, "Steps\t%d (keeper errors %d)\n", s.Steps, s.Errors)
	fmt.Fprintf(writer, "Price start/end\t%s / %s\n", formatDecimal(s.StartPrice, 4), formatDecimal(s.EndPrice, 4))
	fmt.Fprintf(writer, "Price min/max\t%s / %s\n", formatDecimal(s.MinPrice, 4), formatDecimal(s.MaxPrice, 4))
	fmt.Fprintf(writer, "Token supply\t%s\n", formatDecimal(s.Supply, 2))
	fmt.Fprintf(writer, "Reserve balance\t%s (ratio %s)\n", formatDecimal(s.ReserveBalance, 2), formatDecimal(s.ReserveRatio, 4))
	fmt.Fprintf(writer, "Skew\t%d bps\n", s.SkewBps)
	fmt.Fprintf(writer, "Auctions\t%d\n", s.Auctions)
	fmt.Fprintf(writer, "Arbitrageur spent/claimed\t%s / %s\n", formatDecimal(s.ArbitrageurSpent, 2), formatDecimal(s.ArbitrageurClaimed, 2))
	fmt.Fprintf(writer, "LP rewards\t%s over %d distributions\n", formatDecimal(s.BondingDistributed, 2), s.BondingDistribution)

	actions := make([]string, 0, len(s.Actions))
	for k := range s.Actions {
		actions = append(actions, k)
	}
	sort.Strings(actions)
	for _, k := range actions {
		fmt.Fprintf(writer, "Stabilize %s\t%d\n", k, s.Actions[k])
	}

	kinds := make([]string, 0, len(s.Events))
	for k := range s.Events {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(writer, "Event %s\t%d\n", k, s.Events[events.Kind(k)])
	}
	writer.Flush()
}
