package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"peg-stabilizer/internal/storage"
)

// Show prints recent samples, events or alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show samples")
	}
	if closeStore != nil {
		defer closeStore()
	}

	switch {
	case opts.Events:
		records, err := store.ListRecentEvents(ctx, opts.Kind, opts.Limit)
		if err != nil {
			return err
		}
		printEvents(os.Stdout, records)
	case opts.Alerts:
		records, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		printAlerts(os.Stdout, records)
	default:
		samples, err := store.ListRecentSamples(ctx, opts.Limit)
		if err != nil {
			return err
		}
		total, err := store.CountSamples(ctx)
		if err != nil {
			return err
		}
		printSamples(os.Stdout, samples)
		fmt.Fprintf(os.Stdout, "%d of %d samples\n", len(samples), total)
	}
	return nil
}

func printSamples(out io.Writer, samples []storage.PoolSample) {
	if len(samples) == 0 {
		fmt.Fprintln(out, "no samples found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSpot\tWindow\tSmoothed\tReserveRatio\tSkew\tAction\tStatus\tError")

	for _, sample := range samples {
		errMsg := ""
		if sample.Error != nil {
			errMsg = sanitizeInline(*sample.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			sample.Timestamp.UTC().Format(time.RFC3339),
			formatDecimal(sample.SpotPrice, 4),
			formatDecimal(sample.WindowPrice, 4),
			formatOptional(sample.SmoothedPrice, 4),
			formatOptional(sample.ReserveRatio, 4),
			sample.SkewBps,
			sample.Action,
			sample.Status,
			errMsg,
		)
	}

	writer.Flush()
}

func printEvents(out io.Writer, records []storage.EventRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no events found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKind\tAttributes")
	for _, r := range records {
		keys := make([]string, 0, len(r.Attributes))
		for k := range r.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+sanitizeInline(r.Attributes[k]))
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", r.Timestamp.UTC().Format(time.RFC3339), r.Kind, strings.Join(pairs, " "))
	}
	writer.Flush()
}

func printAlerts(out io.Writer, records []storage.AlertRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tDeviation%\tThreshold%\tDirection\tChannels")
	for _, r := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			r.SampleTS.UTC().Format(time.RFC3339),
			formatDecimal(r.DeviationPct, 3),
			formatDecimal(r.ThresholdPct, 3),
			r.Direction,
			strings.Join(r.Channels, ","),
		)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
