package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"peg-stabilizer/internal/storage"
)

// Export renders historical data as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.TrackInterval)
	switch {
	case opts.From != nil:
		from = opts.From.UTC()
	case opts.Last > 0:
		from = to.Add(-opts.Last)
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	samples, err := store.ListSamplesBetween(ctx, from, to, 0)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Msg("no samples found for export window")
		return nil
	}

	return a.writeExports(samples, opts.CSVPath, opts.PNGPath, opts.MaxPoints)
}

func (a *App) writeExports(samples []storage.PoolSample, csvPath, pngPath string, maxPoints int) error {
	if csvPath == "" && pngPath == "" {
		return nil
	}
	downsampled := downsampleSamples(samples, maxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	if csvPath != "" {
		if err := writeSamplesCSV(csvPath, downsampled); err != nil {
			return err
		}
	}

	if pngPath != "" {
		if err := writeSamplesPNG(pngPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSamples(samples []storage.PoolSample, max int) []storage.PoolSample {
	if max <= 0 || len(samples) <= max {
		return samples
	}

	result := make([]storage.PoolSample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, samples []storage.PoolSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"ts", "spot_price", "window_price", "smoothed_price", "reserve_token", "reserve_collateral", "reserve_ratio", "skew_bps", "action", "status", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sample := range samples {
		errMsg := ""
		if sample.Error != nil {
			errMsg = *sample.Error
		}
		record := []string{
			sample.Timestamp.UTC().Format(time.RFC3339),
			sample.SpotPrice.String(),
			sample.WindowPrice.String(),
			optionalString(sample.SmoothedPrice),
			sample.ReserveToken.String(),
			sample.ReserveCollateral.String(),
			optionalString(sample.ReserveRatio),
			strconv.FormatInt(sample.SkewBps, 10),
			sample.Action,
			sample.Status,
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSamplesPNG(path string, samples []storage.PoolSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	spot := make([]float64, len(samples))
	smoothed := make([]float64, len(samples))
	ratio := make([]float64, len(samples))

	for i, sample := range samples {
		x[i] = sample.Timestamp
		spot[i] = sample.SpotPrice.InexactFloat64()
		smoothed[i] = spot[i]
		if sample.SmoothedPrice != nil {
			smoothed[i] = sample.SmoothedPrice.InexactFloat64()
		}
		if sample.ReserveRatio != nil {
			ratio[i] = sample.ReserveRatio.InexactFloat64()
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (collateral/token)",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Reserve ratio",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Spot",
				XValues: x,
				YValues: spot,
			},
			chart.TimeSeries{
				Name:    "Smoothed",
				XValues: x,
				YValues: smoothed,
			},
			chart.TimeSeries{
				Name:    "Reserve ratio",
				XValues: x,
				YValues: ratio,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func formatOptional(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(places)
}

func optionalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
