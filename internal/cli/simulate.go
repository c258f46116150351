package cli

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"peg-stabilizer/internal/app"
)

var (
	simulateDuration time.Duration
	simulateSeed     int64
	simulateShockBps int64
	simulateCSVPath  string
	simulatePNGPath  string
	simulatePersist  bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay the keeper against a simulated market",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateDuration < 0 {
			return errors.New("--duration must not be negative")
		}
		opts := app.SimulateOptions{
			Duration: simulateDuration,
			Seed:     simulateSeed,
			ShockBps: simulateShockBps,
			CSVPath:  simulateCSVPath,
			PNGPath:  simulatePNGPath,
			Persist:  simulatePersist,
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

var (
	alertTestPrice  float64
	alertTestTarget float64
)

var alertTestCmd = &cobra.Command{
	Use:   "alert-test",
	Short: "模拟一次脱锚并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertTestPrice <= 0 || alertTestTarget <= 0 {
			return errors.New("--price 与 --target 必须大于 0")
		}

		price := decimal.NewFromFloat(alertTestPrice)
		target := decimal.NewFromFloat(alertTestTarget)
		return getApp().TestAlert(cmd.Context(), price, target)
	},
}

func init() {
	simulateCmd.Flags().DurationVar(&simulateDuration, "duration", 0, "Simulated span (defaults to config)")
	simulateCmd.Flags().Int64Var(&simulateSeed, "seed", 0, "Noise trader seed (defaults to config)")
	simulateCmd.Flags().Int64Var(&simulateShockBps, "shock-bps", -1, "Largest per-step price shock in bps (defaults to config)")
	simulateCmd.Flags().StringVar(&simulateCSVPath, "csv", "", "Path to write CSV samples")
	simulateCmd.Flags().StringVar(&simulatePNGPath, "png", "", "Path to write PNG chart")
	simulateCmd.Flags().BoolVar(&simulatePersist, "persist", false, "Store samples and events in the database")

	alertTestCmd.Flags().Float64Var(&alertTestPrice, "price", 0, "代币市场价格（抵押物计价）")
	alertTestCmd.Flags().Float64Var(&alertTestTarget, "target", 1, "锚定目标价格")
}
