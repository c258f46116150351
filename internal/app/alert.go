package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"peg-stabilizer/internal/alerting"
)

// TestAlert 用给定价格构造一次脱锚告警并直接推送，便于验证通道配置。
func (a *App) TestAlert(ctx context.Context, price, target decimal.Decimal) error {
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel enabled; set alerting.telegram.enabled")
	}

	deviation := alerting.DeviationPct(price, target)
	note := alerting.Notification{
		Kind:          alerting.KindPegDeviation,
		Bucket:        time.Now().UTC().Truncate(time.Second),
		Price:         price,
		Target:        target,
		DeviationPct:  deviation,
		ThresholdPct:  decimal.NewFromFloat(a.Config.Alerting.ThresholdPct),
		Direction:     alerting.ClassifyDeviation(deviation),
		Channels:      a.Config.Alerting.Channels,
		AdditionalMsg: "测试告警",
	}
	if err := notifier.Notify(ctx, note); err != nil {
		return err
	}
	a.Logger.Info().Str("deviation_pct", deviation.StringFixed(4)).Msg("test alert dispatched")
	return nil
}
