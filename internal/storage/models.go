package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// PoolSample is one keeper tick: what the data lab saw and what the controller did.
type PoolSample struct {
	Timestamp         time.Time
	SpotPrice         decimal.Decimal
	WindowPrice       decimal.Decimal
	SmoothedPrice     *decimal.Decimal
	ReserveToken      decimal.Decimal
	ReserveCollateral decimal.Decimal
	ReserveRatio      *decimal.Decimal
	SkewBps           int64
	Action            string
	Status            string
	Error             *string
	CreatedAt         time.Time
}

// Sample status values.
const (
	StatusOK      = "ok"
	StatusErrored = "errored"
	StatusSkipped = "skipped"
)

// EventRecord is a persisted protocol event.
type EventRecord struct {
	ID         int64
	Kind       string
	Timestamp  time.Time
	Attributes map[string]string
	CreatedAt  time.Time
}

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID           int64
	SampleTS     time.Time
	DeviationPct decimal.Decimal
	ThresholdPct decimal.Decimal
	Direction    string
	Channels     []string
	CreatedAt    time.Time
}
