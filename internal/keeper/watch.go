package keeper

import (
	"context"
	"sync"

	"github.com/holiman/uint256"

	"peg-stabilizer/internal/datalab"
)

// LabTracker exposes a bare data lab as a Tracker for watch-only deployments.
type LabTracker struct {
	mu       sync.RWMutex
	lab      *datalab.DataLab
	lookback uint64
}

// NewLabTracker smooths over lookback seconds.
func NewLabTracker(lab *datalab.DataLab, lookback uint64) *LabTracker {
	return &LabTracker{lab: lab, lookback: lookback}
}

func (t *LabTracker) Track(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lab.Track(ctx)
}

func (t *LabTracker) PoolSnapshot() datalab.PoolSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lab.Snapshot()
}

func (t *LabTracker) SmoothedPrice() (*uint256.Int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lab.SmoothedPrice(t.lookback)
}

func (t *LabTracker) PriceTarget() *uint256.Int { return t.lab.PriceTarget() }

var _ Tracker = (*LabTracker)(nil)
