package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"peg-stabilizer/internal/events"
)

// MemoryStore keeps samples, events and alerts in process. It backs simulations and
// runs without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	samples map[time.Time]PoolSample
	events  []EventRecord
	alerts  []AlertRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{samples: make(map[time.Time]PoolSample)}
}

func (m *MemoryStore) UpsertPoolSample(_ context.Context, sample PoolSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sample.Timestamp = sample.Timestamp.UTC()
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = time.Now().UTC()
	}
	m.samples[sample.Timestamp] = sample
	return nil
}

// ListSamplesBetween returns samples in [from, to) in ascending order.
func (m *MemoryStore) ListSamplesBetween(_ context.Context, from, to time.Time, limit int) ([]PoolSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PoolSample, 0)
	for ts, s := range m.samples {
		if !ts.Before(from) && ts.Before(to) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRecentSamples returns the newest samples first.
func (m *MemoryStore) ListRecentSamples(_ context.Context, limit int) ([]PoolSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PoolSample, 0, len(m.samples))
	for _, s := range m.samples {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountSamples(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.samples)), nil
}

func (m *MemoryStore) Publish(_ context.Context, e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	m.events = append(m.events, EventRecord{
		ID:         int64(len(m.events) + 1),
		Kind:       string(e.Kind),
		Timestamp:  time.Unix(int64(e.Timestamp), 0).UTC(),
		Attributes: attrs,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

// ListRecentEvents returns the newest events first; an empty kind matches all.
func (m *MemoryStore) ListRecentEvents(_ context.Context, kind string, limit int) ([]EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EventRecord, 0)
	for i := len(m.events) - 1; i >= 0; i-- {
		if kind != "" && m.events[i].Kind != kind {
			continue
		}
		out = append(out, m.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertAlert(_ context.Context, alert AlertRecord) (AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert.ID = int64(len(m.alerts) + 1)
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	m.alerts = append(m.alerts, alert)
	return alert, nil
}

func (m *MemoryStore) ListRecentAlerts(_ context.Context, limit int) ([]AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AlertRecord, 0)
	for i := len(m.alerts) - 1; i >= 0; i-- {
		out = append(out, m.alerts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteAlertsBefore(_ context.Context, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if !a.CreatedAt.Before(olderThan) {
			kept = append(kept, a)
		}
	}
	m.alerts = kept
	return nil
}

var (
	_ SampleStore = (*MemoryStore)(nil)
	_ EventStore  = (*MemoryStore)(nil)
	_ AlertStore  = (*MemoryStore)(nil)
)
