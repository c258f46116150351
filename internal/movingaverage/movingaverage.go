// Package movingaverage keeps a ring of time-bucketed checkpoints over one or two
// cumulative value streams and answers windowed time-weighted averages.
//
// A value passed to Update covers the interval since the previous update, so it is
// credited as value*elapsed to the running cumulative. A checkpoint is written once the
// newest checkpoint is at least one sample length old. Only the span between written
// checkpoints is "resolved"; accrual after the newest checkpoint is the in-progress
// bucket and never contributes to an average.
package movingaverage

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"peg-stabilizer/internal/faults"
)

var (
	ErrInvalidConfig = errors.New("movingaverage: invalid config")
	ErrTimeReversed  = faults.Invariant("movingaverage: update timestamp before last update")
)

// Config sizes the ring.
type Config struct {
	// SampleLength is the bucket width in seconds.
	SampleLength uint64
	// SampleMemory is the number of buckets in the ring; at least 3.
	SampleMemory uint64
	// DefaultValue and DefaultValueTwo are returned while no window can be resolved.
	DefaultValue    *uint256.Int
	DefaultValueTwo *uint256.Int
}

// Sample is one checkpoint of the cumulative streams.
type Sample struct {
	BucketIndex        uint64
	Timestamp          uint64
	CumulativeValue    *uint256.Int
	CumulativeValueTwo *uint256.Int
}

func (s Sample) empty() bool { return s.CumulativeValue == nil }

func (s Sample) clone() Sample {
	if s.empty() {
		return Sample{}
	}
	return Sample{
		BucketIndex:        s.BucketIndex,
		Timestamp:          s.Timestamp,
		CumulativeValue:    new(uint256.Int).Set(s.CumulativeValue),
		CumulativeValueTwo: new(uint256.Int).Set(s.CumulativeValueTwo),
	}
}

// MovingAverage is not safe for concurrent use; callers serialize access.
type MovingAverage struct {
	cfg Config

	samples []Sample
	active  uint64
	counter uint64

	initialized   bool
	lastUpdate    uint64
	cumulative    *uint256.Int
	cumulativeTwo *uint256.Int
	lastValue     *uint256.Int
	lastValueTwo  *uint256.Int
}

// New builds an empty ring.
func New(cfg Config) (*MovingAverage, error) {
	if cfg.SampleLength == 0 {
		return nil, fmt.Errorf("%w: sample length must be positive", ErrInvalidConfig)
	}
	if cfg.SampleMemory < 3 {
		return nil, fmt.Errorf("%w: sample memory must be at least 3", ErrInvalidConfig)
	}
	if cfg.DefaultValue == nil {
		cfg.DefaultValue = new(uint256.Int)
	}
	if cfg.DefaultValueTwo == nil {
		cfg.DefaultValueTwo = new(uint256.Int)
	}
	return &MovingAverage{
		cfg:           cfg,
		samples:       make([]Sample, cfg.SampleMemory),
		cumulative:    new(uint256.Int),
		cumulativeTwo: new(uint256.Int),
		lastValue:     new(uint256.Int),
		lastValueTwo:  new(uint256.Int),
	}, nil
}

// Config returns the ring parameters.
func (m *MovingAverage) Config() Config { return m.cfg }

// Update feeds a single-stream value.
func (m *MovingAverage) Update(now uint64, value *uint256.Int) error {
	return m.UpdateDual(now, value, new(uint256.Int))
}

// UpdateDual feeds both streams at once.
func (m *MovingAverage) UpdateDual(now uint64, value, valueTwo *uint256.Int) error {
	if !m.initialized {
		m.initialized = true
		m.lastUpdate = now
		m.lastValue = new(uint256.Int).Set(value)
		m.lastValueTwo = new(uint256.Int).Set(valueTwo)
		m.reset(now)
		return nil
	}
	if now < m.lastUpdate {
		return fmt.Errorf("%w: %d < %d", ErrTimeReversed, now, m.lastUpdate)
	}

	// Accumulators wrap modulo 2^256; window differences stay exact.
	elapsed := uint256.NewInt(now - m.lastUpdate)
	m.cumulative.Add(m.cumulative, new(uint256.Int).Mul(value, elapsed))
	m.cumulativeTwo.Add(m.cumulativeTwo, new(uint256.Int).Mul(valueTwo, elapsed))
	m.lastUpdate = now
	m.lastValue = new(uint256.Int).Set(value)
	m.lastValueTwo = new(uint256.Int).Set(valueTwo)

	live := m.samples[m.active]
	since := now - live.Timestamp
	if since < m.cfg.SampleLength {
		return nil
	}

	steps := since / m.cfg.SampleLength
	// a gap of memory-1 buckets would leave the only earlier checkpoint outside maxSpan
	if steps >= m.cfg.SampleMemory-1 {
		m.reset(now)
		return nil
	}

	for i := uint64(1); i < steps; i++ {
		m.samples[(m.active+i)%m.cfg.SampleMemory] = Sample{}
	}
	m.active = (m.active + steps) % m.cfg.SampleMemory
	m.samples[m.active] = m.checkpoint(live.BucketIndex+steps, now)
	m.counter += steps
	return nil
}

func (m *MovingAverage) reset(now uint64) {
	for i := range m.samples {
		m.samples[i] = Sample{}
	}
	m.active = 0
	m.counter = 1
	m.samples[0] = m.checkpoint(0, now)
}

func (m *MovingAverage) checkpoint(bucket, now uint64) Sample {
	return Sample{
		BucketIndex:        bucket,
		Timestamp:          now,
		CumulativeValue:    new(uint256.Int).Set(m.cumulative),
		CumulativeValueTwo: new(uint256.Int).Set(m.cumulativeTwo),
	}
}

// Value averages over the longest resolvable window.
func (m *MovingAverage) Value() *uint256.Int {
	v, _ := m.DualValueWithLookback(m.maxLookback())
	return v
}

// ValueTwo is Value for the second stream.
func (m *MovingAverage) ValueTwo() *uint256.Int {
	_, v := m.DualValueWithLookback(m.maxLookback())
	return v
}

// ValueWithLookback averages the first stream over roughly the last lookback seconds,
// rounded up to whole buckets.
func (m *MovingAverage) ValueWithLookback(lookback uint64) *uint256.Int {
	v, _ := m.DualValueWithLookback(lookback)
	return v
}

// ValueTwoWithLookback is ValueWithLookback for the second stream.
func (m *MovingAverage) ValueTwoWithLookback(lookback uint64) *uint256.Int {
	_, v := m.DualValueWithLookback(lookback)
	return v
}

// DualValueWithLookback averages both streams over the same window.
func (m *MovingAverage) DualValueWithLookback(lookback uint64) (*uint256.Int, *uint256.Int) {
	first, latest, ok := m.window(lookback)
	if !ok {
		return new(uint256.Int).Set(m.cfg.DefaultValue), new(uint256.Int).Set(m.cfg.DefaultValueTwo)
	}
	span := uint256.NewInt(latest.Timestamp - first.Timestamp)
	one := new(uint256.Int).Sub(latest.CumulativeValue, first.CumulativeValue)
	two := new(uint256.Int).Sub(latest.CumulativeValueTwo, first.CumulativeValueTwo)
	return one.Div(one, span), two.Div(two, span)
}

// Resolved reports whether at least one completed bucket exists.
func (m *MovingAverage) Resolved() bool {
	_, _, ok := m.window(0)
	return ok
}

// LastValue is the most recent raw input, resolved or not.
func (m *MovingAverage) LastValue() (*uint256.Int, *uint256.Int) {
	return new(uint256.Int).Set(m.lastValue), new(uint256.Int).Set(m.lastValueTwo)
}

// Samples returns the ring in storage order, for inspection.
func (m *MovingAverage) Samples() []Sample {
	out := make([]Sample, len(m.samples))
	for i, s := range m.samples {
		out[i] = s.clone()
	}
	return out
}

func (m *MovingAverage) maxSpan() uint64 {
	if m.counter >= m.cfg.SampleMemory {
		// the slot after active is the oldest and may be partial at wraparound
		return m.cfg.SampleMemory - 2
	}
	if m.counter == 0 {
		return 0
	}
	return m.counter - 1
}

func (m *MovingAverage) maxLookback() uint64 {
	return m.maxSpan() * m.cfg.SampleLength
}

func (m *MovingAverage) window(lookback uint64) (Sample, Sample, bool) {
	if m.counter < 2 {
		return Sample{}, Sample{}, false
	}
	maxSpan := m.maxSpan()
	span := (lookback + m.cfg.SampleLength - 1) / m.cfg.SampleLength
	if span == 0 {
		span = 1
	}
	if span > maxSpan {
		span = maxSpan
	}

	latest := m.samples[m.active]
	mem := m.cfg.SampleMemory
	for off := span; off <= maxSpan; off++ {
		first := m.samples[(m.active+mem-off)%mem]
		if first.empty() {
			// skipped bucket; widen to the previous checkpoint
			continue
		}
		if first.Timestamp >= latest.Timestamp {
			return Sample{}, Sample{}, false
		}
		return first, latest, true
	}
	return Sample{}, Sample{}, false
}

// Clone deep-copies the ring.
func (m *MovingAverage) Clone() *MovingAverage {
	c := *m
	c.samples = m.Samples()
	c.cumulative = new(uint256.Int).Set(m.cumulative)
	c.cumulativeTwo = new(uint256.Int).Set(m.cumulativeTwo)
	c.lastValue = new(uint256.Int).Set(m.lastValue)
	c.lastValueTwo = new(uint256.Int).Set(m.lastValueTwo)
	return &c
}

// Restore overwrites m with a snapshot taken by Clone.
func (m *MovingAverage) Restore(snapshot *MovingAverage) { *m = *snapshot }
