// Package events models the protocol's observable state transitions and routes them
// to sinks once the originating call has committed.
package events

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"peg-stabilizer/internal/fixed"
)

// Kind names a state transition.
type Kind string

const (
	AuctionCreated     Kind = "auction_created"
	AuctionFinalized   Kind = "auction_finalized"
	ArbitragePurchased Kind = "arbitrage_purchased"
	ArbitrageClaimed   Kind = "arbitrage_claimed"
	RewardDistributed  Kind = "reward_distributed"
	ReserveTopUp       Kind = "reserve_top_up"
	ReserveBurn        Kind = "reserve_burn"
	SupplyExpanded     Kind = "supply_expanded"
	YieldMinted        Kind = "yield_minted"
	SkewAdjusted       Kind = "skew_adjusted"
	Stabilized         Kind = "stabilized"
	ParameterChanged   Kind = "parameter_changed"
)

// Event is one transition. Attributes hold display-ready values; amounts are decimal
// strings in whole units.
type Event struct {
	Kind       Kind              `json:"kind"`
	Timestamp  uint64            `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// New starts an event at ts.
func New(kind Kind, ts uint64) Event {
	return Event{Kind: kind, Timestamp: ts, Attributes: make(map[string]string)}
}

// With sets a string attribute.
func (e Event) With(key, value string) Event {
	e.Attributes[key] = value
	return e
}

// WithAmount sets a fixed-point attribute.
func (e Event) WithAmount(key string, amount *uint256.Int) Event {
	e.Attributes[key] = fixed.Format(amount)
	return e
}

// Keys returns attribute names in a stable order.
func (e Event) Keys() []string {
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Emitter accepts events from core components.
type Emitter interface {
	Emit(Event)
}

// Sink publishes committed events.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Journal buffers events for one call. Commit publishes them in order; Discard drops
// them after a failed call.
type Journal struct {
	pending []Event
}

func (j *Journal) Emit(e Event) { j.pending = append(j.pending, e) }

// Pending returns the buffered events without draining them.
func (j *Journal) Pending() []Event { return append([]Event(nil), j.pending...) }

// Commit drains the buffer into sink. Every event is attempted; publish errors are
// joined.
func (j *Journal) Commit(ctx context.Context, sink Sink) error {
	pending := j.pending
	j.pending = nil
	if sink == nil {
		return nil
	}
	var errs []error
	for _, e := range pending {
		if err := sink.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (j *Journal) Discard() { j.pending = nil }

// LogSink writes events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "events").Logger()}
}

func (s *LogSink) Publish(_ context.Context, e Event) error {
	evt := s.logger.Info().Str("kind", string(e.Kind)).Uint64("timestamp", e.Timestamp)
	for _, k := range e.Keys() {
		evt = evt.Str(k, e.Attributes[k])
	}
	evt.Msg("protocol event")
	return nil
}

// Fanout publishes to every sink in order.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds lists recorded kinds in publish order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

// Last returns the most recent event of kind.
func (r *Recorder) Last(kind Kind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

var (
	_ Emitter = (*Journal)(nil)
	_ Sink    = (*LogSink)(nil)
	_ Sink    = Fanout(nil)
	_ Sink    = (*Recorder)(nil)
)
