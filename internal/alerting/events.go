package alerting

import (
	"context"
	"time"

	"peg-stabilizer/internal/events"
)

// EventSink forwards selected protocol events to a notifier.
type EventSink struct {
	notifier Notifier
	kinds    map[events.Kind]struct{}
	channels []string
}

// NewEventSink notifies on the listed kinds only. An empty list forwards nothing.
func NewEventSink(notifier Notifier, kinds []string, channels []string) *EventSink {
	set := make(map[events.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[events.Kind(k)] = struct{}{}
	}
	return &EventSink{notifier: notifier, kinds: set, channels: channels}
}

// Publish 仅推送已订阅的事件类型。
func (s *EventSink) Publish(ctx context.Context, e events.Event) error {
	if s.notifier == nil {
		return nil
	}
	if _, ok := s.kinds[e.Kind]; !ok {
		return nil
	}
	return s.notifier.Notify(ctx, Notification{
		Kind:       string(e.Kind),
		Bucket:     time.Unix(int64(e.Timestamp), 0).UTC(),
		Channels:   s.channels,
		Attributes: e.Attributes,
	})
}

var _ events.Sink = (*EventSink)(nil)
