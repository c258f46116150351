package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"peg-stabilizer/internal/events"
)

func deviationNote() Notification {
	return Notification{
		Kind:         KindPegDeviation,
		Bucket:       time.Now(),
		Price:        decimal.RequireFromString("0.97"),
		Target:       decimal.NewFromInt(1),
		DeviationPct: decimal.NewFromInt(-3),
		ThresholdPct: decimal.NewFromInt(1),
		Direction:    "below",
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), deviationNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "Peg Deviation") {
		t.Fatalf("text 应包含告警标题: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), deviationNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	notifier = NewTelegramNotifier("token", "chat", bad.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), deviationNote()); err == nil {
		t.Fatal("非 2xx 响应应报错")
	}
}

func TestDeviation(t *testing.T) {
	d := DeviationPct(decimal.RequireFromString("1.02"), decimal.NewFromInt(1))
	require.True(t, d.Equal(decimal.NewFromInt(2)), d.String())
	require.Equal(t, "above", ClassifyDeviation(d))
	require.Equal(t, "below", ClassifyDeviation(d.Neg()))
	require.Equal(t, "flat", ClassifyDeviation(decimal.Zero))
	require.True(t, DeviationPct(decimal.NewFromInt(1), decimal.Zero).IsZero())
}

func TestRenderEventMessage(t *testing.T) {
	text := renderMessage(Notification{
		Kind:       string(events.AuctionCreated),
		Bucket:     time.Unix(0, 0),
		Attributes: map[string]string{"raise": "74.5", "auction_id": "3"},
	})
	require.Contains(t, text, "[Protocol Event] auction_created")
	require.Less(t, strings.Index(text, "auction_id"), strings.Index(text, "raise"))
}

type captureNotifier struct{ notes []Notification }

func (c *captureNotifier) Notify(_ context.Context, n Notification) error {
	c.notes = append(c.notes, n)
	return nil
}

func TestEventSinkFiltersKinds(t *testing.T) {
	capture := &captureNotifier{}
	sink := NewEventSink(capture, []string{string(events.AuctionCreated)}, []string{"telegram"})

	require.NoError(t, sink.Publish(context.Background(), events.New(events.Stabilized, 10)))
	require.NoError(t, sink.Publish(context.Background(), events.New(events.AuctionCreated, 20).With("auction_id", "0")))

	require.Len(t, capture.notes, 1)
	require.Equal(t, string(events.AuctionCreated), capture.notes[0].Kind)
	require.Equal(t, int64(20), capture.notes[0].Bucket.Unix())
	require.Equal(t, "0", capture.notes[0].Attributes["auction_id"])

	require.NoError(t, NewEventSink(nil, []string{"x"}, nil).Publish(context.Background(), events.New("x", 1)))
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
