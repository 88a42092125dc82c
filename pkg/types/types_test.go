package types

import (
	"strings"
	"testing"
	"time"
)

func TestParseMarketFrameValid(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"market_data","instrument":"NQ","timestamp":"2026-08-26T14:30:00.000Z","price":21500.25,"rsi":65.5,"ema5":21498.1,"volume":1250}`)
	frame, err := ParseMarketFrame(raw)
	if err != nil {
		t.Fatalf("ParseMarketFrame: %v", err)
	}

	if frame.Instrument != "NQ" {
		t.Errorf("instrument = %q, want NQ", frame.Instrument)
	}
	if frame.Price != 21500.25 {
		t.Errorf("price = %v, want 21500.25", frame.Price)
	}
	if got := frame.Field("rsi", 0); got != 65.5 {
		t.Errorf("rsi = %v, want 65.5", got)
	}
	if got := frame.Field("ema5", 0); got != 21498.1 {
		t.Errorf("ema5 = %v, want 21498.1", got)
	}
	want := time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC)
	if !frame.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", frame.Timestamp, want)
	}
}

func TestParseMarketFrameEpochMillis(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"instrument":"ES","ts":1756218600000,"price":5600.5}`)
	frame, err := ParseMarketFrame(raw)
	if err != nil {
		t.Fatalf("ParseMarketFrame: %v", err)
	}
	if frame.Timestamp.UnixMilli() != 1756218600000 {
		t.Errorf("timestamp = %v, want epoch millis 1756218600000", frame.Timestamp)
	}
}

func TestParseMarketFrameRejectsBadPrice(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`{"instrument":"NQ","price":0}`,
		`{"instrument":"NQ","price":-5}`,
		`{"instrument":"NQ"}`,
	} {
		if _, err := ParseMarketFrame([]byte(raw)); err == nil {
			t.Errorf("ParseMarketFrame(%s) accepted bad price", raw)
		}
	}
}

func TestParseMarketFrameMissingInstrument(t *testing.T) {
	t.Parallel()

	if _, err := ParseMarketFrame([]byte(`{"price":100}`)); err == nil {
		t.Error("frame without instrument accepted")
	}
}

// Out-of-range RSI is stripped but the frame itself survives so a usable
// price still reaches subscribers.
func TestParseMarketFrameStripsOutOfRangeRSI(t *testing.T) {
	t.Parallel()

	frame, err := ParseMarketFrame([]byte(`{"instrument":"NQ","price":21500,"rsi":150}`))
	if err == nil {
		t.Fatal("expected validation error for rsi=150")
	}
	if frame.Has("rsi") {
		t.Error("out-of-range rsi kept in frame")
	}
	if frame.Price != 21500 {
		t.Errorf("sanitized frame lost price, got %v", frame.Price)
	}
}

func TestParseMarketFrameMalformedJSON(t *testing.T) {
	t.Parallel()

	if _, err := ParseMarketFrame([]byte(`{"instrument":`)); err == nil {
		t.Error("malformed JSON accepted")
	}
}

func TestFieldDefaults(t *testing.T) {
	t.Parallel()

	frame := MarketFrame{Extra: map[string]float64{"atr": 12.5}}
	if got := frame.Field("atr", 1.0); got != 12.5 {
		t.Errorf("Field(atr) = %v, want 12.5", got)
	}
	if got := frame.Field("missing", 42); got != 42 {
		t.Errorf("Field(missing) = %v, want default 42", got)
	}
}

func TestTradeStatusTerminal(t *testing.T) {
	t.Parallel()

	terminal := []TradeStatus{StatusClosed, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []TradeStatus{StatusPending, StatusFilled, StatusPartial}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPositionIsFlat(t *testing.T) {
	t.Parallel()

	if !(Position{}).IsFlat() {
		t.Error("zero position should be flat")
	}
	if !(Position{Direction: Flat, Size: 0}).IsFlat() {
		t.Error("FLAT/0 should be flat")
	}
	if (Position{Direction: Long, Size: 2}).IsFlat() {
		t.Error("LONG/2 should not be flat")
	}
}

func TestWireTimestampFormat(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 8, 26, 14, 30, 0, 123_000_000, time.UTC)
	got := WireTimestamp(ts)
	if got != "2026-08-26T14:30:00.123Z" {
		t.Errorf("WireTimestamp = %q", got)
	}
	if !strings.HasSuffix(got, "Z") {
		t.Errorf("WireTimestamp %q not UTC", got)
	}
}
