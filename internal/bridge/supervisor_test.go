package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tradebridge/internal/config"
	"tradebridge/internal/settings"
	"tradebridge/internal/trade"
	"tradebridge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestSupervisor(t *testing.T, mutate func(*config.Config)) (*Supervisor, config.Config) {
	t.Helper()

	cfg := *config.Default()
	cfg.Host.Port = freePort(t)
	cfg.Dashboard.Port = freePort(t)
	cfg.Settings.Path = filepath.Join(t.TempDir(), "settings.json")
	cfg.Trading.PointValues = map[string]float64{"NQ": 20}
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}

	sup, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sup.Stop)
	return sup, cfg
}

// dialHost connects to the host port, retrying until the listener is up.
func dialHost(t *testing.T, port int) (net.Conn, *bufio.Reader) {
	t.Helper()
	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			t.Cleanup(func() { conn.Close() })
			return conn, bufio.NewReader(conn)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("host port never came up: %v", err)
	return nil, nil
}

func sendFrame(t *testing.T, conn net.Conn, frame string) {
	t.Helper()
	if _, err := conn.Write([]byte(frame + "\n")); err != nil {
		t.Fatal(err)
	}
}

// readFrameOfType reads host-link frames until one matches the wanted type.
func readFrameOfType(t *testing.T, conn net.Conn, br *bufio.Reader, frameType string) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("waiting for %s frame: %v", frameType, err)
		}
		var frame map[string]interface{}
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			t.Fatalf("bad frame on wire: %v", err)
		}
		if frame["type"] == frameType {
			return frame
		}
	}
}

func registerInstrument(t *testing.T, conn net.Conn, instrument string) {
	t.Helper()
	sendFrame(t, conn, fmt.Sprintf(`{"type":"instrument_registration","instrument":"%s"}`, instrument))
}

func TestAutoTradeFromPrediction(t *testing.T) {
	t.Parallel()

	sup, cfg := newTestSupervisor(t, func(c *config.Config) {
		c.Settings.AutoTradeDefault = true
		c.Settings.MinConfidenceDefault = 0.3 // below the rule predictor's 0.4
	})

	conn, br := dialHost(t, cfg.Host.Port)
	registerInstrument(t, conn, "NQ")

	// Oversold above trend: the rule predictor signals LONG.
	sendFrame(t, conn, `{"type":"market_data","instrument":"NQ","price":21500,"rsi":25,"ema5":21400,"atr":10}`)

	cmd := readFrameOfType(t, conn, br, types.FrameCommand)
	if cmd["command"] != types.CmdGoLong {
		t.Errorf("command = %v, want go_long", cmd["command"])
	}
	if cmd["stop_loss"] != 21490.0 {
		t.Errorf("stop_loss = %v, want price − ATR = 21490", cmd["stop_loss"])
	}
	if cmd["target"] != 21520.0 {
		t.Errorf("target = %v, want price + 2·ATR = 21520", cmd["target"])
	}
	if cmd["strategy_action"] != types.StrategyActionContinue {
		t.Errorf("strategy_action = %v", cmd["strategy_action"])
	}

	// The recorded trade is PENDING with source AUTO.
	active := sup.trades.ActiveTrades("NQ")
	if len(active) != 1 {
		t.Fatalf("active trades = %d, want 1", len(active))
	}
	if active[0].Source != types.SourceAuto || active[0].Status != types.StatusPending {
		t.Errorf("trade = %+v", active[0])
	}
}

func TestAutoTradeGateRespectsSettings(t *testing.T) {
	t.Parallel()

	// Auto trading off: the same signal must not produce a command.
	_, cfg := newTestSupervisor(t, func(c *config.Config) {
		c.Settings.AutoTradeDefault = false
	})

	conn, br := dialHost(t, cfg.Host.Port)
	registerInstrument(t, conn, "NQ")
	sendFrame(t, conn, `{"type":"market_data","instrument":"NQ","price":21500,"rsi":25,"ema5":21400,"atr":10}`)

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if line, err := br.ReadString('\n'); err == nil && strings.Contains(line, `"command"`) {
		t.Errorf("command emitted with auto trading disabled: %s", line)
	}
}

func TestPredictionRequestResponse(t *testing.T) {
	t.Parallel()

	_, cfg := newTestSupervisor(t, nil)

	conn, br := dialHost(t, cfg.Host.Port)
	registerInstrument(t, conn, "NQ")
	sendFrame(t, conn, `{"type":"ml_prediction_request","instrument":"NQ","request_id":"req-42","price":21500,"rsi":50,"ema5":21500}`)

	reply := readFrameOfType(t, conn, br, types.FramePredictionResponse)
	if reply["request_id"] != "req-42" {
		t.Errorf("request_id = %v, want req-42", reply["request_id"])
	}
	pred, ok := reply["prediction"].(map[string]interface{})
	if !ok {
		t.Fatalf("reply carries no prediction: %+v", reply)
	}
	if pred["direction"] != string(types.Neutral) {
		t.Errorf("direction = %v, want NEUTRAL for mid-range rsi", pred["direction"])
	}
	if reply["strategy_action"] != types.StrategyActionContinue {
		t.Errorf("strategy_action = %v", reply["strategy_action"])
	}
}

func TestTrailingRequestResponse(t *testing.T) {
	t.Parallel()

	_, cfg := newTestSupervisor(t, nil)

	conn, br := dialHost(t, cfg.Host.Port)
	registerInstrument(t, conn, "NQ")

	// Long from 21500 with stop 21480, price now 21600 in a strong trend.
	sendFrame(t, conn, `{"type":"smart_trailing_request","instrument":"NQ","request_id":"req-7",`+
		`"direction":"LONG","entry_price":21500,"current_stop":21480,"quantity":1,`+
		`"price":21600,"atr":10,"ema_alignment":0.9,"adx":45}`)

	reply := readFrameOfType(t, conn, br, types.FrameTrailingResponse)
	if reply["request_id"] != "req-7" {
		t.Errorf("request_id = %v, want req-7", reply["request_id"])
	}
	if reply["updated"] != true {
		t.Fatalf("updated = %v, want true: %+v", reply["updated"], reply)
	}
	newStop, _ := reply["new_stop_price"].(float64)
	if newStop <= 21480 || newStop >= 21600 {
		t.Errorf("new_stop_price = %v, want tightened between stop and price", newStop)
	}
	if reply["algorithm"] != "adaptive_atr" {
		t.Errorf("algorithm = %v", reply["algorithm"])
	}
}

func TestManualTradeRequiresHostSession(t *testing.T) {
	t.Parallel()

	sup, cfg := newTestSupervisor(t, nil)

	req := trade.EntryRequest{
		Instrument: "NQ", Direction: types.Long, Qty: 1,
		EntryPx: 21500, StopPx: 21480, TargetPx: 21540,
	}
	if _, err := sup.ManualTrade(req); err == nil {
		t.Fatal("manual trade accepted with no host connected")
	}

	conn, br := dialHost(t, cfg.Host.Port)
	registerInstrument(t, conn, "NQ")
	waitCond(t, func() bool { return sup.hostSrv.SessionFor("NQ") != nil }, "registration")

	id, err := sup.ManualTrade(req)
	if err != nil {
		t.Fatalf("ManualTrade: %v", err)
	}
	if !strings.HasPrefix(id, "MANUAL_LONG_") {
		t.Errorf("trade id = %q", id)
	}

	cmd := readFrameOfType(t, conn, br, types.FrameCommand)
	if cmd["trade_id"] != id {
		t.Errorf("wire trade_id = %v, want %v", cmd["trade_id"], id)
	}
}

func waitCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestSettingsRPCPersistsAndBroadcasts(t *testing.T) {
	t.Parallel()

	sup, cfg := newTestSupervisor(t, nil)

	v := 0.8
	enabled := true
	eff, err := sup.UpdateSettings(settings.Patch{MinConfidence: &v, AutoTradingEnabled: &enabled})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if eff.MinConfidence != 0.8 || !eff.AutoTradingEnabled {
		t.Errorf("effective = %+v", eff)
	}
	if got := sup.GetSettings(); got != eff {
		t.Errorf("GetSettings = %+v, want %+v", got, eff)
	}

	// The file was written before UpdateSettings returned.
	data, err := os.ReadFile(cfg.Settings.Path)
	if err != nil {
		t.Fatalf("settings file: %v", err)
	}
	var onDisk types.Settings
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	if onDisk != eff {
		t.Errorf("on disk = %+v, want %+v", onDisk, eff)
	}
}

func TestWebSocketDeliversSettingsThenEvents(t *testing.T) {
	t.Parallel()

	sup, cfg := newTestSupervisor(t, nil)

	ws := dialWS(t, cfg.Dashboard.Port)

	// The first message on a fresh connection is current_settings.
	msg := readWSEvent(t, ws)
	if msg.Event != types.ChannelCurrentSettings {
		t.Fatalf("first event = %q, want current_settings", msg.Event)
	}
	var s types.Settings
	if err := json.Unmarshal(msg.Data, &s); err != nil {
		t.Fatal(err)
	}
	if s.MinConfidence != cfg.Settings.MinConfidenceDefault {
		t.Errorf("settings payload = %+v", s)
	}

	// A settings update is broadcast to connected subscribers.
	v := 0.75
	if _, err := sup.UpdateSettings(settings.Patch{MinConfidence: &v}); err != nil {
		t.Fatal(err)
	}
	msg = waitWSEvent(t, ws, types.ChannelCurrentSettings)
	if err := json.Unmarshal(msg.Data, &s); err != nil {
		t.Fatal(err)
	}
	if s.MinConfidence != 0.75 {
		t.Errorf("broadcast settings = %+v", s)
	}
}

func TestMarketDataFansOutToSubscribers(t *testing.T) {
	t.Parallel()

	_, cfg := newTestSupervisor(t, nil)

	ws := dialWS(t, cfg.Dashboard.Port)
	readWSEvent(t, ws) // current_settings

	conn, _ := dialHost(t, cfg.Host.Port)
	registerInstrument(t, conn, "NQ")
	sendFrame(t, conn, `{"type":"market_data","instrument":"NQ","price":21500,"rsi":50}`)

	msg := waitWSEvent(t, ws, types.ChannelMarketData)
	var payload map[string]interface{}
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["price"] != 21500.0 || payload["instrument"] != "NQ" {
		t.Errorf("market_data payload = %+v", payload)
	}

	// A prediction for the same frame follows.
	pred := waitWSEvent(t, ws, types.ChannelPrediction)
	if pred.Event != types.ChannelPrediction {
		t.Errorf("prediction event = %q", pred.Event)
	}
}

func TestShutdownAnnouncesToSubscribers(t *testing.T) {
	t.Parallel()

	cfg := *config.Default()
	cfg.Host.Port = freePort(t)
	cfg.Dashboard.Port = freePort(t)
	cfg.Settings.Path = filepath.Join(t.TempDir(), "settings.json")

	sup, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.Start(); err != nil {
		t.Fatal(err)
	}

	ws := dialWS(t, cfg.Dashboard.Port)
	readWSEvent(t, ws) // current_settings

	done := make(chan struct{})
	go func() {
		sup.Stop()
		close(done)
	}()

	msg := waitWSEvent(t, ws, types.ChannelConnectionStatus)
	var status map[string]string
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatal(err)
	}
	if status["status"] != "shutdown" {
		t.Errorf("status = %+v, want shutdown", status)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not complete")
	}
}

func TestStopDrainsInFlightPredictions(t *testing.T) {
	t.Parallel()

	arrived := make(chan struct{})
	var once sync.Once
	var completed, aborted atomic.Int32
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(arrived) })
		select {
		case <-time.After(200 * time.Millisecond):
			completed.Add(1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"confidence":0.4}`)
		case <-r.Context().Done():
			aborted.Add(1)
		}
	}))
	t.Cleanup(model.Close)

	cfg := *config.Default()
	cfg.Host.Port = freePort(t)
	cfg.Dashboard.Port = freePort(t)
	cfg.Settings.Path = filepath.Join(t.TempDir(), "settings.json")
	cfg.Predict.URL = model.URL

	sup, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.Start(); err != nil {
		t.Fatal(err)
	}

	conn, _ := dialHost(t, cfg.Host.Port)
	registerInstrument(t, conn, "NQ")
	sendFrame(t, conn, `{"type":"market_data","instrument":"NQ","price":21500,"rsi":50}`)

	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("model never saw the prediction request")
	}

	// Stop must let the in-flight model call finish inside the drain budget
	// rather than cancelling it.
	sup.Stop()

	if aborted.Load() != 0 {
		t.Errorf("in-flight model calls aborted during shutdown: %d", aborted.Load())
	}
	if completed.Load() == 0 {
		t.Error("model call did not complete within the drain budget")
	}
}

func TestHealthSnapshot(t *testing.T) {
	t.Parallel()

	sup, cfg := newTestSupervisor(t, nil)

	conn, _ := dialHost(t, cfg.Host.Port)
	registerInstrument(t, conn, "NQ")
	waitCond(t, func() bool { return sup.hostSrv.SessionFor("NQ") != nil }, "registration")

	h := sup.Health()
	if h.Status != "ok" {
		t.Errorf("status = %q", h.Status)
	}
	if h.HostSessions != 1 {
		t.Errorf("host_sessions = %d, want 1", h.HostSessions)
	}
	if h.BreakerState != "closed" {
		t.Errorf("breaker_state = %q, want closed", h.BreakerState)
	}
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket test helpers
// ————————————————————————————————————————————————————————————————————————

type wsEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func dialWS(t *testing.T, port int) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	var ws *websocket.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ws, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Cleanup(func() { ws.Close() })
			return ws
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("websocket dial: %v", err)
	return nil
}

func readWSEvent(t *testing.T, ws *websocket.Conn) wsEvent {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	var msg wsEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("websocket frame: %v", err)
	}
	return msg
}

// waitWSEvent reads events until one on the wanted channel arrives.
func waitWSEvent(t *testing.T, ws *websocket.Conn, channel string) wsEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg := readWSEvent(t, ws)
		if msg.Event == channel {
			return msg
		}
	}
	t.Fatalf("no %s event arrived", channel)
	return wsEvent{}
}
