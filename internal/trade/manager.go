// Package trade owns every tracked trade lifecycle and the two position
// shadows per instrument.
//
// State machine per trade:
//
//	          EnterTrade                execution match           exit match
//	 (none) ──────────────▶ PENDING ─────────────────▶ FILLED ─────────────▶ CLOSED
//	                           │                           │
//	                           │ validation/route fail     │ cancel/reject
//	                           ▼                           ▼
//	                         FAILED                    CANCELLED
//
// Transitions for one instrument are serialized under that instrument's
// lock; instruments progress independently. A trade reaching a terminal
// state mutates nothing outside this package — no session, channel, or
// context is tied to trade state, so a closed trade can never cascade into
// a shutdown.
package trade

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradebridge/pkg/types"
)

// Price proximity used to match executions that arrive without a known
// order id.
const matchTolerance = 0.5

// How long a PENDING trade waits for an execution before it is failed.
const pendingTimeout = 10 * time.Second

// Emitter is the narrow surface the manager uses to publish lifecycle
// events and alerts. The supervisor implements it; the manager never sees
// sessions or subscribers directly.
type Emitter interface {
	Emit(evt types.Event)
}

// CommandSender routes an order command to the host session registered for
// the instrument.
type CommandSender interface {
	SendCommand(instrument string, cmd types.Command) error
}

// EntryRequest is a validated-on-entry request to open a trade.
type EntryRequest struct {
	Instrument string            `json:"instrument"`
	Direction  types.Direction   `json:"direction"`
	Qty        float64           `json:"quantity"`
	EntryPx    float64           `json:"price"`
	StopPx     float64           `json:"stop_loss"`
	TargetPx   float64           `json:"target"`
	Source     types.TradeSource `json:"source"`
	Reason     string            `json:"reason"`
}

// Manager tracks trades and positions per instrument.
type Manager struct {
	mu    sync.Mutex
	books map[string]*book

	pointValues map[string]float64
	emitter     Emitter
	sender      CommandSender
	logger      *slog.Logger
	now         func() time.Time
}

// book is the per-instrument state. Its own mutex serializes transitions.
type book struct {
	mu     sync.Mutex
	trades map[string]*types.Trade

	hostShadow   types.Position
	bridgeShadow types.Position

	mismatchSince     time.Time
	reconcileAttempts int
	alerted           bool
}

// NewManager creates a trade manager. pointValues maps instrument → point
// value for PnL; missing instruments use 1.0.
func NewManager(pointValues map[string]float64, emitter Emitter, sender CommandSender, logger *slog.Logger) *Manager {
	return &Manager{
		books:       make(map[string]*book),
		pointValues: pointValues,
		emitter:     emitter,
		sender:      sender,
		logger:      logger.With("component", "trade"),
		now:         time.Now,
	}
}

func (m *Manager) bookFor(instrument string) *book {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[instrument]
	if !ok {
		b = &book{trades: make(map[string]*types.Trade)}
		m.books[instrument] = b
	}
	return b
}

// PointValue returns the PnL multiplier for an instrument.
func (m *Manager) PointValue(instrument string) float64 {
	if pv, ok := m.pointValues[instrument]; ok {
		return pv
	}
	return 1.0
}

// ————————————————————————————————————————————————————————————————————————
// Entry
// ————————————————————————————————————————————————————————————————————————

// EnterTrade validates the request, records a PENDING trade, and sends the
// order command to the owning host session. A routing failure leaves the
// trade FAILED; a context cancelled before send leaves it CANCELLED.
func (m *Manager) EnterTrade(ctx context.Context, req EntryRequest) (string, error) {
	if err := validateEntry(req); err != nil {
		return "", err
	}

	b := m.bookFor(req.Instrument)
	b.mu.Lock()

	tr := &types.Trade{
		ID:         newTradeID(req.Source, req.Direction, m.now()),
		Instrument: req.Instrument,
		Direction:  req.Direction,
		Qty:        req.Qty,
		EntryPx:    req.EntryPx,
		StopPx:     req.StopPx,
		TargetPx:   req.TargetPx,
		Source:     req.Source,
		Status:     types.StatusPending,
		CreatedAt:  m.now(),
	}
	b.trades[tr.ID] = tr

	if ctx.Err() != nil {
		tr.Status = types.StatusCancelled
		tr.ExitReason = "cancelled_before_send"
		snapshot := *tr
		b.mu.Unlock()
		m.emitTradeEvent(snapshot)
		return "", fmt.Errorf("enter trade: %w", ctx.Err())
	}

	cmd := entryCommand(*tr, req.Reason)
	snapshot := *tr
	b.mu.Unlock()

	if err := m.sender.SendCommand(req.Instrument, cmd); err != nil {
		b.mu.Lock()
		tr.Status = types.StatusFailed
		tr.ExitReason = fmt.Sprintf("route: %v", err)
		snapshot = *tr
		b.mu.Unlock()
		m.emitTradeEvent(snapshot)
		return "", fmt.Errorf("enter trade: %w", err)
	}

	m.logger.Info("trade entered",
		"id", tr.ID,
		"instrument", req.Instrument,
		"direction", req.Direction,
		"qty", req.Qty,
		"source", req.Source,
	)
	m.emitTradeEvent(snapshot)
	return tr.ID, nil
}

func validateEntry(req EntryRequest) error {
	if req.Instrument == "" {
		return fmt.Errorf("entry missing instrument")
	}
	if req.Direction != types.Long && req.Direction != types.Short {
		return fmt.Errorf("entry direction %q must be LONG or SHORT", req.Direction)
	}
	if req.Qty <= 0 {
		return fmt.Errorf("entry qty %v must be > 0", req.Qty)
	}
	if req.EntryPx <= 0 {
		return fmt.Errorf("entry price %v must be > 0", req.EntryPx)
	}
	// Stop/target ordering: stop < entry < target for LONG, inverse for SHORT.
	if req.StopPx != 0 && req.TargetPx != 0 {
		switch req.Direction {
		case types.Long:
			if !(req.StopPx < req.EntryPx && req.EntryPx < req.TargetPx) {
				return fmt.Errorf("long entry requires stop < entry < target (got %v, %v, %v)",
					req.StopPx, req.EntryPx, req.TargetPx)
			}
		case types.Short:
			if !(req.TargetPx < req.EntryPx && req.EntryPx < req.StopPx) {
				return fmt.Errorf("short entry requires target < entry < stop (got %v, %v, %v)",
					req.TargetPx, req.EntryPx, req.StopPx)
			}
		}
	}
	return nil
}

func entryCommand(tr types.Trade, reason string) types.Command {
	verb := types.CmdGoLong
	if tr.Direction == types.Short {
		verb = types.CmdGoShort
	}
	return types.Command{
		Type:           types.FrameCommand,
		Command:        verb,
		Instrument:     tr.Instrument,
		Quantity:       tr.Qty,
		Price:          tr.EntryPx,
		StopLoss:       tr.StopPx,
		Target:         tr.TargetPx,
		Reason:         reason,
		TradeID:        tr.ID,
		Timestamp:      types.WireTimestamp(time.Now()),
		StrategyAction: types.StrategyActionContinue,
	}
}

// newTradeID builds <source>_<direction>_<HHMMSS>_<6-hex>. The hex suffix
// makes ids unique within a process lifetime even at one entry per clock
// tick.
func newTradeID(source types.TradeSource, dir types.Direction, at time.Time) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s_%s_%s_%s", source, dir, at.Format("150405"), hex)
}

// ————————————————————————————————————————————————————————————————————————
// Execution matching
// ————————————————————————————————————————————————————————————————————————

// OnExecution feeds one host execution report into the state machine. The
// trade is matched by order id first, then by price proximity against
// entry, stop, and target of any open trade.
func (m *Manager) OnExecution(instrument, orderID string, price float64, reason string) {
	b := m.bookFor(instrument)
	b.mu.Lock()

	tr := b.trades[orderID]
	if tr == nil || tr.Status.Terminal() {
		tr = b.matchByProximityLocked(price)
	}
	if tr == nil {
		b.mu.Unlock()
		m.logger.Debug("execution matched no trade",
			"instrument", instrument, "order_id", orderID, "price", price)
		return
	}

	var snapshot types.Trade
	switch tr.Status {
	case types.StatusPending:
		if isCancelReason(reason) {
			tr.Status = types.StatusCancelled
			tr.ExitReason = reason
		} else {
			tr.Status = types.StatusFilled
			if price > 0 {
				tr.EntryPx = price
			}
			b.applyFillToShadowLocked(*tr, m.now())
		}
	case types.StatusFilled, types.StatusPartial:
		tr.Status = types.StatusClosed
		tr.ExitPx = price
		tr.ExitedAt = m.now()
		tr.ExitReason = reason
		tr.PnL = pnl(*tr, m.PointValue(instrument))
		b.applyExitToShadowLocked(m.now())
	default:
		b.mu.Unlock()
		return
	}
	snapshot = *tr
	b.mu.Unlock()

	m.logger.Info("trade transition",
		"id", snapshot.ID,
		"status", snapshot.Status,
		"price", price,
		"reason", reason,
	)
	m.emitTradeEvent(snapshot)
}

// matchByProximityLocked finds an open trade whose entry, stop, or target
// is within matchTolerance of the executed price.
func (b *book) matchByProximityLocked(price float64) *types.Trade {
	for _, tr := range b.trades {
		if tr.Status.Terminal() {
			continue
		}
		if near(price, tr.EntryPx) || near(price, tr.StopPx) || near(price, tr.TargetPx) {
			return tr
		}
	}
	return nil
}

func near(a, b float64) bool {
	return b != 0 && math.Abs(a-b) < matchTolerance
}

func isCancelReason(reason string) bool {
	switch strings.ToLower(reason) {
	case "cancelled", "canceled", "rejected", "cancel":
		return true
	}
	return false
}

// pnl computes (exit − entry) · qty · pointValue, sign-flipped for shorts.
func pnl(tr types.Trade, pointValue float64) float64 {
	diff := tr.ExitPx - tr.EntryPx
	if tr.Direction == types.Short {
		diff = -diff
	}
	return diff * tr.Qty * pointValue
}

// ————————————————————————————————————————————————————————————————————————
// Queries and maintenance
// ————————————————————————————————————————————————————————————————————————

// ActiveTrades returns copies of all non-terminal trades for an instrument.
func (m *Manager) ActiveTrades(instrument string) []types.Trade {
	b := m.bookFor(instrument)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.Trade, 0, len(b.trades))
	for _, tr := range b.trades {
		if !tr.Status.Terminal() {
			out = append(out, *tr)
		}
	}
	return out
}

// OpenTradeCount counts non-terminal trades across all instruments.
func (m *Manager) OpenTradeCount() int {
	m.mu.Lock()
	books := make([]*book, 0, len(m.books))
	for _, b := range m.books {
		books = append(books, b)
	}
	m.mu.Unlock()

	n := 0
	for _, b := range books {
		b.mu.Lock()
		for _, tr := range b.trades {
			if !tr.Status.Terminal() {
				n++
			}
		}
		b.mu.Unlock()
	}
	return n
}

// UpdateStop moves the stop of an open trade. Used by the trailing
// controller path; ordering/monotonicity is the caller's contract.
func (m *Manager) UpdateStop(instrument, tradeID string, newStop float64) bool {
	b := m.bookFor(instrument)
	b.mu.Lock()
	defer b.mu.Unlock()

	tr, ok := b.trades[tradeID]
	if !ok || tr.Status.Terminal() {
		return false
	}
	tr.StopPx = newStop
	return true
}

// FailStalePending transitions PENDING trades older than the pending
// timeout to FAILED. Called periodically by the supervisor and on host
// disconnect.
func (m *Manager) FailStalePending() {
	m.mu.Lock()
	books := make([]*book, 0, len(m.books))
	for _, b := range m.books {
		books = append(books, b)
	}
	m.mu.Unlock()

	cutoff := m.now().Add(-pendingTimeout)
	for _, b := range books {
		var stale []types.Trade
		b.mu.Lock()
		for _, tr := range b.trades {
			if tr.Status == types.StatusPending && tr.CreatedAt.Before(cutoff) {
				tr.Status = types.StatusFailed
				tr.ExitReason = "no_execution"
				stale = append(stale, *tr)
			}
		}
		b.mu.Unlock()

		for _, tr := range stale {
			m.logger.Warn("pending trade expired", "id", tr.ID, "instrument", tr.Instrument)
			m.emitTradeEvent(tr)
		}
	}
}

func (m *Manager) emitTradeEvent(tr types.Trade) {
	m.emitter.Emit(types.NewEvent(types.ChannelTradeExecution, tr))
}
