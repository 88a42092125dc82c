package trade

import (
	"math"
	"time"

	"tradebridge/pkg/types"
)

// Reconciliation tuning. The host shadow wins after the window elapses and
// the attempt budget is spent.
const (
	reconcileWindow   = 3 * time.Second
	reconcileAttempts = 3
	sizeTolerance     = 1e-9
)

// PositionDiscrepancy is the system_alert payload emitted while the two
// shadows disagree.
type PositionDiscrepancy struct {
	Type       string         `json:"type"`
	Instrument string         `json:"instrument"`
	Host       types.Position `json:"host"`
	Bridge     types.Position `json:"bridge"`
	Attempts   int            `json:"attempts"`
	SinceMs    int64          `json:"since_ms"`
}

// PositionReconciled is emitted once a discrepancy heals (either the
// shadows converged or the host shadow was adopted).
type PositionReconciled struct {
	Type       string         `json:"type"`
	Instrument string         `json:"instrument"`
	Adopted    bool           `json:"adopted"` // true when the bridge shadow was overwritten
	Position   types.Position `json:"position"`
}

// Reconcile ingests a host-reported position, compares it against the
// bridge shadow, and heals persistent disagreement by adopting the host
// view after reconcileAttempts tries beyond the window.
func (m *Manager) Reconcile(instrument string, host types.Position) {
	b := m.bookFor(instrument)
	b.mu.Lock()

	host.LastUpdate = m.now()
	b.hostShadow = host

	if shadowsAgree(host, b.bridgeShadow) {
		healed := b.mismatchSince != (time.Time{}) && b.alerted
		b.mismatchSince = time.Time{}
		b.reconcileAttempts = 0
		b.alerted = false
		pos := b.bridgeShadow
		b.mu.Unlock()

		if healed {
			m.emitter.Emit(types.NewEvent(types.ChannelSystemAlert, PositionReconciled{
				Type:       "position_reconciled",
				Instrument: instrument,
				Adopted:    false,
				Position:   pos,
			}))
		}
		return
	}

	now := m.now()
	if b.mismatchSince.IsZero() {
		b.mismatchSince = now
	}
	b.reconcileAttempts++
	elapsed := now.Sub(b.mismatchSince)

	// Inside the window the disagreement may just be execution latency.
	if elapsed < reconcileWindow {
		b.mu.Unlock()
		return
	}

	discrepancy := PositionDiscrepancy{
		Type:       "position_discrepancy",
		Instrument: instrument,
		Host:       host,
		Bridge:     b.bridgeShadow,
		Attempts:   b.reconcileAttempts,
		SinceMs:    elapsed.Milliseconds(),
	}
	firstAlert := !b.alerted
	b.alerted = true

	adopt := b.reconcileAttempts >= reconcileAttempts
	var adopted types.Position
	if adopt {
		b.bridgeShadow = host
		adopted = host
		b.mismatchSince = time.Time{}
		b.reconcileAttempts = 0
		b.alerted = false
	}
	b.mu.Unlock()

	if firstAlert {
		m.logger.Warn("position discrepancy",
			"instrument", instrument,
			"host_direction", host.Direction,
			"host_size", host.Size,
			"bridge_direction", discrepancy.Bridge.Direction,
			"bridge_size", discrepancy.Bridge.Size,
		)
		m.emitter.Emit(types.NewEvent(types.ChannelSystemAlert, discrepancy))
	}
	if adopt {
		m.logger.Warn("bridge shadow overwritten from host", "instrument", instrument)
		m.emitter.Emit(types.NewEvent(types.ChannelSystemAlert, PositionReconciled{
			Type:       "position_reconciled",
			Instrument: instrument,
			Adopted:    true,
			Position:   adopted,
		}))
	}
}

// Positions returns the two shadows for an instrument.
func (m *Manager) Positions(instrument string) (host, bridge types.Position) {
	b := m.bookFor(instrument)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hostShadow, b.bridgeShadow
}

// LastReconcileAge returns how long ago the host last reported a position
// for the instrument, for the health surface.
func (m *Manager) LastReconcileAge(instrument string) time.Duration {
	b := m.bookFor(instrument)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hostShadow.LastUpdate.IsZero() {
		return -1
	}
	return m.now().Sub(b.hostShadow.LastUpdate)
}

// shadowsAgree compares (direction, size) within tolerance. Flat positions
// agree regardless of stored direction strings.
func shadowsAgree(a, b types.Position) bool {
	if a.IsFlat() && b.IsFlat() {
		return true
	}
	return a.Direction == b.Direction && math.Abs(a.Size-b.Size) <= sizeTolerance
}

// applyFillToShadowLocked updates the bridge shadow for an entry fill.
// Same-direction fills average in; an opposing fill reduces first.
func (b *book) applyFillToShadowLocked(tr types.Trade, now time.Time) {
	shadow := &b.bridgeShadow
	switch {
	case shadow.IsFlat():
		shadow.Direction = tr.Direction
		shadow.Size = tr.Qty
		shadow.AvgPrice = tr.EntryPx
	case shadow.Direction == tr.Direction:
		total := shadow.Size + tr.Qty
		shadow.AvgPrice = (shadow.AvgPrice*shadow.Size + tr.EntryPx*tr.Qty) / total
		shadow.Size = total
	default:
		shadow.Size -= tr.Qty
		if shadow.Size <= 0 {
			remaining := -shadow.Size
			if remaining > 0 {
				shadow.Direction = tr.Direction
				shadow.Size = remaining
				shadow.AvgPrice = tr.EntryPx
			} else {
				*shadow = types.Position{Direction: types.Flat}
			}
		}
	}
	shadow.LastUpdate = now
}

// applyExitToShadowLocked flattens the bridge shadow on a close. Partial
// closes are reported by the host as strategy_status and heal via
// reconciliation.
func (b *book) applyExitToShadowLocked(now time.Time) {
	b.bridgeShadow = types.Position{Direction: types.Flat, LastUpdate: now}
}
