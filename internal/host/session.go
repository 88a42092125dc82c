package host

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"tradebridge/internal/protocol"
	"tradebridge/pkg/types"
)

// A session closes after this many consecutive malformed lines.
const maxConsecutiveMalformed = 50

// Close reasons surfaced to the supervisor.
const (
	ReasonProtocolAbuse = "protocol_abuse"
	ReasonReadError     = "read_error"
	ReasonWriteError    = "write_error"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonShutdown      = "shutdown"
)

// ErrSessionClosed is returned by Send after Close.
var ErrSessionClosed = errors.New("host session closed")

// InboundFrame pairs a decoded envelope with the session it arrived on.
type InboundFrame struct {
	Session  *Session
	Envelope protocol.Envelope
}

// sink is the narrow interface a session uses to hand frames upward and to
// report its own death. The server implements it; sessions never see the
// supervisor or each other.
type sink interface {
	deliver(f InboundFrame, timeout time.Duration) bool
	sessionClosed(s *Session, reason string)
}

// Session is one Execution Host connection. It owns the read loop, the
// frame writer, and the set of instruments registered on this link.
type Session struct {
	conn net.Conn
	w    *protocol.Writer
	r    *protocol.Reader
	sink sink

	heartbeatTimeout time.Duration
	dispatchTimeout  time.Duration

	mu          sync.Mutex
	instruments map[string]bool
	lastSeen    time.Time
	closed      bool
	closeReason string

	consecMalformed int

	logger *slog.Logger
}

func newSession(conn net.Conn, sink sink, heartbeatTimeout, dispatchTimeout time.Duration, logger *slog.Logger) *Session {
	return &Session{
		conn:             conn,
		w:                protocol.NewWriter(conn, 10*time.Second),
		r:                protocol.NewReader(conn),
		sink:             sink,
		heartbeatTimeout: heartbeatTimeout,
		dispatchTimeout:  dispatchTimeout,
		instruments:      make(map[string]bool),
		lastSeen:         time.Now(),
		logger:           logger.With("component", "host-session", "remote", conn.RemoteAddr().String()),
	}
}

// run is the session read loop. Frames are decoded, guarded by instrument,
// and handed to the sink in arrival order.
func (s *Session) run() {
	defer s.Close(ReasonReadError)

	for {
		// The read deadline doubles as the heartbeat timeout: a silent host
		// is indistinguishable from a dead one.
		_ = s.conn.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))

		line, err := s.r.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				s.logger.Warn("oversize frame discarded")
				continue
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.Close(ReasonIdleTimeout)
			}
			return
		}
		if len(line) == 0 {
			continue
		}

		env, err := protocol.DecodeEnvelope(line)
		if err != nil {
			s.consecMalformed++
			s.logger.Debug("malformed frame", "error", err, "consecutive", s.consecMalformed)
			if s.consecMalformed >= maxConsecutiveMalformed {
				s.Close(ReasonProtocolAbuse)
				return
			}
			continue
		}
		s.consecMalformed = 0
		s.touch()

		if !s.handleLocally(env) {
			if !s.sink.deliver(InboundFrame{Session: s, Envelope: env}, s.dispatchTimeout) {
				s.logger.Warn("dispatch queue full, frame dropped", "type", env.Type)
			}
		}
	}
}

// handleLocally deals with frames that never leave the session: heartbeats
// and instrument registration. It also applies the inbound instrument
// guard. Returns true when the frame is fully consumed.
func (s *Session) handleLocally(env protocol.Envelope) bool {
	switch env.Type {
	case types.FrameHeartbeat, types.FramePing:
		if err := s.Send(map[string]string{
			"type":      types.FrameHeartbeatResponse,
			"timestamp": types.WireTimestamp(time.Now()),
		}); err != nil {
			s.logger.Debug("heartbeat reply failed", "error", err)
		}
		return true

	case types.FrameInstrumentRegistration:
		if env.Instrument == "" {
			s.logger.Warn("registration without instrument")
			return true
		}
		s.mu.Lock()
		s.instruments[env.Instrument] = true
		s.mu.Unlock()
		s.logger.Info("instrument registered", "instrument", env.Instrument)
		// Fall through to the supervisor so it can announce the link.
		return false

	default:
		// Inbound instrument guard: frames for instruments this session
		// never registered are dropped here.
		if env.Instrument != "" && !s.Registered(env.Instrument) {
			s.logger.Warn("frame for unregistered instrument dropped",
				"type", env.Type, "instrument", env.Instrument)
			return true
		}
		return false
	}
}

// Send writes one frame to the host. Fails once the session is closed; a
// write error closes the session.
func (s *Session) Send(v interface{}) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	if err := s.w.WriteFrame(v); err != nil {
		s.Close(ReasonWriteError)
		return fmt.Errorf("session send: %w", err)
	}
	return nil
}

// SendCommand applies the outbound instrument guard before writing.
func (s *Session) SendCommand(cmd types.Command) error {
	if !s.Registered(cmd.Instrument) {
		return fmt.Errorf("instrument %q not registered on this session", cmd.Instrument)
	}
	return s.Send(cmd)
}

// Close is idempotent. The first caller's reason wins and is reported to
// the sink.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeReason = reason
	s.mu.Unlock()

	_ = s.conn.Close()
	s.logger.Info("session closed", "reason", reason)
	s.sink.sessionClosed(s, reason)
}

// Registered reports whether this session registered the instrument.
func (s *Session) Registered(instrument string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instruments[instrument]
}

// Instruments returns the registered set.
func (s *Session) Instruments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.instruments))
	for in := range s.instruments {
		out = append(out, in)
	}
	return out
}

// LastSeen returns the time of the last valid inbound frame.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}
