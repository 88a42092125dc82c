// Package host terminates the Execution Host link: a TCP listener speaking
// newline-delimited JSON frames.
//
// Each accepted connection becomes a Session with its own read goroutine.
// Multiple concurrent host sessions are supported; each is scoped by the
// instruments it registers, and commands are routed to the session that
// registered the target instrument.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"tradebridge/internal/config"
	"tradebridge/internal/metrics"
	"tradebridge/pkg/types"
)

// Disconnect notifies the supervisor that a session died.
type Disconnect struct {
	Session *Session
	Reason  string
}

// Server owns the listener and the live session set.
type Server struct {
	cfg     config.HostConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.RWMutex
	ln       net.Listener
	sessions map[*Session]bool
	stopped  bool

	inbound     chan InboundFrame
	disconnects chan Disconnect

	wg sync.WaitGroup
}

// NewServer creates the host server. metrics may be nil.
func NewServer(cfg config.HostConfig, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		cfg:         cfg,
		metrics:     m,
		logger:      logger.With("component", "host-server"),
		sessions:    make(map[*Session]bool),
		inbound:     make(chan InboundFrame, 256),
		disconnects: make(chan Disconnect, 16),
	}
}

// Inbound is the ordered stream of frames from all sessions. The supervisor
// classifier reads here.
func (s *Server) Inbound() <-chan InboundFrame { return s.inbound }

// Disconnects reports dead sessions.
func (s *Server) Disconnects() <-chan Disconnect { return s.disconnects }

// Run listens and accepts until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("host listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("host link listening", "port", s.cfg.Port)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("accept error", "error", err)
			continue
		}
		s.startSession(conn)
	}
}

func (s *Server) startSession(conn net.Conn) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	sess := newSession(conn, s, s.cfg.HeartbeatTimeout, s.cfg.DispatchTimeout, s.logger)
	s.sessions[sess] = true
	n := len(s.sessions)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.HostSessions.Set(float64(n))
	}
	s.logger.Info("host connected", "remote", conn.RemoteAddr().String(), "sessions", n)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run()
	}()
}

// SessionFor returns the session that registered the instrument, or nil.
func (s *Server) SessionFor(instrument string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sess := range s.sessions {
		if sess.Registered(instrument) {
			return sess
		}
	}
	return nil
}

// SendCommand routes a command to the owning session.
func (s *Server) SendCommand(instrument string, cmd types.Command) error {
	sess := s.SessionFor(instrument)
	if sess == nil {
		return fmt.Errorf("no host for instrument %q", instrument)
	}
	if err := sess.SendCommand(cmd); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.CommandsTotal.WithLabelValues(cmd.Command).Inc()
	}
	return nil
}

// SessionCount reports open sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown stops accepting, closes every session, and waits for their read
// loops to exit.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.stopped = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
	open := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.Close(ReasonShutdown)
	}
	s.wg.Wait()
}

// deliver implements sink: it forwards a frame to the classifier with a
// bounded wait so a stuffed supervisor sheds load instead of wedging reads.
func (s *Server) deliver(f InboundFrame, timeout time.Duration) bool {
	if s.metrics != nil {
		s.metrics.FramesTotal.WithLabelValues(f.Envelope.Type).Inc()
	}
	select {
	case s.inbound <- f:
		return true
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s.inbound <- f:
		return true
	case <-t.C:
		if s.metrics != nil {
			s.metrics.ProtocolErrors.WithLabelValues("dispatch_timeout").Inc()
		}
		return false
	}
}

// sessionClosed implements sink.
func (s *Server) sessionClosed(sess *Session, reason string) {
	s.mu.Lock()
	delete(s.sessions, sess)
	n := len(s.sessions)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.HostSessions.Set(float64(n))
	}

	select {
	case s.disconnects <- Disconnect{Session: sess, Reason: reason}:
	default:
		s.logger.Warn("disconnect channel full", "reason", reason)
	}
}
