package network

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synclite/synclite/internal/msg"
)

const (
	// HandshakeTimeout bounds the initial sync exchange.
	HandshakeTimeout = 30 * time.Second
	// IdleTimeout bounds the gap between inbound frames on a live session.
	IdleTimeout = 10 * time.Minute

	sendQueueDepth = 256
	writeTimeout   = 20 * time.Second
	drainTimeout   = 5 * time.Second
)

// ErrSessionClosed is returned when enqueueing on a closed session.
var ErrSessionClosed = errors.New("session closed")

// SessionState tracks the per-session lifecycle.
type SessionState int32

const (
	StateOpened SessionState = iota
	StateHandshaking
	StateLive
	StateClosing
	StateClosed
	StateFailedClosed
)

var sessionStateNames = []string{
	"Opened",
	"Handshaking",
	"Live",
	"Closing",
	"Closed",
	"FailedClosed",
}

func (s SessionState) String() string {
	return sessionStateNames[s]
}

// Session owns one TCP connection to a remote participant: a bounded
// outbound queue drained by a single writer goroutine, and a reader driven
// by the hub or upstream that owns the session.
type Session struct {
	ID string

	conn      net.Conn
	sendq     chan *msg.Message
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	state     atomic.Int32
}

func NewSession(id string, conn net.Conn) *Session {
	s := &Session{
		ID:    id,
		conn:  conn,
		sendq: make(chan *msg.Message, sendQueueDepth),
		done:  make(chan struct{}),
	}
	s.state.Store(int32(StateOpened))
	return s
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
	slog.Debug("session state", "session", s.ID, "state", st)
}

// StartWriter launches the outbound queue drainer.
func (s *Session) StartWriter() {
	s.wg.Add(1)
	go s.writeLoop()
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case m := <-s.sendq:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := WriteFrame(s.conn, m); err != nil {
				slog.Warn("session write failed", "session", s.ID, "error", err)
				s.Close(true)
				return
			}
		}
	}
}

// Enqueue places a message on the outbound queue. A full queue blocks the
// caller (backpressure, never drops) until the session closes.
func (s *Session) Enqueue(m *msg.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.sendq <- m:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// ReadMessage reads the next inbound frame with the given deadline.
func (s *Session) ReadMessage(timeout time.Duration) (*msg.Message, error) {
	s.conn.SetReadDeadline(time.Now().Add(timeout))
	return ReadFrame(s.conn)
}

// Drain waits for the outbound queue to empty, capped at drainTimeout.
func (s *Session) Drain() {
	s.setState(StateClosing)
	deadline := time.Now().Add(drainTimeout)
	for len(s.sendq) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

// Close tears the session down. A failed close marks the session
// FailedClosed; a clean one marks it Closed. The outbound queue is dropped.
func (s *Session) Close(failed bool) {
	s.closeOnce.Do(func() {
		if failed {
			s.setState(StateFailedClosed)
		} else {
			s.setState(StateClosed)
		}
		close(s.done)
		s.conn.Close()
	})
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the writer goroutine exits.
func (s *Session) Wait() {
	s.wg.Wait()
}
