package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/synclite/synclite/internal/msg"
	"github.com/synclite/synclite/internal/state"
)

// LeaderHandler is the sync logic the hub drives for each session.
type LeaderHandler interface {
	// HandleInitialSync reconciles a connecting peer's state against the
	// local one and assembles the response, bytes included.
	HandleInitialSync(peerState *state.SyncState) (*msg.InitialSyncPushResponse, error)
	// ApplyPush applies an inbound batch of remote changes.
	ApplyPush(push *msg.FileUpdatePush) error
}

// Hub is the leader-side connection manager: it accepts peers, runs the
// initial sync handshake per session, and rebroadcasts applied pushes to
// every other live session.
type Hub struct {
	addr    string
	handler LeaderHandler

	// OnPeerLive, when set, is invoked with the session ID of every peer
	// that completes the handshake.
	OnPeerLive func(id string)

	mu       sync.RWMutex
	sessions map[string]*Session

	ln net.Listener
	wg sync.WaitGroup
}

func NewHub(addr string, handler LeaderHandler) *Hub {
	return &Hub{
		addr:     addr,
		handler:  handler,
		sessions: make(map[string]*Session),
	}
}

// Run listens and serves until the context is canceled. One session's
// failure never affects the others.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %v", ErrPeerUnreachable, h.addr, err)
	}
	h.ln = ln
	slog.Info("hub listening", "addr", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				h.shutdown()
				return nil
			}
			slog.Warn("accept failed", "error", err)
			continue
		}

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.serveSession(conn)
		}()
	}
}

// Addr returns the bound listen address, valid once Run has started.
func (h *Hub) Addr() net.Addr {
	if h.ln == nil {
		return nil
	}
	return h.ln.Addr()
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) serveSession(conn net.Conn) {
	sess := NewSession(state.NewPeerID(), conn)
	slog.Info("peer connecting", "session", sess.ID, "remote", conn.RemoteAddr())

	if err := h.handshake(sess); err != nil {
		slog.Warn("handshake failed", "session", sess.ID, "error", err)
		sess.Close(true)
		return
	}

	h.register(sess)
	defer h.unregister(sess)

	sess.setState(StateLive)
	slog.Info("peer live", "session", sess.ID, "active", h.SessionCount())
	if h.OnPeerLive != nil {
		h.OnPeerLive(sess.ID)
	}

	h.readLoop(sess)
}

// handshake enforces the protocol opening: the first frame on a session
// must be an InitialSyncPush, answered within the handshake deadline.
func (h *Hub) handshake(sess *Session) error {
	sess.setState(StateHandshaking)

	m, err := sess.ReadMessage(HandshakeTimeout)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		return err
	}

	push, ok := m.Data.(*msg.InitialSyncPush)
	if !ok {
		return fmt.Errorf("%w: expected InitialSyncPush, got %s", ErrProtocol, m.Type)
	}

	resp, err := h.handler.HandleInitialSync(push.SyncState)
	if err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}

	sess.StartWriter()
	if err := sess.Enqueue(msg.NewInitialSyncPushResponse(resp)); err != nil {
		return err
	}

	slog.Info("initial sync sent",
		"session", sess.ID,
		"updates", len(resp.FilesToUpdate),
		"deletes", len(resp.FilesToDelete),
		"send_back", len(resp.FilesToSendBack))
	return nil
}

func (h *Hub) readLoop(sess *Session) {
	for {
		m, err := sess.ReadMessage(IdleTimeout)
		if err != nil {
			h.closeOnReadError(sess, err)
			return
		}

		push, ok := m.Data.(*msg.FileUpdatePush)
		if !ok {
			slog.Warn("unexpected message on live session", "session", sess.ID, "type", m.Type)
			sess.Close(true)
			return
		}

		if err := h.handler.ApplyPush(push); err != nil {
			slog.Warn("apply push failed", "session", sess.ID, "error", err)
		}

		// Forward the applied push to every other live session.
		h.Broadcast(m, sess.ID)
	}
}

func (h *Hub) closeOnReadError(sess *Session, err error) {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
		sess.Close(false)
		return
	}
	if isClean(err) {
		slog.Info("peer disconnected", "session", sess.ID)
		sess.Close(false)
		return
	}
	slog.Warn("session read failed", "session", sess.ID, "error", err)
	sess.Close(true)
}

// Broadcast enqueues the message on every live session except the excluded
// one. The session map is snapshotted so no lock is held across I/O; a full
// queue blocks rather than drops.
func (h *Hub) Broadcast(m *msg.Message, excludeID string) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for id, sess := range h.sessions {
		if id != excludeID {
			targets = append(targets, sess)
		}
	}
	h.mu.RUnlock()

	for _, sess := range targets {
		if err := sess.Enqueue(m); err != nil {
			slog.Debug("broadcast skipped closed session", "session", sess.ID)
		}
	}
}

func (h *Hub) register(sess *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sess.ID] = sess
}

func (h *Hub) unregister(sess *Session) {
	h.mu.Lock()
	delete(h.sessions, sess.ID)
	active := len(h.sessions)
	h.mu.Unlock()

	sess.Close(false)
	sess.Wait()
	slog.Info("peer removed", "session", sess.ID, "active", active)
}

func (h *Hub) shutdown() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.RUnlock()

	for _, sess := range sessions {
		sess.Drain()
		sess.Close(false)
	}
	h.wg.Wait()
	slog.Info("hub stopped")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isClean(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
