package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/synclite/synclite/internal/msg"
	"github.com/synclite/synclite/internal/state"
)

const dialTimeout = 10 * time.Second

// PeerHandler is the sync logic an upstream session drives on the peer side.
type PeerHandler interface {
	// BuildInitialSync snapshots the local state for the opening push.
	BuildInitialSync() *state.SyncState
	// ApplyInitialSyncResponse applies the leader's reconciliation verdict.
	ApplyInitialSyncResponse(resp *msg.InitialSyncPushResponse) error
	// BuildSendBack assembles the push answering files_to_send_back.
	BuildSendBack(paths []string) *msg.FileUpdatePush
	// ApplyPush applies an inbound batch of remote changes.
	ApplyPush(push *msg.FileUpdatePush) error
}

// Upstream is the peer-side connection manager: one session to the leader.
type Upstream struct {
	handler PeerHandler
	session *Session
}

// Connect dials the leader. A transport failure here surfaces as
// ErrPeerUnreachable; no automatic reconnection is attempted.
func Connect(ctx context.Context, addr string, selfID string, handler PeerHandler) (*Upstream, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, addr, err)
	}

	slog.Info("connected to leader", "addr", addr, "peer_id", selfID)
	return &Upstream{
		handler: handler,
		session: NewSession(selfID, conn),
	}, nil
}

// Run performs the initial sync handshake and then serves the session
// until the context is canceled or the leader goes away.
func (u *Upstream) Run(ctx context.Context) error {
	sess := u.session

	go func() {
		<-ctx.Done()
		sess.Drain()
		sess.Close(false)
	}()

	if err := u.handshake(); err != nil {
		sess.Close(true)
		return err
	}

	sess.setState(StateLive)
	slog.Info("initial sync complete", "session", sess.ID)

	for {
		m, err := sess.ReadMessage(IdleTimeout)
		if err != nil {
			return u.closeOnReadError(ctx, err)
		}

		push, ok := m.Data.(*msg.FileUpdatePush)
		if !ok {
			sess.Close(true)
			return fmt.Errorf("%w: unexpected %s on live session", ErrProtocol, m.Type)
		}

		if err := u.handler.ApplyPush(push); err != nil {
			slog.Warn("apply push failed", "error", err)
		}
	}
}

func (u *Upstream) handshake() error {
	sess := u.session
	sess.setState(StateHandshaking)
	sess.StartWriter()

	if err := sess.Enqueue(msg.NewInitialSyncPush(u.handler.BuildInitialSync())); err != nil {
		return err
	}

	m, err := sess.ReadMessage(HandshakeTimeout)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		return fmt.Errorf("initial sync response: %w", err)
	}

	resp, ok := m.Data.(*msg.InitialSyncPushResponse)
	if !ok {
		return fmt.Errorf("%w: expected InitialSyncPushResponse, got %s", ErrProtocol, m.Type)
	}

	if err := u.handler.ApplyInitialSyncResponse(resp); err != nil {
		return fmt.Errorf("apply initial sync: %w", err)
	}

	slog.Info("initial sync applied",
		"updates", len(resp.FilesToUpdate),
		"deletes", len(resp.FilesToDelete),
		"send_back", len(resp.FilesToSendBack))

	if len(resp.FilesToSendBack) > 0 {
		push := u.handler.BuildSendBack(resp.FilesToSendBack)
		if err := sess.Enqueue(msg.NewFileUpdatePush(push)); err != nil {
			return err
		}
	}

	return nil
}

// Send ships a local change batch to the leader.
func (u *Upstream) Send(m *msg.Message) error {
	return u.session.Enqueue(m)
}

// Broadcast implements the same surface as the hub so the engine can stay
// role-agnostic; a peer has exactly one place to send.
func (u *Upstream) Broadcast(m *msg.Message, _ string) {
	if err := u.Send(m); err != nil {
		slog.Warn("send to leader failed", "error", err)
	}
}

func (u *Upstream) closeOnReadError(ctx context.Context, err error) error {
	sess := u.session
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		sess.Close(false)
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		slog.Info("leader closed the session")
		sess.Close(false)
		return fmt.Errorf("%w: connection closed", ErrPeerUnreachable)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		sess.Close(false)
		return fmt.Errorf("%w: idle timeout", ErrPeerUnreachable)
	}
	sess.Close(true)
	return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
}
