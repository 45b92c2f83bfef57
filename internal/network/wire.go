package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/synclite/synclite/internal/msg"
)

// MaxFrameSize caps a single length-prefixed frame. Oversize frames are
// session-fatal.
const MaxFrameSize = 64 << 20

var (
	// ErrFrameTooLarge is returned when a frame length exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrProtocol is returned on a message that violates the session protocol.
	ErrProtocol = errors.New("protocol error")
	// ErrHandshakeTimeout is returned when the initial sync exchange does
	// not complete within the handshake deadline.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrPeerUnreachable is returned when the upstream leader cannot be
	// reached on connect or goes away mid-session, and when the hub cannot
	// listen on its address.
	ErrPeerUnreachable = errors.New("peer unreachable")
)

// WriteFrame writes one message as a 4-byte big-endian length followed by
// that many bytes of UTF-8 JSON.
func WriteFrame(w io.Writer, m *msg.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message.
func ReadFrame(r io.Reader) (*msg.Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	var m msg.Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &m, nil
}
