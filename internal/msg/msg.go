package msg

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/synclite/synclite/internal/state"
	"github.com/synclite/synclite/internal/utils"
)

const idSize = 3

// MessageType tags the wire message family.
type MessageType string

const (
	MsgInitialSyncPush         MessageType = "InitialSyncPush"
	MsgInitialSyncPushResponse MessageType = "InitialSyncPushResponse"
	MsgFileUpdatePush          MessageType = "FileUpdatePush"
)

// Message is the framed JSON envelope exchanged between participants.
type Message struct {
	Id   string      `json:"id"`
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

// FileData carries the bytes and metadata of one winning file. Content is
// base64 inside the JSON frame.
type FileData struct {
	Content      []byte    `json:"bytes"`
	Hash         string    `json:"hash"`
	LastModified time.Time `json:"last_modified"`
}

// InitialSyncPush opens every session: the peer ships its full state to
// the leader.
type InitialSyncPush struct {
	SyncState *state.SyncState `json:"sync_state"`
}

// InitialSyncPushResponse is the leader's reconciliation verdict.
type InitialSyncPushResponse struct {
	FilesToUpdate   map[string]FileData  `json:"files_to_update"`
	FilesToDelete   map[string]time.Time `json:"files_to_delete"`
	FilesToSendBack []string             `json:"files_to_send_back"`
}

// FileUpdatePush carries a batch of changes in either direction.
type FileUpdatePush struct {
	FilesToWrite  map[string]FileData  `json:"files_to_write"`
	PathsToDelete map[string]time.Time `json:"paths_to_delete"`
	DirCreates    []string             `json:"dir_creates"`
	DirDeletes    []string             `json:"dir_deletes"`
}

// Empty reports whether the push carries no changes at all.
func (p *FileUpdatePush) Empty() bool {
	return len(p.FilesToWrite) == 0 && len(p.PathsToDelete) == 0 &&
		len(p.DirCreates) == 0 && len(p.DirDeletes) == 0
}

func NewInitialSyncPush(st *state.SyncState) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgInitialSyncPush,
		Data: &InitialSyncPush{SyncState: st},
	}
}

func NewInitialSyncPushResponse(r *InitialSyncPushResponse) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgInitialSyncPushResponse,
		Data: r,
	}
}

func NewFileUpdatePush(p *FileUpdatePush) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgFileUpdatePush,
		Data: p,
	}
}

// UnmarshalJSON decodes the envelope and dispatches the payload on the
// type tag.
func (m *Message) UnmarshalJSON(data []byte) error {
	type tempMessage struct {
		Id   string          `json:"id"`
		Type MessageType     `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	var temp tempMessage
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	m.Id = temp.Id
	m.Type = temp.Type

	switch m.Type {
	case MsgInitialSyncPush:
		var push InitialSyncPush
		if err := json.Unmarshal(temp.Data, &push); err != nil {
			return err
		}
		m.Data = &push
	case MsgInitialSyncPushResponse:
		var resp InitialSyncPushResponse
		if err := json.Unmarshal(temp.Data, &resp); err != nil {
			return err
		}
		m.Data = &resp
	case MsgFileUpdatePush:
		var push FileUpdatePush
		if err := json.Unmarshal(temp.Data, &push); err != nil {
			return err
		}
		m.Data = &push
	default:
		return fmt.Errorf("unknown message type: %q", temp.Type)
	}

	return nil
}

func generateID() string {
	return utils.TokenHex(idSize)
}
