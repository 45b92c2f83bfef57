package state

import (
	"encoding/json"
	"fmt"
	"os"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/synclite/synclite/internal/utils"
)

// PeersConfig is the persisted participant registry under
// .synclite/peers.json. IDs are opaque stable strings used for logging and
// rebroadcast self-exclusion, not for authentication. The leader keeps its
// own ID in Leader; a peer process keeps its own ID in Peers.
type PeersConfig struct {
	Leader string   `json:"leader"`
	Peers  []string `json:"peers"`

	path  string
	known mapset.Set[string]
}

// NewPeerID generates a fresh opaque participant ID.
func NewPeerID() string {
	return uuid.NewString()
}

// LoadPeersConfig reads peers.json or starts empty when none exists.
func LoadPeersConfig(path string) (*PeersConfig, error) {
	cfg := &PeersConfig{
		path:  path,
		known: mapset.NewSet[string](),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read peers config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, path, err)
	}
	for _, id := range cfg.Peers {
		cfg.known.Add(id)
	}
	return cfg, nil
}

// Save persists the config via temp+rename.
func (c *PeersConfig) Save() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal peers config: %w", err)
	}
	if err := utils.EnsureParent(c.path); err != nil {
		return fmt.Errorf("create peers dir: %w", err)
	}
	if err := utils.WriteFileAtomic(c.path, data, 0o644); err != nil {
		return fmt.Errorf("write peers config: %w", err)
	}
	return nil
}

// EnsureLeaderID returns the persisted leader identity, generating and
// saving one at first boot.
func (c *PeersConfig) EnsureLeaderID() (string, error) {
	if c.Leader != "" {
		return c.Leader, nil
	}
	c.Leader = NewPeerID()
	if err := c.Save(); err != nil {
		return "", err
	}
	return c.Leader, nil
}

// EnsureSelfID returns this peer's persisted identity, generating and
// saving one at first boot.
func (c *PeersConfig) EnsureSelfID() (string, error) {
	if len(c.Peers) > 0 {
		return c.Peers[0], nil
	}
	id := NewPeerID()
	c.Peers = append(c.Peers, id)
	c.known.Add(id)
	if err := c.Save(); err != nil {
		return "", err
	}
	return id, nil
}

// AddPeer records a newly seen participant. Returns true when the ID was
// not known before.
func (c *PeersConfig) AddPeer(id string) bool {
	if !c.known.Add(id) {
		return false
	}
	c.Peers = append(c.Peers, id)
	return true
}
