package supervisor

import (
	"log"
	"sync"

	"github.com/metrastics/meshwatch/internal/device"
)

// Snapshot is an immutable view of the connected radio's identity and channel
// table. Readers take the whole snapshot at once, so a reconnect can never
// hand them a channel map from one session and an identity from another.
type Snapshot struct {
	Version    uint64
	NodeID     string
	NodeNum    uint32
	NodeName   string
	ChannelMap map[string]int
}

// Connected reports whether the snapshot describes a live radio.
func (s Snapshot) Connected() bool {
	return s.NodeID != ""
}

// ChannelIndex resolves a radio-internal channel identifier to its transmit
// index. Unknown identifiers fall back to the primary channel.
func (s Snapshot) ChannelIndex(internalID string) int {
	if idx, ok := s.ChannelMap[internalID]; ok {
		return idx
	}
	log.Printf("supervisor: channel %q not in channel map, using channel 0", internalID)
	return 0
}

// SnapshotStore publishes the current snapshot to concurrent readers.
type SnapshotStore struct {
	mu      sync.RWMutex
	current Snapshot
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// Load returns the current snapshot.
func (st *SnapshotStore) Load() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// Replace swaps in a new snapshot built from a fresh session's identity and
// channel table.
func (st *SnapshotStore) Replace(local device.LocalNodeInfo, channels []device.ChannelInfo) Snapshot {
	channelMap := make(map[string]int, len(channels))
	for _, ch := range channels {
		if ch.InternalID != "" {
			channelMap[ch.InternalID] = ch.Index
		}
	}

	name := local.LongName
	if name == "" {
		name = local.ShortName
	}
	if name == "" {
		name = local.NodeID
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.current = Snapshot{
		Version:    st.current.Version + 1,
		NodeID:     local.NodeID,
		NodeNum:    local.NodeNum,
		NodeName:   name,
		ChannelMap: channelMap,
	}
	return st.current
}

// Clear empties the snapshot after a connection is lost so readers stop
// trusting stale identity.
func (st *SnapshotStore) Clear() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.current = Snapshot{Version: st.current.Version + 1}
}
