// Package device connects to a mesh radio through its MQTT bridge. A Session
// delivers decoded packet and node events through callbacks and accepts
// outbound text sends; the supervisor owns the session lifecycle.
package device

import (
	"context"
)

// LocalNodeInfo identifies the radio the bridge is attached to.
type LocalNodeInfo struct {
	NodeID    string `json:"nodeId"`
	NodeNum   uint32 `json:"nodeNum"`
	LongName  string `json:"longName"`
	ShortName string `json:"shortName"`
}

// ChannelInfo maps a transmit channel index to the radio's internal channel
// identifier.
type ChannelInfo struct {
	Index      int    `json:"index"`
	InternalID string `json:"id"`
}

// Events carries the callbacks a session invokes as traffic arrives. Any
// callback may be nil. OnConnected fires once the radio has announced its
// identity, which may be well after Dial returns.
type Events struct {
	OnPacket         func(pkt map[string]interface{})
	OnNodeUpdated    func(nodeID string, info map[string]interface{})
	OnConnected      func(local LocalNodeInfo, channels []ChannelInfo)
	OnConnectionLost func(err error)
}

// Session is a live connection to a radio.
type Session interface {
	// SendText transmits a text message. destinationID is a canonical node
	// id or the broadcast id; a nil channelIndex means channel 0.
	SendText(text, destinationID string, wantAck bool, channelIndex *int) error

	// LocalNodeInfo returns the radio's identity, failing if the radio has
	// not announced itself yet.
	LocalNodeInfo() (LocalNodeInfo, error)

	// Channels returns the radio's channel table, failing if the radio has
	// not announced itself yet.
	Channels() ([]ChannelInfo, error)

	// Healthy reports whether the underlying transport is still usable.
	Healthy() bool

	Close() error
}

// Dialer opens sessions. The supervisor redials through the same Dialer on
// every reconnect attempt.
type Dialer interface {
	Dial(ctx context.Context, events Events) (Session, error)
}

// TruncateText fits text into the radio's payload limit, marking the cut with
// a trailing ellipsis.
func TruncateText(text string, maxLen int) string {
	if maxLen <= 0 || len(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return text[:maxLen]
	}
	return text[:maxLen-3] + "..."
}
