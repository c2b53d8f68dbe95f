package models

import "time"

// Listener connection statuses.
const (
	StatusInitializing = "INITIALIZING"
	StatusConnecting   = "CONNECTING"
	StatusConnected    = "CONNECTED"
	StatusDisconnected = "DISCONNECTED"
	StatusError        = "ERROR"
	StatusUnknown      = "UNKNOWN"
)

// ListenerState is a singleton (SingletonID always 1) describing the device
// connection. RestartRequested is set by the restart API and cleared by the
// supervisor once honored.
type ListenerState struct {
	SingletonID      uint   `gorm:"primaryKey"`
	Status           string `gorm:"size:20;default:UNKNOWN"`
	LastErrorMessage string `gorm:"type:text"`

	LocalNodeID   *string `gorm:"size:24"`
	LocalNodeNum  *uint32
	LocalNodeName *string `gorm:"size:100"`

	// JSON object mapping internal channel id (hex) to user-facing index.
	ChannelMapJSON string `gorm:"type:json"`

	RestartRequested bool `gorm:"default:false"`

	UpdatedAt time.Time
}
