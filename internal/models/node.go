package models

import "time"

// Node is one radio endpoint in the mesh, keyed by its "!aabbccdd" string id.
// Rows are upserted with partial field sets; a field missing from an update
// never clears the stored value, which is why most columns are pointers.
type Node struct {
	NodeID  string  `gorm:"primaryKey;size:24"`
	NodeNum *uint32 `gorm:"uniqueIndex"`

	LongName        *string `gorm:"size:100"`
	ShortName       *string `gorm:"size:20"`
	MacAddr         *string `gorm:"size:17"`
	HWModel         *string `gorm:"size:50"`
	FirmwareVersion *string `gorm:"size:30"`
	Role            *string `gorm:"size:30"`
	IsLocal         bool    `gorm:"default:false"`

	LastHeard *float64 `gorm:"index"`

	BatteryLevel       *uint32
	Voltage            *float64
	ChannelUtilization *float64
	AirUtilTx          *float64
	UptimeSeconds      *uint32

	SNR  *float64
	RSSI *int

	Latitude     *float64
	Longitude    *float64
	Altitude     *int
	PositionTime *float64

	TelemetryTime *float64

	UserInfo               string `gorm:"type:json"`
	PositionInfo           string `gorm:"type:json"`
	DeviceMetricsInfo      string `gorm:"type:json"`
	EnvironmentMetricsInfo string `gorm:"type:json"`
	ModuleConfigInfo       string `gorm:"type:json"`
	ChannelInfo            string `gorm:"type:json"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DisplayName returns the best human-readable name for the node.
func (n *Node) DisplayName() string {
	if n.LongName != nil && *n.LongName != "" {
		return *n.LongName
	}
	if n.ShortName != nil && *n.ShortName != "" {
		return *n.ShortName
	}
	return n.NodeID
}
