package models

import "time"

// Position is an immutable history row appended for every position-type
// packet before the Node's latest-position snapshot is updated.
type Position struct {
	ID        uint    `gorm:"primaryKey;autoIncrement"`
	NodeID    string  `gorm:"size:24;index:idx_position_node_time"`
	Timestamp float64 `gorm:"index:idx_position_node_time"`

	Latitude  float64
	Longitude float64
	Altitude  *int

	PrecisionBits *uint32
	GroundSpeed   *uint32
	GroundTrack   *uint32
	SatsInView    *uint32
	PDOP          *float64
	HDOP          *float64
	VDOP          *float64

	CreatedAt time.Time

	Node Node `gorm:"foreignKey:NodeID;references:NodeID"`
}

// Telemetry is an immutable history row appended for every telemetry-type
// packet, covering device and environment metrics.
type Telemetry struct {
	ID        uint    `gorm:"primaryKey;autoIncrement"`
	NodeID    string  `gorm:"size:24;index:idx_telemetry_node_time"`
	Timestamp float64 `gorm:"index:idx_telemetry_node_time"`

	BatteryLevel       *uint32
	Voltage            *float64
	ChannelUtilization *float64
	AirUtilTx          *float64
	UptimeSeconds      *uint32

	Temperature        *float64
	RelativeHumidity   *float64
	BarometricPressure *float64
	GasResistance      *float64
	IAQ                *float64

	CreatedAt time.Time

	Node Node `gorm:"foreignKey:NodeID;references:NodeID"`
}
