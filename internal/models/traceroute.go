package models

import "time"

// Traceroute links a requester and responder node to a discovered multi-hop
// path. Created only when a routing packet yields a usable route list, or,
// when error persistence is enabled, a significant routing error.
type Traceroute struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	PacketID      *uint
	PacketEventID string `gorm:"size:50;uniqueIndex"`

	RequesterNodeID    *string `gorm:"size:24"`
	ResponderNodeID    *string `gorm:"size:24"`
	RequesterNodeIDStr string  `gorm:"size:24"`
	ResponderNodeIDStr string  `gorm:"size:24"`

	// JSON array of node numbers, ordered requester-side first.
	RouteJSON   string  `gorm:"type:json"`
	ErrorReason string  `gorm:"size:50"`
	Timestamp   float64 `gorm:"index"`

	CreatedAt time.Time

	Packet        *Packet `gorm:"foreignKey:PacketID"`
	RequesterNode *Node   `gorm:"foreignKey:RequesterNodeID;references:NodeID"`
	ResponderNode *Node   `gorm:"foreignKey:ResponderNodeID;references:NodeID"`
}
