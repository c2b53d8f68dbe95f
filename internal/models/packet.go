package models

import "time"

// Packet is one received mesh transmission, immutable once created. The
// from/to string ids are kept alongside the node foreign keys as a forensic
// record that survives node removal.
type Packet struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	EventID string `gorm:"size:50;uniqueIndex"`
	// Unix epoch seconds at receive/processing time.
	Timestamp float64 `gorm:"index"`
	RxTime    *int64

	FromNodeID    *string `gorm:"size:24"`
	ToNodeID      *string `gorm:"size:24"`
	FromNodeIDStr string  `gorm:"size:24;index"`
	ToNodeIDStr   string  `gorm:"size:24;index"`

	Channel    *int
	PortNum    string `gorm:"size:50"`
	PacketType string `gorm:"size:50;index"`

	RxSNR    *float64
	RxRSSI   *int
	HopLimit *int
	WantAck  bool `gorm:"default:false"`

	DecodedJSON string `gorm:"type:json"`
	RawJSON     string `gorm:"type:json"`

	CreatedAt time.Time

	FromNode *Node `gorm:"foreignKey:FromNodeID;references:NodeID"`
	ToNode   *Node `gorm:"foreignKey:ToNodeID;references:NodeID"`
}

// Message is the 1:1 specialization of a text-type Packet. The Channel column
// stores the raw internal channel id as received, not the mapped index.
type Message struct {
	PacketID uint `gorm:"primaryKey"`

	FromNodeID    *string `gorm:"size:24"`
	ToNodeID      *string `gorm:"size:24"`
	FromNodeIDStr string  `gorm:"size:24;index"`
	ToNodeIDStr   string  `gorm:"size:24;index"`

	Channel   string  `gorm:"size:64"`
	Text      string  `gorm:"type:text"`
	Timestamp float64 `gorm:"index"`

	RxSNR  *float64
	RxRSSI *int

	CreatedAt time.Time

	Packet   Packet `gorm:"foreignKey:PacketID"`
	FromNode *Node  `gorm:"foreignKey:FromNodeID;references:NodeID"`
	ToNode   *Node  `gorm:"foreignKey:ToNodeID;references:NodeID"`
}
