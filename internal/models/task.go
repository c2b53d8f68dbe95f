package models

import "time"

// ScheduledTask is a cron-scheduled outbound send. The scheduler posts the
// payload to the gateway whenever the cron expression fires.
type ScheduledTask struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	NodeID       string `gorm:"size:24;not null"`
	TaskType     string `gorm:"size:50;default:message"`
	Payload      string `gorm:"type:text"`
	CronExpr     string `gorm:"size:100;not null"`
	ChannelIndex *int
	Enabled      bool `gorm:"default:true;index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
