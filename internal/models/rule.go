package models

import "time"

// Match modes for CommanderRule.MatchType.
const (
	MatchExact      = "exact"
	MatchContains   = "contains"
	MatchStartsWith = "startswith"
	MatchRegex      = "regex"
)

// CommanderRule is an auto-reply rule evaluated against incoming text
// messages. Rules are iterated in (priority, name) order and the first match
// wins. LastTriggered is a JSON object mapping sender node id to the ISO-8601
// timestamp of the last successful trigger, used for per-sender cooldowns.
type CommanderRule struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	Name             string `gorm:"size:100;uniqueIndex;not null"`
	TriggerPhrase    string `gorm:"type:text"`
	MatchType        string `gorm:"size:15;default:contains"`
	ResponseTemplate string `gorm:"type:text"`
	Enabled          bool   `gorm:"default:true;index"`
	Priority         int    `gorm:"default:100"`
	CooldownSeconds  uint   `gorm:"default:60"`
	LastTriggered    string `gorm:"type:json"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CommanderSettings is a singleton (SingletonID always 1) holding
// commander-wide switches.
type CommanderSettings struct {
	SingletonID        uint `gorm:"primaryKey"`
	ChatbotModeEnabled bool `gorm:"default:false"`
	UpdatedAt          time.Time
}
