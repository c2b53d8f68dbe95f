package db

import (
	"fmt"

	"github.com/metrastics/meshwatch/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Node{},
		&models.Packet{},
		&models.Message{},
		&models.Position{},
		&models.Telemetry{},
		&models.Traceroute{},
		&models.CommanderRule{},
		&models.CommanderSettings{},
		&models.ListenerState{},
		&models.ScheduledTask{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
