package db

import (
	"fmt"

	"github.com/metrastics/meshwatch/internal/models"
	"gorm.io/gorm"
)

// singletonID is the fixed primary key shared by all singleton rows.
const singletonID = 1

// ListenerState fetches the singleton listener state row, creating it with
// status UNKNOWN if it does not exist yet.
func ListenerState(db *gorm.DB) (*models.ListenerState, error) {
	var state models.ListenerState
	err := db.Where(models.ListenerState{SingletonID: singletonID}).
		Attrs(models.ListenerState{Status: models.StatusUnknown}).
		FirstOrCreate(&state).Error
	if err != nil {
		return nil, fmt.Errorf("db: listener state: %w", err)
	}
	return &state, nil
}

// UpdateListenerState applies a partial update to the singleton listener
// state row, creating the row first if needed.
func UpdateListenerState(db *gorm.DB, fields map[string]interface{}) error {
	if _, err := ListenerState(db); err != nil {
		return err
	}
	err := db.Model(&models.ListenerState{}).
		Where("singleton_id = ?", singletonID).
		Updates(fields).Error
	if err != nil {
		return fmt.Errorf("db: update listener state: %w", err)
	}
	return nil
}

// CommanderSettings fetches the singleton commander settings row, creating
// it with defaults if it does not exist yet.
func CommanderSettings(db *gorm.DB) (*models.CommanderSettings, error) {
	var settings models.CommanderSettings
	err := db.Where(models.CommanderSettings{SingletonID: singletonID}).
		FirstOrCreate(&settings).Error
	if err != nil {
		return nil, fmt.Errorf("db: commander settings: %w", err)
	}
	return &settings, nil
}
