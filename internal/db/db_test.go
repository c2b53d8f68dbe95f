package db

import (
	"strings"
	"testing"

	"github.com/metrastics/meshwatch/internal/config"
	"github.com/metrastics/meshwatch/internal/models"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return db
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %q", err)
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 10 {
		t.Errorf("AllModels() returned %d models, want 10", got)
	}
}

func TestListenerState_CreatesSingleton(t *testing.T) {
	db := openTestDB(t)

	state, err := ListenerState(db)
	if err != nil {
		t.Fatalf("ListenerState: %v", err)
	}
	if state.SingletonID != 1 {
		t.Errorf("SingletonID = %d, want 1", state.SingletonID)
	}
	if state.Status != models.StatusUnknown {
		t.Errorf("Status = %q, want %q", state.Status, models.StatusUnknown)
	}

	// A second fetch must return the same row, not create another.
	again, err := ListenerState(db)
	if err != nil {
		t.Fatalf("ListenerState (second): %v", err)
	}
	if again.SingletonID != state.SingletonID {
		t.Error("second fetch created a new singleton row")
	}
	var count int64
	db.Model(&models.ListenerState{}).Count(&count)
	if count != 1 {
		t.Errorf("listener state rows = %d, want 1", count)
	}
}

func TestUpdateListenerState(t *testing.T) {
	db := openTestDB(t)

	err := UpdateListenerState(db, map[string]interface{}{
		"status":             models.StatusConnecting,
		"last_error_message": "",
	})
	if err != nil {
		t.Fatalf("UpdateListenerState: %v", err)
	}

	state, err := ListenerState(db)
	if err != nil {
		t.Fatalf("ListenerState: %v", err)
	}
	if state.Status != models.StatusConnecting {
		t.Errorf("Status = %q, want %q", state.Status, models.StatusConnecting)
	}
}

func TestUpdateListenerState_PartialUpdateKeepsOtherFields(t *testing.T) {
	db := openTestDB(t)

	if err := UpdateListenerState(db, map[string]interface{}{
		"status":             models.StatusError,
		"last_error_message": "connection refused",
	}); err != nil {
		t.Fatalf("UpdateListenerState: %v", err)
	}
	if err := UpdateListenerState(db, map[string]interface{}{
		"status": models.StatusConnecting,
	}); err != nil {
		t.Fatalf("UpdateListenerState: %v", err)
	}

	state, _ := ListenerState(db)
	if state.LastErrorMessage != "connection refused" {
		t.Errorf("LastErrorMessage = %q, want preserved value", state.LastErrorMessage)
	}
}

func TestCommanderSettings_Defaults(t *testing.T) {
	db := openTestDB(t)

	settings, err := CommanderSettings(db)
	if err != nil {
		t.Fatalf("CommanderSettings: %v", err)
	}
	if settings.ChatbotModeEnabled {
		t.Error("ChatbotModeEnabled should default to false")
	}
}
