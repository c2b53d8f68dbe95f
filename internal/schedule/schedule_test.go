package schedule

import (
	"sync"
	"testing"

	"gorm.io/gorm"

	"github.com/metrastics/meshwatch/internal/config"
	"github.com/metrastics/meshwatch/internal/db"
	"github.com/metrastics/meshwatch/internal/models"
)

type fakePoster struct {
	mu    sync.Mutex
	sends []string
	err   error
}

func (p *fakePoster) Send(text, destinationID string, channelIndex *int, wantAck bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sends = append(p.sends, destinationID+": "+text)
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(conn); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return conn
}

func TestValidateExpr(t *testing.T) {
	tests := []struct {
		expr  string
		valid bool
	}{
		{"0 8 * * *", true},
		{"*/5 * * * *", true},
		{"0 8 * * MON", true},
		{"not a cron", false},
		{"* * * *", false},
		{"", false},
	}
	for _, tt := range tests {
		err := ValidateExpr(tt.expr)
		if tt.valid && err != nil {
			t.Errorf("ValidateExpr(%q) = %v, want valid", tt.expr, err)
		}
		if !tt.valid && err == nil {
			t.Errorf("ValidateExpr(%q) accepted", tt.expr)
		}
	}
}

func TestLoad_RegistersEnabledTasks(t *testing.T) {
	conn := openTestDB(t)
	conn.Create(&models.ScheduledTask{
		NodeID: "^all", Payload: "morning report", CronExpr: "0 8 * * *", Enabled: true,
	})
	conn.Create(&models.ScheduledTask{
		NodeID: "!0000002a", Payload: "ping", CronExpr: "*/5 * * * *", Enabled: true,
	})
	disabled := models.ScheduledTask{
		NodeID: "^all", Payload: "disabled", CronExpr: "0 0 * * *", Enabled: true,
	}
	conn.Create(&disabled)
	conn.Model(&disabled).Update("enabled", false)

	runner := NewRunner(conn, &fakePoster{})
	registered, err := runner.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if registered != 2 {
		t.Errorf("registered = %d, want 2", registered)
	}
}

func TestLoad_SkipsInvalidCron(t *testing.T) {
	conn := openTestDB(t)
	conn.Create(&models.ScheduledTask{
		NodeID: "^all", Payload: "ok", CronExpr: "0 8 * * *", Enabled: true,
	})
	conn.Create(&models.ScheduledTask{
		NodeID: "^all", Payload: "broken", CronExpr: "nope", Enabled: true,
	})

	runner := NewRunner(conn, &fakePoster{})
	registered, err := runner.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if registered != 1 {
		t.Errorf("registered = %d, want invalid expression skipped", registered)
	}
}

func TestFire_PostsThroughGateway(t *testing.T) {
	conn := openTestDB(t)
	poster := &fakePoster{}
	runner := NewRunner(conn, poster)

	idx := 1
	runner.fire(models.ScheduledTask{
		ID: 7, NodeID: "!0000002a", Payload: "scheduled hello", ChannelIndex: &idx,
	})

	if len(poster.sends) != 1 {
		t.Fatalf("sends = %d", len(poster.sends))
	}
	if poster.sends[0] != "!0000002a: scheduled hello" {
		t.Errorf("send = %q", poster.sends[0])
	}
}

func TestFire_SendErrorIsLoggedNotFatal(t *testing.T) {
	conn := openTestDB(t)
	poster := &fakePoster{err: errGatewayDown}
	runner := NewRunner(conn, poster)

	runner.fire(models.ScheduledTask{ID: 8, NodeID: "^all", Payload: "hi"})
	if len(poster.sends) != 0 {
		t.Error("failed send recorded a delivery")
	}
}

var errGatewayDown = &gatewayDownError{}

type gatewayDownError struct{}

func (*gatewayDownError) Error() string { return "gateway unreachable" }
