// Package schedule runs cron-scheduled outbound sends. Tasks live in the
// database and are (re)loaded into a cron runner; firing a task posts its
// payload to the gateway, which owns the live device session.
package schedule

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/metrastics/meshwatch/internal/models"
)

// Poster is the slice of the gateway client the runner needs.
type Poster interface {
	Send(text, destinationID string, channelIndex *int, wantAck bool) error
}

// cronParser accepts standard 5-field expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateExpr reports whether expr is a usable 5-field cron expression.
func ValidateExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("schedule: invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Runner owns a cron instance populated from the scheduled task table.
type Runner struct {
	db     *gorm.DB
	poster Poster
	cron   *cron.Cron
}

func NewRunner(db *gorm.DB, poster Poster) *Runner {
	return &Runner{
		db:     db,
		poster: poster,
		cron:   cron.New(cron.WithParser(cronParser)),
	}
}

// Load reads all enabled tasks and registers them. Tasks with invalid cron
// expressions are skipped with a log line rather than failing the rest.
func (r *Runner) Load() (int, error) {
	var tasks []models.ScheduledTask
	err := r.db.Where("enabled = ?", true).Find(&tasks).Error
	if err != nil {
		return 0, fmt.Errorf("schedule: load tasks: %w", err)
	}

	registered := 0
	for i := range tasks {
		task := tasks[i]
		_, err := r.cron.AddFunc(task.CronExpr, func() { r.fire(task) })
		if err != nil {
			log.Printf("schedule: task %d has invalid cron %q: %v", task.ID, task.CronExpr, err)
			continue
		}
		registered++
	}
	return registered, nil
}

// Start runs the cron loop until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.cron.Start()
	log.Printf("schedule: runner started with %d entries", len(r.cron.Entries()))

	<-ctx.Done()
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	log.Printf("schedule: runner stopped")
}

func (r *Runner) fire(task models.ScheduledTask) {
	err := r.poster.Send(task.Payload, task.NodeID, task.ChannelIndex, false)
	if err != nil {
		log.Printf("schedule: task %d send to %s failed: %v", task.ID, task.NodeID, err)
		return
	}
	log.Printf("schedule: task %d sent to %s", task.ID, task.NodeID)
}
