package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/metrastics/meshwatch/internal/models"
	"github.com/metrastics/meshwatch/internal/schedule"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage scheduled sends",
	}

	cmd.AddCommand(newTaskAddCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskDeleteCmd())
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	var (
		configPath string
		to         string
		cronExpr   string
		channel    int
	)

	cmd := &cobra.Command{
		Use:   "add <payload>",
		Short: "Add a cron-scheduled send",
		Long:  "Schedules a recurring outbound message. The cron expression uses the standard 5 fields (minute hour dom month dow). The listener must be restarted to pick up new tasks.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cronExpr == "" {
				return fmt.Errorf("task: --cron is required")
			}
			if err := schedule.ValidateExpr(cronExpr); err != nil {
				return err
			}

			_, conn, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			task := models.ScheduledTask{
				NodeID:   to,
				TaskType: "message",
				Payload:  args[0],
				CronExpr: cronExpr,
				Enabled:  true,
			}
			if to == "" {
				task.NodeID = "^all"
			}
			if cmd.Flags().Changed("channel") {
				task.ChannelIndex = &channel
			}
			if err := conn.Create(&task).Error; err != nil {
				return fmt.Errorf("task: create: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %d scheduled (%s)\n", task.ID, task.CronExpr)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "meshwatch.yaml", "path to meshwatch config file")
	cmd.Flags().StringVar(&to, "to", "", "destination node id (default: broadcast)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "5-field cron expression")
	cmd.Flags().IntVar(&channel, "channel", 0, "transmit channel index")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled sends",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, conn, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			return listTasks(cmd.OutOrStdout(), conn)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "meshwatch.yaml", "path to meshwatch config file")
	return cmd
}

func listTasks(out io.Writer, conn *gorm.DB) error {
	var tasks []models.ScheduledTask
	if err := conn.Order("id asc").Find(&tasks).Error; err != nil {
		return fmt.Errorf("task: list: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(out, "no tasks scheduled")
		return nil
	}

	fmt.Fprintf(out, "%-4s %-14s %-16s %-8s %s\n", "ID", "TO", "CRON", "ENABLED", "PAYLOAD")
	for _, task := range tasks {
		payload := task.Payload
		if len(payload) > 40 {
			payload = payload[:37] + "..."
		}
		fmt.Fprintf(out, "%-4d %-14s %-16s %-8t %s\n",
			task.ID, task.NodeID, task.CronExpr, task.Enabled, payload)
	}
	return nil
}

func newTaskDeleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a scheduled send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, conn, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			result := conn.Where("id = ?", args[0]).Delete(&models.ScheduledTask{})
			if result.Error != nil {
				return fmt.Errorf("task: delete %s: %w", args[0], result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("task: no task with id %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s deleted\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "meshwatch.yaml", "path to meshwatch config file")
	return cmd
}
