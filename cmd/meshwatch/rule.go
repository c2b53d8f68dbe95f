package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/metrastics/meshwatch/internal/models"
)

func newRuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage auto-reply rules",
	}

	cmd.AddCommand(newRuleAddCmd())
	cmd.AddCommand(newRuleListCmd())
	cmd.AddCommand(newRuleEnableCmd(true))
	cmd.AddCommand(newRuleEnableCmd(false))
	cmd.AddCommand(newRuleDeleteCmd())
	return cmd
}

func newRuleAddCmd() *cobra.Command {
	var (
		configPath string
		trigger    string
		matchType  string
		response   string
		priority   int
		cooldown   uint
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add an auto-reply rule",
		Long: `Adds a rule evaluated against incoming text messages. Match types:
exact, contains, startswith, regex. Response templates may use placeholders
such as <SENDER_NAME>, <LOCAL_NODE_NAME>, <CURRENT_TIME> and <LOCATION>.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if trigger == "" || response == "" {
				return fmt.Errorf("rule: --trigger and --response are required")
			}
			switch matchType {
			case models.MatchExact, models.MatchContains, models.MatchStartsWith, models.MatchRegex:
			default:
				return fmt.Errorf("rule: unknown match type %q", matchType)
			}

			_, conn, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			rule := models.CommanderRule{
				Name:             args[0],
				TriggerPhrase:    trigger,
				MatchType:        matchType,
				ResponseTemplate: response,
				Enabled:          true,
				Priority:         priority,
				CooldownSeconds:  cooldown,
			}
			if err := conn.Create(&rule).Error; err != nil {
				return fmt.Errorf("rule: create %q: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rule %q added (id %d)\n", rule.Name, rule.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "meshwatch.yaml", "path to meshwatch config file")
	cmd.Flags().StringVar(&trigger, "trigger", "", "phrase or pattern to match")
	cmd.Flags().StringVar(&matchType, "match", models.MatchContains, "match type: exact, contains, startswith, regex")
	cmd.Flags().StringVar(&response, "response", "", "response template")
	cmd.Flags().IntVar(&priority, "priority", 100, "evaluation priority (lower fires first)")
	cmd.Flags().UintVar(&cooldown, "cooldown", 60, "per-sender cooldown in seconds")
	return cmd
}

func newRuleListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List auto-reply rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, conn, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			return listRules(cmd.OutOrStdout(), conn)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "meshwatch.yaml", "path to meshwatch config file")
	return cmd
}

func listRules(out io.Writer, conn *gorm.DB) error {
	var ruleSet []models.CommanderRule
	err := conn.Order("priority asc").Order("name asc").Find(&ruleSet).Error
	if err != nil {
		return fmt.Errorf("rule: list: %w", err)
	}
	if len(ruleSet) == 0 {
		fmt.Fprintln(out, "no rules configured")
		return nil
	}

	fmt.Fprintf(out, "%-4s %-20s %-10s %-8s %-25s %s\n", "PRI", "NAME", "MATCH", "ENABLED", "TRIGGER", "COOLDOWN")
	for _, rule := range ruleSet {
		trigger := rule.TriggerPhrase
		if len(trigger) > 25 {
			trigger = trigger[:22] + "..."
		}
		fmt.Fprintf(out, "%-4d %-20s %-10s %-8t %-25s %ds\n",
			rule.Priority, rule.Name, rule.MatchType, rule.Enabled, trigger, rule.CooldownSeconds)
	}
	return nil
}

func newRuleEnableCmd(enable bool) *cobra.Command {
	use, short, verb := "enable <name>", "Enable an auto-reply rule", "enabled"
	if !enable {
		use, short, verb = "disable <name>", "Disable an auto-reply rule", "disabled"
	}

	var configPath string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, conn, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			result := conn.Model(&models.CommanderRule{}).
				Where("name = ?", args[0]).
				Update("enabled", enable)
			if result.Error != nil {
				return fmt.Errorf("rule: update %q: %w", args[0], result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("rule: no rule named %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rule %q %s\n", args[0], verb)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "meshwatch.yaml", "path to meshwatch config file")
	return cmd
}

func newRuleDeleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an auto-reply rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, conn, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			result := conn.Where("name = ?", args[0]).Delete(&models.CommanderRule{})
			if result.Error != nil {
				return fmt.Errorf("rule: delete %q: %w", args[0], result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("rule: no rule named %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rule %q deleted\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "meshwatch.yaml", "path to meshwatch config file")
	return cmd
}
