package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metrastics/meshwatch/internal/config"
	"github.com/metrastics/meshwatch/internal/gateway"
)

func newRestartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Ask the running listener to reconnect to the radio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := gateway.NewClient(cfg.Gateway.Port).Restart(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "restart requested")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "meshwatch.yaml", "path to meshwatch config file")
	return cmd
}
