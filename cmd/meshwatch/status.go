package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/metrastics/meshwatch/internal/config"
	"github.com/metrastics/meshwatch/internal/db"
	"github.com/metrastics/meshwatch/internal/gateway"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the listener's connection state",
		Long:  "Queries the running listener's gateway for its state. Falls back to the database when the gateway is unreachable, which also covers a stopped listener.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "meshwatch.yaml", "path to meshwatch config file")
	return cmd
}

func runStatus(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	status, err := gateway.NewClient(cfg.Gateway.Port).Status()
	if err == nil {
		printStatus(out, status)
		return nil
	}

	// Gateway down; read the last persisted state instead.
	conn, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	state, err := db.ListenerState(conn)
	if err != nil {
		return err
	}

	fallback := map[string]interface{}{
		"status":            state.Status,
		"last_error":        state.LastErrorMessage,
		"restart_requested": state.RestartRequested,
	}
	if state.LocalNodeID != nil {
		fallback["local_node_id"] = *state.LocalNodeID
	}
	if state.LocalNodeName != nil {
		fallback["local_node_name"] = *state.LocalNodeName
	}
	fmt.Fprintln(out, "listener gateway unreachable, showing last persisted state:")
	printStatus(out, fallback)
	return nil
}

func printStatus(out io.Writer, status map[string]interface{}) {
	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%-18s %v\n", k+":", status[k])
	}
}
