package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/metrastics/meshwatch/internal/chat"
	"github.com/metrastics/meshwatch/internal/db"
	"github.com/metrastics/meshwatch/internal/device"
	"github.com/metrastics/meshwatch/internal/gateway"
	"github.com/metrastics/meshwatch/internal/ingest"
	"github.com/metrastics/meshwatch/internal/nodestate"
	"github.com/metrastics/meshwatch/internal/rules"
	"github.com/metrastics/meshwatch/internal/schedule"
	"github.com/metrastics/meshwatch/internal/supervisor"
)

func newListenCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run the listener daemon",
		Long:  "Connects to the configured radio and runs the full pipeline: packet ingestion, node tracking, auto-reply rules, the send gateway, and scheduled tasks. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "meshwatch.yaml", "path to meshwatch config file")
	return cmd
}

func runListen(cmd *cobra.Command, configPath string) error {
	cfg, conn, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(conn); err != nil {
		return err
	}

	snapshots := supervisor.NewSnapshotStore()
	nodes := nodestate.NewStore(conn)

	// The supervisor is created last but the gateway needs its session now,
	// so the closure captures the variable.
	var sup *supervisor.Supervisor

	// Rule replies go through the gateway so every transmission shares its
	// serialized device send.
	gwClient := gateway.NewClient(cfg.Gateway.Port)
	engine := rules.NewEngine(rules.Options{
		DB:               conn,
		Send:             ruleSender(gwClient),
		Snapshot:         snapshots.Load,
		Chat:             chat.NewClient(cfg.Chat),
		TriggerCommand:   cfg.Chat.TriggerCommand,
		MaxMessageLength: cfg.Listener.MaxMessageLength,
	})

	pipeline := ingest.New(ingest.Options{
		DB:         conn,
		Nodes:      nodes,
		Snapshot:   snapshots.Load,
		Rules:      engine,
		Traceroute: cfg.Traceroute,
	})

	gw := gateway.New(gateway.Options{
		Port:             cfg.Gateway.Port,
		DB:               conn,
		Session:          func() device.Session { return sup.Session() },
		MaxMessageLength: cfg.Listener.MaxMessageLength,
	})

	sup = supervisor.New(supervisor.Options{
		Config:        cfg,
		Dialer:        device.NewMQTTDialer(cfg.Device),
		DB:            conn,
		Nodes:         nodes,
		Snapshots:     snapshots,
		OnPacket:      pipeline.OnPacket,
		OnNodeUpdated: pipeline.OnNodeUpdated,
		Gateway:       gw,
		Out:           cmd.OutOrStdout(),
	})

	runner := schedule.NewRunner(conn, gwClient)
	if registered, err := runner.Load(); err != nil {
		log.Printf("listen: load scheduled tasks: %v", err)
	} else if registered > 0 {
		log.Printf("listen: %d scheduled tasks registered", registered)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runner.Start(ctx)

	return sup.Run(ctx)
}

// ruleSender adapts the gateway client to the rule engine's send contract.
// Auto-replies always request an acknowledgement.
func ruleSender(client *gateway.Client) rules.SendFunc {
	return func(text, destinationID string, channelIndex *int) error {
		return client.Send(text, destinationID, channelIndex, true)
	}
}
