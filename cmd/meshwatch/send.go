package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/metrastics/meshwatch/internal/config"
	"github.com/metrastics/meshwatch/internal/gateway"
)

func newSendCmd() *cobra.Command {
	var (
		configPath string
		to         string
		channel    int
		wantAck    bool
	)

	cmd := &cobra.Command{
		Use:   "send <text>...",
		Short: "Send a text message through the running listener",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			var channelIndex *int
			if cmd.Flags().Changed("channel") {
				channelIndex = &channel
			}

			text := strings.Join(args, " ")
			client := gateway.NewClient(cfg.Gateway.Port)
			if err := client.Send(text, to, channelIndex, wantAck); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "meshwatch.yaml", "path to meshwatch config file")
	cmd.Flags().StringVar(&to, "to", "", "destination node id (default: broadcast)")
	cmd.Flags().IntVar(&channel, "channel", 0, "transmit channel index")
	cmd.Flags().BoolVar(&wantAck, "ack", false, "request an acknowledgement")
	return cmd
}
