package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/fleet-recovery/internal/controller"
	"github.com/ChuLiYu/fleet-recovery/internal/transport"
	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

var ErrCommandRejected = errors.New("command rejected")

func (a *app) buildCommandCommand() *cobra.Command {
	var (
		node       string
		job        string
		timeout    time.Duration
		payloadOut string
	)

	cmd := &cobra.Command{
		Use:   "command <CMD> [payload]",
		Short: "Send a job command to a node",
		Long: `Send one job command (OPERATE, PAUSE, RESUME, FLUSH, BOUNCE, INTERRUPT,
PERSIST, RESTORE, STATUS, PROBE, DETAIL, PURGE, SPLIT) to a node and print the
reply. Without --job the command goes to every job on the node. --node is a
peer name from the config file or a host:port address.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			command, err := types.ParseJobCommand(args[0])
			if err != nil {
				return err
			}
			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			}

			sender := transport.NewGrpcSender(a.peers())
			defer sender.Close()

			resp, err := controller.SendCommand(cmd.Context(), sender, node, command, job, payload, timeout)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			if payloadOut != "" && len(resp.Payload) > 0 {
				if err := os.WriteFile(payloadOut, resp.Payload, 0o644); err != nil {
					return err
				}
			}
			if !resp.OK {
				return fmt.Errorf("%w: %s", ErrCommandRejected, command)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&node, "node", "", "target node name or address")
	cmd.Flags().StringVar(&job, "job", "", "target job ID, empty for every job")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "reply timeout")
	cmd.Flags().StringVar(&payloadOut, "payload-out", "", "write the raw reply payload to this file")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

// peers resolves node names through the config file when one is readable.
func (a *app) peers() map[string]string {
	cfg, err := controller.LoadConfig(a.configFile)
	if err != nil {
		return nil
	}
	return cfg.PeerAddrs()
}
