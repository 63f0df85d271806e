package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/arbcast/internal/server"
)

// Sentinel errors for CLI validation.
var (
	errPayloadRequired  = errors.New("a payload argument or --file is required")
	errPayloadAmbiguous = errors.New("provide either a payload argument or --file, not both")
)

func broadcastCmd() *cobra.Command {
	var (
		sequence uint64
		fromFile string
	)

	cmd := &cobra.Command{
		Use:   "broadcast [payload]",
		Short: "Initiate a reliable broadcast",
		Long:  "Submits a payload to the local daemon, which broadcasts it to every participant. With --sequence 0 the daemon allocates the next local sequence number.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			payload, err := resolvePayload(args, fromFile)
			if err != nil {
				return err
			}

			var resp server.BroadcastResponse
			err = client.post(context.Background(), "/v1/broadcast", server.BroadcastRequest{
				Sequence: sequence,
				Payload:  payload,
			}, &resp)
			if err != nil {
				return fmt.Errorf("broadcast: %w", err)
			}

			fmt.Printf("Broadcast accepted: id=%s (%d bytes)\n", resp.ID, len(payload))

			return nil
		},
	}

	flags := cmd.Flags()
	flags.Uint64Var(&sequence, "sequence", 0, "explicit sequence number (0 = allocate)")
	flags.StringVar(&fromFile, "file", "", "read the payload from a file instead of the argument")

	return cmd
}

// resolvePayload picks the payload from the positional argument or --file.
func resolvePayload(args []string, fromFile string) ([]byte, error) {
	switch {
	case len(args) == 1 && fromFile != "":
		return nil, errPayloadAmbiguous
	case len(args) == 1:
		return []byte(args[0]), nil
	case fromFile != "":
		payload, err := os.ReadFile(fromFile)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		return payload, nil
	default:
		return nil, errPayloadRequired
	}
}
