package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/arbcast/internal/server"
)

func deliveriesCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "List recently delivered broadcasts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := "/v1/deliveries"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}

			var views []server.DeliveryView
			if err := client.get(context.Background(), path, &views); err != nil {
				return fmt.Errorf("list deliveries: %w", err)
			}

			out, err := formatDeliveries(views, outputFormat)
			if err != nil {
				return fmt.Errorf("format deliveries: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of deliveries to show (0 = all retained)")

	return cmd
}
