package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/arbcast/internal/server"
)

func monitorCmd() *cobra.Command {
	var (
		interval       time.Duration
		includeCurrent bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Follow delivered broadcasts",
		Long:  "Polls the daemon's delivery log and prints each new delivery until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := runMonitor(ctx, interval, includeCurrent); err != nil {
				// Context cancellation (Ctrl+C) is expected, not an error.
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Second, "polling interval")
	cmd.Flags().BoolVar(&includeCurrent, "current", false,
		"print already-retained deliveries before following new ones")

	return cmd
}

// runMonitor polls /v1/deliveries and prints entries not seen before.
// The delivery log is identifier-keyed, so a seen-set suffices to diff
// polls; entries evicted from the daemon's ring between polls are lost,
// which is acceptable for an operator tail.
func runMonitor(ctx context.Context, interval time.Duration, includeCurrent bool) error {
	seen := make(map[string]struct{})

	// Prime the seen-set so only new deliveries are printed, unless the
	// caller asked for the current backlog too.
	current, err := fetchDeliveries(ctx)
	if err != nil {
		return err
	}
	for i := len(current) - 1; i >= 0; i-- {
		v := current[i]
		seen[v.ID] = struct{}{}
		if includeCurrent {
			fmt.Println(formatDeliveryLine(v))
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		views, err := fetchDeliveries(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// Newest first in the response; print oldest first.
		for i := len(views) - 1; i >= 0; i-- {
			v := views[i]
			if _, ok := seen[v.ID]; ok {
				continue
			}
			seen[v.ID] = struct{}{}
			fmt.Println(formatDeliveryLine(v))
		}
	}
}

func fetchDeliveries(ctx context.Context) ([]server.DeliveryView, error) {
	var views []server.DeliveryView
	if err := client.get(ctx, "/v1/deliveries", &views); err != nil {
		return nil, fmt.Errorf("fetch deliveries: %w", err)
	}
	return views, nil
}
