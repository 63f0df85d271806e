package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/arbcast/internal/server"
)

func instanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Inspect live broadcast instances",
	}

	cmd.AddCommand(instanceListCmd())
	cmd.AddCommand(instanceShowCmd())

	return cmd
}

// --- instance list ---

func instanceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all live broadcast instances",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var views []server.InstanceView
			if err := client.get(context.Background(), "/v1/instances", &views); err != nil {
				return fmt.Errorf("list instances: %w", err)
			}

			out, err := formatInstances(views, outputFormat)
			if err != nil {
				return fmt.Errorf("format instances: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- instance show ---

func instanceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <sender> <sequence>",
		Short: "Show details of a broadcast instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := strconv.ParseUint(args[0], 10, 16); err != nil {
				return fmt.Errorf("parse sender %q: %w", args[0], err)
			}
			if _, err := strconv.ParseUint(args[1], 10, 64); err != nil {
				return fmt.Errorf("parse sequence %q: %w", args[1], err)
			}

			var view server.InstanceView
			path := "/v1/instances/" + args[0] + "/" + args[1]
			if err := client.get(context.Background(), path, &view); err != nil {
				return fmt.Errorf("get instance: %w", err)
			}

			out, err := formatInstance(view, outputFormat)
			if err != nil {
				return fmt.Errorf("format instance: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
