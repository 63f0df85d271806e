package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// client talks to the daemon's admin API, initialized in PersistentPreRunE.
	client *apiClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon admin API address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for arbcastctl.
var rootCmd = &cobra.Command{
	Use:   "arbcastctl",
	Short: "CLI client for the arbcast daemon",
	Long:  "arbcastctl communicates with the arbcast daemon's HTTP admin API to initiate and inspect reliable broadcasts.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = newAPIClient("http://" + serverAddr)

		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:7180",
		"arbcast daemon admin address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(broadcastCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(deliveriesCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
