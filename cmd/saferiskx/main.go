package main

import (
	"context"
	"fmt"
	"os"

	"github.com/saferiskx/saferiskx-server/internal/accesscp"
	"github.com/saferiskx/saferiskx-server/internal/logging"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// runServer is swapped in tests.
var runServer = accesscp.Run

var rootCmd = &cobra.Command{
	Use:   "saferiskx",
	Short: "SafeRiskX access service",
	Long: `SafeRiskX keeps Stripe subscriptions, local subscription records and the
Discord premium role in agreement.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context(), Version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context(), Version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "SafeRiskX %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire every subscription past its paid period, once",
	Long: `Run one expiration sweep: active subscriptions whose next payment date has
passed are moved to expired and their premium role is revoked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := accesscp.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "sweep"})

		rt, err := accesscp.NewRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		n, err := rt.Service.SweepExpired(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Expired %d subscription(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(accountCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
