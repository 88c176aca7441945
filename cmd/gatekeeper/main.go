package main

import (
	"fmt"
	"os"

	"github.com/researchops/gatekeeper/cmd/gatekeeper/commands"
	"github.com/researchops/gatekeeper/internal/config"
	"github.com/researchops/gatekeeper/internal/logging"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Global flags
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	// Create config placeholder
	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "gatekeeper",
		Short: "API credential gateway - Encrypted keys, rate limits, and audit for research providers",
		Long: `gatekeeper stores research-provider API keys in an encrypted vault and
mediates every outbound call through rate limiting, circuit breaking,
and an append-only audit log.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize logger with parsed flags
			logger := logging.New(debug, noColor)

			cfg.Path = configFile
			cfg.Logger = logger
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	// Add commands
	rootCmd.AddCommand(
		commands.NewCredentialsCommand(cfg),
		commands.NewLimitsCommand(cfg),
		commands.NewAuditCommand(cfg),
		commands.NewRotationCommand(cfg),
		commands.NewDoctorCommand(cfg),
	)

	return rootCmd.Execute()
}
