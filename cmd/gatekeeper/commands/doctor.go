package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/researchops/gatekeeper/internal/config"
	"github.com/researchops/gatekeeper/internal/provider"
	"github.com/spf13/cobra"
)

func NewDoctorCommand(cfg *config.Config) *cobra.Command {
	var setPassphrase bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, vault access, and subsystem health",
		Long: `Verify that the gateway is ready to mediate calls.

This command checks:
- Configuration file validity
- Master passphrase availability (keyring or environment)
- Database and vault access
- Audit log health and circuit breaker state

Use --set-passphrase to store the master passphrase in the OS keyring.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Logger.Info("Checking gatekeeper configuration...")
			if err := cfg.Load(); err != nil {
				cfg.Logger.Error("Configuration error: %v", err)
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.Logger.Info("✓ Configuration loaded successfully")

			if setPassphrase {
				secret, err := readSecret("")
				if err != nil {
					return err
				}
				if err := cfg.StoreMasterPassphrase(secret); err != nil {
					return fmt.Errorf("store passphrase in keyring: %w", err)
				}
				cfg.Logger.Info("✓ Master passphrase stored in the OS keyring")
			}

			if _, err := cfg.MasterPassphrase(); err != nil {
				cfg.Logger.Error("Master passphrase unavailable: %v", err)
				return err
			}
			cfg.Logger.Info("✓ Master passphrase available")

			c, err := openCore(cmd.Context(), cfg)
			if err != nil {
				cfg.Logger.Error("Startup failed: %v", err)
				return err
			}
			defer c.Close()
			cfg.Logger.Info("✓ Database open, vault unlocked")

			report := c.monitor.Report(cmd.Context())

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "CHECK\tOK\tDETAIL")
			fmt.Fprintln(w, "-----\t--\t------")
			for _, check := range report.Checks {
				ok := "yes"
				if !check.OK {
					ok = "NO"
				}
				detail := check.Detail
				if detail == "" {
					detail = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", check.Name, ok, detail)
			}
			w.Flush()

			fmt.Println("\nCircuit breakers:")
			w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tPHASE\tCONSECUTIVE FAILURES\tOPENED AT")
			fmt.Fprintln(w, "--------\t-----\t--------------------\t---------")
			for _, p := range provider.All() {
				snap := c.gateway.CircuitState(p)
				opened := "-"
				if !snap.OpenedAt.IsZero() {
					opened = snap.OpenedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", snap.Provider, snap.Phase, snap.ConsecutiveFailures, opened)
			}
			w.Flush()

			fmt.Printf("\nOverall status: %s\n", report.Status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&setPassphrase, "set-passphrase", false, "Prompt for and store the master passphrase in the OS keyring")

	return cmd
}
