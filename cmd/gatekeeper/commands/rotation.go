package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/researchops/gatekeeper/internal/config"
	"github.com/researchops/gatekeeper/internal/provider"
	"github.com/spf13/cobra"
)

// NewRotationCommand creates the parent 'rotation' command
func NewRotationCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotation",
		Short: "Run and inspect scheduled rotation checks",
		Long: `The scheduler flags credentials that have aged past their rotation
deadline and rotates the vault master key on its own schedule.

Examples:
  # One sweep: age checks, master-key rotation, retention cleanup
  gatekeeper rotation run

  # Keep the scheduler running in the foreground
  gatekeeper rotation run --watch

  # Credential ages against the rotation deadline
  gatekeeper rotation status`,
	}

	// Add subcommands
	cmd.AddCommand(
		newRotationRunCmd(cfg),
		newRotationStatusCmd(cfg),
	)

	return cmd
}

func newRotationRunCmd(cfg *config.Config) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run rotation checks once, or continuously with --watch",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			c.events.Start(cmd.Context())

			if !watch {
				if err := c.scheduler.RunOnce(cmd.Context()); err != nil {
					return err
				}
				cfg.Logger.Info("✓ Rotation sweep complete")
				return nil
			}

			c.scheduler.Start(cmd.Context())
			cfg.Logger.Info("Rotation scheduler running, Ctrl-C to stop")

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			select {
			case <-stop:
			case <-cmd.Context().Done():
			}

			// Stop waits out any in-flight sweep before returning.
			c.scheduler.Stop()
			cfg.Logger.Info("✓ Rotation scheduler stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Stay running and sweep on the configured interval")

	return cmd
}

func newRotationStatusCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show credential ages and the master key version",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			ages, err := c.vault.CredentialAges(cmd.Context())
			if err != nil {
				return err
			}
			version, derivedAt, err := c.vault.MasterKeyVersion(cmd.Context())
			if err != nil {
				return err
			}

			maxAge := cfg.Definition.Rotation.CredentialMaxAge.Std()
			if maxAge <= 0 {
				maxAge = 90 * 24 * time.Hour
			}
			now := time.Now()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tAGE\tROTATION DUE")
			fmt.Fprintln(w, "--------\t---\t------------")
			for _, p := range provider.All() {
				createdAt, ok := ages[p]
				if !ok {
					continue
				}
				age := now.Sub(createdAt)
				due := "no"
				if age >= maxAge {
					due = "YES"
				}
				fmt.Fprintf(w, "%s\t%dd\t%s\n", p, int(age.Hours()/24), due)
			}
			w.Flush()

			fmt.Printf("\nMaster key: version %d, derived %s (age %dd)\n",
				version, derivedAt.Format("2006-01-02"), int(now.Sub(derivedAt).Hours()/24))
			return nil
		},
	}
}
