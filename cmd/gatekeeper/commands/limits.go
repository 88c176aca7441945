package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/researchops/gatekeeper/internal/config"
	"github.com/researchops/gatekeeper/internal/provider"
	"github.com/spf13/cobra"
)

// NewLimitsCommand creates the parent 'limits' command
func NewLimitsCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Inspect rate-limit windows and threshold alerts",
		Long: `Show per-provider request counts for the current window, recent
threshold alerts, and tune warning levels.

Examples:
  # Show all providers' window usage
  gatekeeper limits status

  # Alerts raised in the last hour
  gatekeeper limits alerts

  # Warn at 70% and flag critical at 90% for openrouter
  gatekeeper limits thresholds openrouter --warning 70 --critical 90`,
	}

	// Add subcommands
	cmd.AddCommand(
		newLimitsStatusCmd(cfg),
		newLimitsAlertsCmd(cfg),
		newLimitsThresholdsCmd(cfg),
	)

	return cmd
}

func newLimitsStatusCmd(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status [provider]",
		Short: "Show current window usage per provider",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			providers := provider.All()
			if len(args) > 0 {
				p, err := parseProvider(args[0])
				if err != nil {
					return err
				}
				providers = []provider.Provider{p}
			}

			c, err := openCore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			if format == "json" {
				statuses := make([]interface{}, 0, len(providers))
				for _, p := range providers {
					statuses = append(statuses, c.gateway.RateLimitStatus(p))
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "PROVIDER\tUSED\tLIMIT\tWINDOW RESETS IN")
			fmt.Fprintln(w, "--------\t----\t-----\t----------------")
			for _, p := range providers {
				st := c.gateway.RateLimitStatus(p)
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n",
					st.Provider, st.CurrentCount, st.Limit, st.WindowRemaining.Round(time.Second))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json")

	return cmd
}

func newLimitsAlertsCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "Show threshold alerts from the last hour",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			alerts := c.gateway.RecentAlerts()
			if len(alerts) == 0 {
				cfg.Logger.Info("No rate-limit alerts in the last hour")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "TIME\tPROVIDER\tLEVEL\tUSAGE")
			fmt.Fprintln(w, "----\t--------\t-----\t-----")
			for _, a := range alerts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\n",
					a.Timestamp.Format(time.RFC3339), a.Provider, a.Level, a.ObservedRatio*100)
			}
			return nil
		},
	}
}

func newLimitsThresholdsCmd(cfg *config.Config) *cobra.Command {
	var (
		warningPct  float64
		criticalPct float64
	)

	cmd := &cobra.Command{
		Use:   "thresholds <provider>",
		Short: "Set warning and critical alert thresholds for a provider",
		Long: `Adjust the usage percentages at which alerts fire. Warning must stay
below critical, and both must fall between 1 and 100.

The change lasts for this process; set limits in the config file to
make it permanent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseProvider(args[0])
			if err != nil {
				return err
			}

			c, err := openCore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.gateway.ConfigureThresholds(p, warningPct, criticalPct); err != nil {
				return err
			}
			cfg.Logger.Info("✓ %s alerts now fire at %.0f%% (warning) and %.0f%% (critical)",
				p.DisplayName(), warningPct, criticalPct)
			return nil
		},
	}

	cmd.Flags().Float64Var(&warningPct, "warning", 80, "Warning threshold as a percentage of the limit")
	cmd.Flags().Float64Var(&criticalPct, "critical", 95, "Critical threshold as a percentage of the limit")

	return cmd
}
