package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/researchops/gatekeeper/internal/audit"
	"github.com/researchops/gatekeeper/internal/config"
	"github.com/spf13/cobra"
)

// NewAuditCommand creates the parent 'audit' command
func NewAuditCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and prune the append-only audit log",
		Long: `Every credential operation, access decision, and breaker transition
is recorded with a monotonically increasing id. Queries return entries
in id order so repeated reads never shuffle.

Examples:
  # Last 100 entries
  gatekeeper audit query

  # High-severity entries for one provider since a date
  gatekeeper audit query --provider openrouter --severity high --since 2026-08-01

  # Page forward from the last id you saw
  gatekeeper audit query --after-id 1500`,
	}

	// Add subcommands
	cmd.AddCommand(
		newAuditQueryCmd(cfg),
		newAuditPurgeCmd(cfg),
	)

	return cmd
}

func newAuditQueryCmd(cfg *config.Config) *cobra.Command {
	var (
		providerFlag string
		severityFlag string
		actionFlag   string
		sinceFlag    string
		untilFlag    string
		afterID      int64
		limit        int
		format       string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Read audit entries with optional filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := audit.Filter{
				Provider: providerFlag,
				Severity: audit.Severity(severityFlag),
				Action:   audit.Action(actionFlag),
				AfterID:  afterID,
				Limit:    limit,
			}
			var err error
			if filter.From, err = parseTimeFlag(sinceFlag); err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			if filter.To, err = parseTimeFlag(untilFlag); err != nil {
				return fmt.Errorf("invalid --until: %w", err)
			}

			c, err := openCore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			entries, err := c.gateway.QueryAuditLog(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if format == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			printAuditTable(entries)
			return nil
		},
	}

	cmd.Flags().StringVar(&providerFlag, "provider", "", "Filter by provider")
	cmd.Flags().StringVar(&severityFlag, "severity", "", "Filter by severity: info, warning, high, critical")
	cmd.Flags().StringVar(&actionFlag, "action", "", "Filter by action, e.g. access_granted")
	cmd.Flags().StringVar(&sinceFlag, "since", "", "Entries at or after this time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&untilFlag, "until", "", "Entries at or before this time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().Int64Var(&afterID, "after-id", 0, "Only entries with a larger id")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries to return (default 100, max 1000)")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json")

	return cmd
}

func printAuditTable(entries []audit.Entry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tTIME\tACTION\tPROVIDER\tSEVERITY\tOUTCOME\tDETAIL")
	fmt.Fprintln(w, "--\t----\t------\t--------\t--------\t-------\t------")
	for _, e := range entries {
		ref := ""
		if e.RefID != nil {
			ref = fmt.Sprintf(" (corrects #%d)", *e.RefID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s%s\n",
			e.ID, e.Timestamp.Format(time.RFC3339), e.Action, e.Provider,
			e.Severity, e.Outcome, formatDetail(e.Detail), ref)
	}
}

func formatDetail(detail map[string]string) string {
	if len(detail) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+detail[k])
	}
	return strings.Join(parts, " ")
}

// parseTimeFlag accepts RFC3339 or a bare date.
func parseTimeFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func newAuditPurgeCmd(cfg *config.Config) *cobra.Command {
	var (
		olderThan time.Duration
		yes       bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete audit entries past the retention window",
		Long: `Remove entries older than the cutoff. The purge itself is recorded
in the log with the number of entries removed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to purge without --yes")
			}

			c, err := openCore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			cutoff := time.Now().Add(-olderThan)
			removed, err := c.auditor.PurgeBefore(cmd.Context(), cutoff, "operator")
			if err != nil {
				return err
			}
			cfg.Logger.Info("✓ Purged %d audit entries older than %s", removed, cutoff.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Delete entries older than this")
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the purge")

	return cmd
}
