package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/researchops/gatekeeper/internal/config"
	"github.com/researchops/gatekeeper/internal/gkerrors"
	"github.com/researchops/gatekeeper/internal/provider"
	"github.com/researchops/gatekeeper/internal/vault"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewCredentialsCommand creates the parent 'credentials' command
func NewCredentialsCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Manage encrypted provider API keys",
		Long: `Store, rotate, test, and revoke API keys for research providers.

Keys are encrypted at rest and only decrypted for outbound calls.
Every operation here lands in the audit log.

Examples:
  # Store a new OpenRouter key (prompts on stdin)
  gatekeeper credentials add openrouter

  # Rotate the SerpAPI key with a grace period for the old one
  gatekeeper credentials rotate serpapi

  # Verify a stored key against the live API
  gatekeeper credentials test jina`,
	}

	// Add subcommands
	cmd.AddCommand(
		newCredentialsAddCmd(cfg),
		newCredentialsListCmd(cfg),
		newCredentialsTestCmd(cfg),
		newCredentialsRotateCmd(cfg),
		newCredentialsRevokeCmd(cfg),
		newCredentialsStatsCmd(cfg),
		newCredentialsExportCmd(cfg),
		newCredentialsImportCmd(cfg),
	)

	return cmd
}

func newCredentialsAddCmd(cfg *config.Config) *cobra.Command {
	var secretFlag string

	cmd := &cobra.Command{
		Use:   "add <provider>",
		Short: "Store a new API key for a provider",
		Long: `Encrypt and store an API key. Each provider holds at most one
active credential; rotate or revoke the existing one first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseProvider(args[0])
			if err != nil {
				return err
			}
			secret, err := readSecret(secretFlag)
			if err != nil {
				return err
			}

			c, err := openCore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			summary, err := c.gateway.AddCredential(cmd.Context(), p, secret)
			if err != nil {
				return err
			}
			cfg.Logger.Info("✓ Stored credential %s for %s", summary.ID, p.DisplayName())
			return nil
		},
	}

	cmd.Flags().StringVar(&secretFlag, "secret", "", "API key value (omit to read from stdin)")

	return cmd
}

func newCredentialsListCmd(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored credentials",
		Long:  `Show every stored credential without decrypting any key material.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			summaries, err := c.vault.List(cmd.Context())
			if err != nil {
				return err
			}

			switch format {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			case "yaml":
				return yaml.NewEncoder(os.Stdout).Encode(summaries)
			default:
				printSummaryTable(summaries)
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")

	return cmd
}

func printSummaryTable(summaries []vault.Summary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "PROVIDER\tSTATUS\tKEY VER\tCREATED\tLAST ROTATED\tUSES")
	fmt.Fprintln(w, "--------\t------\t-------\t-------\t------------\t----")
	for _, s := range summaries {
		rotated := "Never"
		if s.LastRotatedAt != nil {
			rotated = s.LastRotatedAt.Format("2006-01-02")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\n",
			s.Provider, s.Status, s.KeyVersion,
			s.CreatedAt.Format("2006-01-02"), rotated, s.UsageTotal)
	}
}

func newCredentialsTestCmd(cfg *config.Config) *cobra.Command {
	var timeout time.Duration
	var previous bool

	cmd := &cobra.Command{
		Use:   "test <provider>",
		Short: "Verify a stored key against the provider's live API",
		Long: `Decrypt the active credential and make the cheapest authenticated
request the provider offers. The outcome is audited either way.

With --previous the check runs against the pre-rotation key instead,
while its grace period still holds.`,
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

			check := p.HealthCheck(nil)
			ctx, cancel := contextWithTimeout(cmd, timeout)
			defer cancel()

			which := "credential"
			test := c.gateway.TestCredential
			if previous {
				which = "previous credential"
				test = c.gateway.TestPreviousCredential
			}
			result, err := test(ctx, p, check)
			if err != nil {
				return err
			}
			cfg.Logger.Info("✓ %s %s is valid (%s)", p.DisplayName(), which, result.Latency.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", provider.DefaultHealthTimeout, "Health check timeout")
	cmd.Flags().BoolVar(&previous, "previous", false, "Test the pre-rotation key still inside its grace period")

	return cmd
}

func newCredentialsRotateCmd(cfg *config.Config) *cobra.Command {
	var secretFlag string

	cmd := &cobra.Command{
		Use:   "rotate <provider>",
		Short: "Replace a provider's key, keeping the old one briefly usable",
		Long: `Store a new active key and demote the current one into a grace
period so in-flight work can finish before it expires.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseProvider(args[0])
			if err != nil {
				return err
			}
			secret, err := readSecret(secretFlag)
			if err != nil {
				return err
			}

			c, err := openCore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			summary, err := c.gateway.RotateCredential(cmd.Context(), p, secret)
			if err != nil {
				return err
			}
			cfg.Logger.Info("✓ Rotated %s credential, new id %s (old key usable for %s)",
				p.DisplayName(), summary.ID, cfg.GracePeriod())
			return nil
		},
	}

	cmd.Flags().StringVar(&secretFlag, "secret", "", "New API key value (omit to read from stdin)")

	return cmd
}

func newCredentialsRevokeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <provider>",
		Short: "Immediately invalidate a provider's credential",
		Args:  cobra.ExactArgs(1),
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

			if err := c.gateway.RevokeCredential(cmd.Context(), p); err != nil {
				return err
			}
			cfg.Logger.Info("✓ Revoked %s credential", p.DisplayName())
			return nil
		},
	}
}

func newCredentialsExportCmd(cfg *config.Config) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write credential summaries to a file",
		Long:  `Export provider, status, and usage metadata. Key material is never exported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			summaries, err := c.vault.List(cmd.Context())
			if err != nil {
				return err
			}

			data, err := yaml.Marshal(summaries)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o600); err != nil {
				return err
			}
			cfg.Logger.Info("✓ Exported %d credential summaries to %s", len(summaries), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "Destination file, '-' for stdout")

	return cmd
}

// importEntry is one record in an import file.
type importEntry struct {
	Provider string `yaml:"provider"`
	Secret   string `yaml:"secret"`
}

type importFile struct {
	Credentials []importEntry `yaml:"credentials"`
}

func newCredentialsImportCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Bulk-register API keys from a YAML file",
		Long: `Read a YAML file of the form:

  credentials:
    - provider: openrouter
      secret: sk-...

Providers that already hold an active credential are skipped. Delete
the file once the import succeeds.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read import file: %w", err)
			}
			var f importFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("parse import file: %w", err)
			}
			if len(f.Credentials) == 0 {
				return fmt.Errorf("import file has no credentials")
			}

			c, err := openCore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			var imported, skipped, failed int
			for _, entry := range f.Credentials {
				p, err := parseProvider(entry.Provider)
				if err != nil {
					cfg.Logger.Warn("skipping unknown provider %q", entry.Provider)
					failed++
					continue
				}
				if _, err := c.gateway.AddCredential(cmd.Context(), p, entry.Secret); err != nil {
					if gkerrors.IsKind(err, gkerrors.KindDuplicateProvider) {
						cfg.Logger.Warn("%s already has an active credential, skipping", p)
						skipped++
						continue
					}
					cfg.Logger.Error("importing %s: %v", p, err)
					failed++
					continue
				}
				imported++
			}

			cfg.Logger.Info("✓ Import finished: %d imported, %d skipped, %d failed", imported, skipped, failed)
			if failed > 0 {
				return fmt.Errorf("%d credentials failed to import", failed)
			}
			return nil
		},
	}
}

func newCredentialsStatsCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <provider>",
		Short: "Show usage counters for a provider's credential",
		Args:  cobra.ExactArgs(1),
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

			stats, err := c.gateway.UsageStats(cmd.Context(), p)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			defer w.Flush()
			fmt.Fprintf(w, "Provider:\t%s\n", stats.Provider)
			fmt.Fprintf(w, "Total calls:\t%d\n", stats.Total)
			fmt.Fprintf(w, "Succeeded:\t%d\n", stats.Success)
			fmt.Fprintf(w, "Failed:\t%d\n", stats.Fail)
			if stats.LastUsedAt != nil {
				fmt.Fprintf(w, "Last used:\t%s\n", stats.LastUsedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}
