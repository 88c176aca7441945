package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/researchops/gatekeeper/internal/audit"
	"github.com/researchops/gatekeeper/internal/circuit"
	"github.com/researchops/gatekeeper/internal/config"
	"github.com/researchops/gatekeeper/internal/gateway"
	"github.com/researchops/gatekeeper/internal/health"
	"github.com/researchops/gatekeeper/internal/provider"
	"github.com/researchops/gatekeeper/internal/ratelimit"
	"github.com/researchops/gatekeeper/internal/rotation"
	"github.com/researchops/gatekeeper/internal/storage"
	"github.com/researchops/gatekeeper/internal/vault"
	"github.com/spf13/cobra"
)

// core bundles the wired governance components for one CLI invocation.
type core struct {
	cfg       *config.Config
	db        *storage.DB
	vault     *vault.Vault
	limiter   *ratelimit.Limiter
	breaker   *circuit.Breaker
	auditor   *audit.Logger
	gateway   *gateway.Gateway
	monitor   *health.Monitor
	events    *rotation.Manager
	scheduler *rotation.Scheduler
}

// openCore loads config, opens the database, and constructs every
// component with explicit dependency injection.
func openCore(ctx context.Context, cfg *config.Config) (*core, error) {
	if err := cfg.Load(); err != nil {
		return nil, err
	}

	passphrase, err := cfg.MasterPassphrase()
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.Definition.Metrics.Enabled {
		health.InitMetrics()
	}
	metrics := health.NewMetrics()

	v, err := vault.New(ctx, vault.NewSQLStore(db), passphrase, cfg.Logger, vault.Options{
		GracePeriod: cfg.GracePeriod(),
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	auditor := audit.NewLogger(audit.NewSQLStore(db), cfg.Logger, metrics, audit.LoggerOptions{})
	auditor.Start()

	limiter := ratelimit.New(cfg.Logger, metrics, ratelimit.Options{
		Overrides: cfg.LimitOverrides(),
	})
	breaker := circuit.New(cfg.Logger, metrics, auditor, circuit.Options{})

	events := rotation.NewManager(cfg.Logger, 0)
	events.Register(rotation.NewLogNotifier(cfg.Logger))
	for _, wh := range cfg.Definition.Notifications.Webhooks {
		notifier, err := rotation.NewWebhookNotifier(rotation.WebhookConfig{
			Name:    wh.Name,
			URL:     wh.URL,
			Headers: wh.Headers,
			Events:  wh.Events,
		})
		if err != nil {
			cfg.Logger.Warn("skipping webhook %q: %v", wh.Name, err)
			continue
		}
		events.Register(notifier)
	}

	scheduler := rotation.NewScheduler(v, auditor, events, cfg.Logger, metrics, rotation.Config{
		Interval:         cfg.Definition.Rotation.Interval.Std(),
		CredentialMaxAge: cfg.Definition.Rotation.CredentialMaxAge.Std(),
		MasterKeyMaxAge:  cfg.Definition.Rotation.MasterKeyMaxAge.Std(),
		Retention:        cfg.Definition.Rotation.Retention.Std(),
	})

	return &core{
		cfg:       cfg,
		db:        db,
		vault:     v,
		limiter:   limiter,
		breaker:   breaker,
		auditor:   auditor,
		gateway:   gateway.New(v, limiter, breaker, auditor, cfg.Logger, metrics),
		monitor:   health.NewMonitor(auditor, scheduler, v),
		events:    events,
		scheduler: scheduler,
	}, nil
}

func (c *core) Close() {
	c.events.Stop()
	c.auditor.Stop()
	c.vault.Close()
	if err := c.db.Close(); err != nil {
		c.cfg.Logger.Warn("closing database: %v", err)
	}
}

// contextWithTimeout bounds a command's work when a positive timeout is
// given, otherwise passes the command context through.
func contextWithTimeout(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

// parseProvider resolves a CLI provider argument.
func parseProvider(arg string) (provider.Provider, error) {
	return provider.Parse(strings.ToLower(strings.TrimSpace(arg)))
}

// readSecret takes the secret from the flag if given, otherwise reads
// one line from stdin so secrets stay out of shell history.
func readSecret(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	fmt.Fprint(os.Stderr, "Secret: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read secret from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}
