// Package gateway is the single entry point other subsystems call to
// reach a third-party provider. It sequences the circuit breaker, the
// rate limiter, the credential vault, the external call, and the audit
// trail into one request lifecycle.
package gateway

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/researchops/gatekeeper/internal/audit"
	"github.com/researchops/gatekeeper/internal/circuit"
	"github.com/researchops/gatekeeper/internal/gkerrors"
	"github.com/researchops/gatekeeper/internal/health"
	"github.com/researchops/gatekeeper/internal/logging"
	"github.com/researchops/gatekeeper/internal/provider"
	"github.com/researchops/gatekeeper/internal/ratelimit"
	"github.com/researchops/gatekeeper/internal/vault"
)

// Invoker performs the external provider call with the decrypted
// secret. The secret is valid only for the duration of the call.
type Invoker func(ctx context.Context, secret string) error

// Gateway composes the governance components. Construct once at startup
// and share; it holds no per-request state of its own.
type Gateway struct {
	vault   *vault.Vault
	limiter *ratelimit.Limiter
	breaker *circuit.Breaker
	auditor *audit.Logger
	log     *logging.Logger
	metrics *health.Metrics
}

// New wires a gateway from its components.
func New(v *vault.Vault, limiter *ratelimit.Limiter, breaker *circuit.Breaker, auditor *audit.Logger, log *logging.Logger, metrics *health.Metrics) *Gateway {
	return &Gateway{
		vault:   v,
		limiter: limiter,
		breaker: breaker,
		auditor: auditor,
		log:     log,
		metrics: metrics,
	}
}

// Execute runs one governed provider call: breaker check, rate-limit
// acquire, credential fetch, the external call itself, then outcome
// reporting. Every path through here appends exactly one audit entry.
func (g *Gateway) Execute(ctx context.Context, p provider.Provider, call Invoker) error {
	if err := ctx.Err(); err != nil {
		return g.deny(p, gkerrors.Timeout("execute"), audit.ActionAccessDenied, audit.SeverityInfo, nil)
	}

	if err := g.breaker.Check(p); err != nil {
		return g.deny(p, err, audit.ActionAccessDenied, audit.SeverityInfo, map[string]string{"reason": "circuit_open"})
	}

	if err := g.limiter.Acquire(p); err != nil {
		// The breaker admitted this call; hand the trial slot back so a
		// half-open circuit is not wedged by a denial it never caused.
		g.breaker.Release(p)
		return g.deny(p, err, audit.ActionRateLimitTripped, audit.SeverityInfo, nil)
	}

	secret, err := g.vault.GetDecrypted(ctx, p)
	if err != nil {
		g.breaker.Release(p)
		severity := audit.SeverityWarning
		if gkerrors.KindOf(err) == gkerrors.KindEncryption {
			severity = audit.SeverityHigh
		}
		return g.deny(p, err, audit.ActionAccessDenied, severity, map[string]string{"reason": gkerrors.KindOf(err).String()})
	}

	start := time.Now()
	callErr := call(ctx, secret)
	latency := time.Since(start)

	success := callErr == nil
	g.breaker.ReportOutcome(p, success)
	if usageErr := g.vault.RecordUsage(ctx, p, success); usageErr != nil {
		g.log.Debug("usage counters not updated for %s: %v", p, usageErr)
	}

	outcome := audit.OutcomeSuccess
	result := "success"
	if !success {
		outcome = audit.OutcomeFailure
		result = "failure"
	}
	g.metrics.RecordGatewayCall(p.String(), result, latency.Seconds())
	g.auditor.Append(audit.Entry{
		Action:   audit.ActionAccessGranted,
		Provider: p.String(),
		Severity: audit.SeverityInfo,
		Outcome:  outcome,
		Detail:   map[string]string{"latency_ms": strconv.FormatInt(latency.Milliseconds(), 10)},
	})

	if callErr != nil {
		if errors.Is(callErr, context.DeadlineExceeded) {
			return gkerrors.Timeout(p.String() + " call")
		}
		return callErr
	}
	return nil
}

// deny short-circuits the lifecycle with a single audit entry.
func (g *Gateway) deny(p provider.Provider, err error, action audit.Action, severity audit.Severity, detail map[string]string) error {
	g.metrics.RecordGatewayCall(p.String(), "denied", -1)
	g.auditor.Append(audit.Entry{
		Action:   action,
		Provider: p.String(),
		Severity: severity,
		Outcome:  audit.OutcomeFailure,
		Detail:   detail,
	})
	return err
}

// AddCredential registers a provider secret through the vault and
// audits the registration.
func (g *Gateway) AddCredential(ctx context.Context, p provider.Provider, secret string) (vault.Summary, error) {
	sum, err := g.vault.Register(ctx, p, secret)
	g.auditCredentialOp(p, audit.ActionCredentialCreated, err)
	return sum, err
}

// RotateCredential swaps in an operator-supplied secret.
func (g *Gateway) RotateCredential(ctx context.Context, p provider.Provider, newSecret string) (vault.Summary, error) {
	sum, err := g.vault.Rotate(ctx, p, newSecret)
	g.auditCredentialOp(p, audit.ActionCredentialRotated, err)
	return sum, err
}

// RevokeCredential invalidates the provider's active credential.
func (g *Gateway) RevokeCredential(ctx context.Context, p provider.Provider) error {
	err := g.vault.Revoke(ctx, p)
	g.auditCredentialOp(p, audit.ActionCredentialRevoked, err)
	return err
}

// TestCredential runs a provider health check with the decrypted
// credential and audits the attempt.
func (g *Gateway) TestCredential(ctx context.Context, p provider.Provider, check vault.HealthChecker) (vault.TestResult, error) {
	res, err := g.vault.Test(ctx, p, check)
	g.auditTested(p, res, err, "active")
	return res, err
}

// TestPreviousCredential health-checks the rotating (pre-rotation)
// credential while its grace window holds.
func (g *Gateway) TestPreviousCredential(ctx context.Context, p provider.Provider, check vault.HealthChecker) (vault.TestResult, error) {
	res, err := g.vault.TestPrevious(ctx, p, check)
	g.auditTested(p, res, err, "previous")
	return res, err
}

func (g *Gateway) auditTested(p provider.Provider, res vault.TestResult, err error, which string) {
	outcome := audit.OutcomeSuccess
	severity := audit.SeverityInfo
	if err != nil {
		outcome = audit.OutcomeFailure
		severity = audit.SeverityWarning
	}
	g.auditor.Append(audit.Entry{
		Action:   audit.ActionCredentialTested,
		Provider: p.String(),
		Severity: severity,
		Outcome:  outcome,
		Detail: map[string]string{
			"credential": which,
			"latency_ms": strconv.FormatInt(res.Latency.Milliseconds(), 10),
		},
	})
}

// UsageStats exposes the vault's lifetime counters for a provider.
func (g *Gateway) UsageStats(ctx context.Context, p provider.Provider) (vault.UsageStats, error) {
	return g.vault.Stats(ctx, p)
}

// RateLimitStatus exposes the limiter's current window for a provider.
func (g *Gateway) RateLimitStatus(p provider.Provider) ratelimit.Status {
	return g.limiter.Status(p)
}

// RecentAlerts exposes threshold alerts from the last hour.
func (g *Gateway) RecentAlerts() []ratelimit.Alert {
	return g.limiter.RecentAlerts()
}

// ConfigureThresholds updates a provider's alert thresholds.
func (g *Gateway) ConfigureThresholds(p provider.Provider, warningPct, criticalPct float64) error {
	return g.limiter.ConfigureThresholds(p, warningPct, criticalPct)
}

// CircuitState exposes the breaker snapshot for a provider.
func (g *Gateway) CircuitState(p provider.Provider) circuit.Snapshot {
	return g.breaker.State(p)
}

// QueryAuditLog pages through the audit trail.
func (g *Gateway) QueryAuditLog(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	return g.auditor.Query(ctx, f)
}

func (g *Gateway) auditCredentialOp(p provider.Provider, action audit.Action, opErr error) {
	outcome := audit.OutcomeSuccess
	severity := audit.SeverityInfo
	var detail map[string]string
	if opErr != nil {
		outcome = audit.OutcomeFailure
		severity = audit.SeverityWarning
		detail = map[string]string{"reason": gkerrors.KindOf(opErr).String()}
	}
	g.auditor.Append(audit.Entry{
		Action:   action,
		Provider: p.String(),
		Severity: severity,
		Outcome:  outcome,
		Detail:   detail,
	})
}
