// Package provider enumerates the third-party services the gateway
// mediates access to.
package provider

import (
	"time"

	"github.com/researchops/gatekeeper/internal/gkerrors"
)

// Provider identifies a supported external service.
type Provider string

const (
	OpenRouter Provider = "openrouter"
	SerpAPI    Provider = "serpapi"
	Jina       Provider = "jina"
	Firecrawl  Provider = "firecrawl"
	Tavily     Provider = "tavily"
	Exa        Provider = "exa"
)

// All returns every supported provider in a stable order.
func All() []Provider {
	return []Provider{OpenRouter, SerpAPI, Jina, Firecrawl, Tavily, Exa}
}

// Parse validates a provider name supplied by a collaborator.
func Parse(s string) (Provider, error) {
	p := Provider(s)
	for _, known := range All() {
		if p == known {
			return p, nil
		}
	}
	return "", gkerrors.Validation("unknown provider %q", s)
}

// String returns the wire name of the provider.
func (p Provider) String() string {
	return string(p)
}

// DisplayName returns the human-readable service name.
func (p Provider) DisplayName() string {
	switch p {
	case OpenRouter:
		return "OpenRouter.ai"
	case SerpAPI:
		return "SerpApi"
	case Jina:
		return "Jina AI"
	case Firecrawl:
		return "Firecrawl"
	case Tavily:
		return "Tavily"
	case Exa:
		return "Exa"
	default:
		return string(p)
	}
}

// Limits describes the default rate-limit envelope for a provider.
type Limits struct {
	Requests     int
	WindowLength time.Duration
	WarningPct   float64
	CriticalPct  float64
}

// DefaultLimits returns the per-provider quota defaults. Operators
// override these through configuration.
func (p Provider) DefaultLimits() Limits {
	l := Limits{WarningPct: 80, CriticalPct: 95, WindowLength: time.Minute}
	switch p {
	case OpenRouter:
		l.Requests = 50
	case SerpAPI:
		l.Requests = 100
	case Jina:
		l.Requests = 1000
	case Firecrawl:
		l.Requests = 500
	case Tavily:
		l.Requests = 1000
	case Exa:
		l.Requests = 1000
	default:
		l.Requests = 100
	}
	return l
}
