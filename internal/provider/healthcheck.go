package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHealthTimeout bounds a single upstream health probe.
const DefaultHealthTimeout = 10 * time.Second

// HealthCheck returns a probe that verifies a secret against the
// provider's live API. The probe performs the cheapest authenticated
// request each service offers and treats any authenticated response as
// success.
func (p Provider) HealthCheck(client *http.Client) func(ctx context.Context, secret string) error {
	if client == nil {
		client = &http.Client{Timeout: DefaultHealthTimeout}
	}
	return func(ctx context.Context, secret string) error {
		req, err := p.healthRequest(ctx, secret)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if p.healthStatusOK(resp.StatusCode) {
			return nil
		}
		return fmt.Errorf("%s health check: HTTP %d", p, resp.StatusCode)
	}
}

func (p Provider) healthRequest(ctx context.Context, secret string) (*http.Request, error) {
	switch p {
	case OpenRouter:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://openrouter.ai/api/v1/models", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+secret)
		return req, nil
	case SerpAPI:
		u := "https://serpapi.com/account?" + url.Values{"api_key": {secret}}.Encode()
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	case Jina:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.jina.ai/v1/models", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+secret)
		return req, nil
	case Firecrawl:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.firecrawl.dev/v0/crawl/status/test", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+secret)
		return req, nil
	case Tavily:
		body := fmt.Sprintf(`{"api_key":%q,"query":"test","max_results":1}`, secret)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.tavily.com/search", strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	case Exa:
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.exa.ai/search", strings.NewReader(`{"query":"test","numResults":1}`))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+secret)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	default:
		return nil, fmt.Errorf("no health check for provider %q", p)
	}
}

func (p Provider) healthStatusOK(code int) bool {
	if code >= 200 && code < 300 {
		return true
	}
	// Firecrawl answers 404 for unknown job ids even when the key is valid.
	return p == Firecrawl && code == http.StatusNotFound
}
