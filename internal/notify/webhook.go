package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/httpclient"
)

// maxErrorBodySize limits how much of an error response body ends up in
// the returned error.
const maxErrorBodySize = 512

// webhookEndpoint is one parsed destination URL. Basic auth credentials
// embedded in the configured URL are stripped out and applied as a header.
type webhookEndpoint struct {
	url  string
	user string
	pass string
}

// WebhookProvider posts the event as JSON to one or more HTTP endpoints.
// Endpoints are tried in order until one accepts the payload, so extra URLs
// act as failover targets.
type WebhookProvider struct {
	name      string
	enabled   bool
	endpoints []webhookEndpoint
	token     string
	client    *httpclient.Client
}

// webhookPayload is the JSON body sent to each endpoint.
type webhookPayload struct {
	Event     string         `json:"event"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// NewWebhook builds a webhook provider from one provider config entry.
// Every URL must be http or https; credentials in the URL userinfo become
// basic auth, and a configured AuthToken becomes a bearer header.
func NewWebhook(pc *conf.PushProviderConfig) (*WebhookProvider, error) {
	if len(pc.URLs) == 0 {
		return nil, fmt.Errorf("webhook provider requires at least one URL")
	}

	w := &WebhookProvider{
		name:    strings.TrimSpace(pc.Name),
		enabled: pc.Enabled,
		token:   pc.AuthToken,
		client:  httpclient.New(&httpclient.Config{DefaultTimeout: parseTimeout(pc.Timeout)}),
	}
	if w.name == "" {
		w.name = "webhook"
	}

	for _, raw := range pc.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid webhook URL %q: %w", raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("webhook URL scheme must be http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("webhook URL %q has no host", raw)
		}

		ep := webhookEndpoint{}
		if u.User != nil {
			ep.user = u.User.Username()
			ep.pass, _ = u.User.Password()
			u.User = nil
		}
		ep.url = u.String()
		w.endpoints = append(w.endpoints, ep)
	}

	return w, nil
}

// Name returns the provider label used in logs and metrics.
func (w *WebhookProvider) Name() string { return w.name }

// Enabled reports whether this provider should receive events.
func (w *WebhookProvider) Enabled() bool { return w.enabled }

// Send posts the event to the configured endpoints, stopping at the first
// success. All endpoint errors are joined when every attempt fails.
func (w *WebhookProvider) Send(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(webhookPayload{
		Event:     ev.Event,
		Title:     ev.Title,
		Message:   ev.Message,
		Timestamp: ev.Timestamp.Format(time.RFC3339),
		Fields:    ev.Fields,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var errs []error
	for i := range w.endpoints {
		ep := &w.endpoints[i]
		if err := w.post(ctx, ep, payload); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %d: %w", i, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("all webhook endpoints failed: %w", joinErrors(errs))
}

// post delivers the payload to a single endpoint.
func (w *WebhookProvider) post(ctx context.Context, ep *webhookEndpoint, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	if ep.user != "" {
		req.SetBasicAuth(ep.user, ep.pass)
	}

	resp, err := w.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// joinErrors folds the per-endpoint errors into one.
func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return fmt.Errorf("no endpoints configured")
	case 1:
		return errs[0]
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}
