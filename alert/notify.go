package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"talos"

	"github.com/cenkalti/backoff/v4"
)

// Notifier delivers one alert event to one destination.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event talos.AlertEvent) error
}

// RouteMode selects how a severity's notifiers are driven.
type RouteMode string

const (
	// ModeBroadcast runs all notifiers in parallel; success iff at least
	// MinSuccess succeed.
	ModeBroadcast RouteMode = "broadcast"
	// ModeFallback tries notifiers in order until one succeeds.
	ModeFallback RouteMode = "fallback"
	// ModeSingle uses the first configured notifier only.
	ModeSingle RouteMode = "single"
)

// Route is the per-severity dispatch rule.
type Route struct {
	Mode       RouteMode `yaml:"mode"`
	Notifiers  []string  `yaml:"notifiers"`
	MinSuccess int       `yaml:"min_success,omitempty"`
}

// RetryPolicy tunes per-notifier retry: delay grows base * mult^attempt.
type RetryPolicy struct {
	Base        time.Duration `yaml:"base"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxAttempts uint64        `yaml:"max_attempts"`
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	return p
}

// Router dispatches alert events to notifiers per severity.
type Router struct {
	routes    map[talos.Severity]Route
	notifiers map[string]Notifier
	retry     RetryPolicy
}

// NewRouter builds a router. Routes referencing unknown notifiers fail.
func NewRouter(routes map[talos.Severity]Route, notifiers []Notifier, retry RetryPolicy) (*Router, error) {
	byName := make(map[string]Notifier, len(notifiers))
	for _, n := range notifiers {
		byName[n.Name()] = n
	}
	for sev, route := range routes {
		if len(route.Notifiers) == 0 {
			return nil, fmt.Errorf("route %s: no notifiers", sev)
		}
		for _, name := range route.Notifiers {
			if _, ok := byName[name]; !ok {
				return nil, fmt.Errorf("route %s: unknown notifier %q", sev, name)
			}
		}
	}
	return &Router{routes: routes, notifiers: byName, retry: retry.normalized()}, nil
}

// Dispatch routes one event by severity. Severities without a route are
// logged and dropped.
func (r *Router) Dispatch(ctx context.Context, event talos.AlertEvent) error {
	route, ok := r.routes[event.Severity]
	if !ok {
		slog.Debug("no notifier route for severity", "severity", event.Severity, "code", event.Code)
		return nil
	}

	switch route.Mode {
	case ModeBroadcast:
		return r.broadcast(ctx, route, event)
	case ModeFallback:
		for _, name := range route.Notifiers {
			if err := r.notifyWithRetry(ctx, r.notifiers[name], event); err == nil {
				return nil
			}
		}
		return fmt.Errorf("all fallback notifiers failed for %s/%s", event.DeviceID, event.Code)
	case ModeSingle:
		return r.notifyWithRetry(ctx, r.notifiers[route.Notifiers[0]], event)
	default:
		return fmt.Errorf("unknown route mode %q", route.Mode)
	}
}

func (r *Router) broadcast(ctx context.Context, route Route, event talos.AlertEvent) error {
	minSuccess := route.MinSuccess
	if minSuccess <= 0 {
		minSuccess = 1
	}

	var wg sync.WaitGroup
	results := make(chan error, len(route.Notifiers))
	for _, name := range route.Notifiers {
		n := r.notifiers[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- r.notifyWithRetry(ctx, n, event)
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	if succeeded < minSuccess {
		return fmt.Errorf("broadcast: %d/%d notifiers succeeded, need %d",
			succeeded, len(route.Notifiers), minSuccess)
	}
	return nil
}

func (r *Router) notifyWithRetry(ctx context.Context, n Notifier, event talos.AlertEvent) error {
	boff := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.retry.Base),
		backoff.WithMultiplier(r.retry.Multiplier),
	), r.retry.MaxAttempts-1)

	err := backoff.Retry(func() error {
		return n.Notify(ctx, event)
	}, backoff.WithContext(boff, ctx))
	if err != nil {
		slog.Warn("notifier failed", "notifier", n.Name(), "code", event.Code, "err", err)
	}
	return err
}

// LogNotifier writes alert events to the process log.
type LogNotifier struct{ name string }

// NewLogNotifier creates the built-in log notifier.
func NewLogNotifier(name string) *LogNotifier {
	if name == "" {
		name = "log"
	}
	return &LogNotifier{name: name}
}

func (n *LogNotifier) Name() string { return n.name }

func (n *LogNotifier) Notify(_ context.Context, event talos.AlertEvent) error {
	slog.Warn("alert",
		"device", event.DeviceID,
		"code", event.Code,
		"state", event.State,
		"severity", event.Severity,
		"value", event.Value,
		"reason", event.Reason)
	return nil
}

// WebhookNotifier POSTs the alert event as JSON.
type WebhookNotifier struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier with the given timeout.
func NewWebhookNotifier(name, url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Name() string { return n.name }

func (n *WebhookNotifier) Notify(ctx context.Context, event talos.AlertEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
