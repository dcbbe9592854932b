// Package report forwards unexpected server errors to Sentry.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"cashmanager/internal/log"
	"cashmanager/internal/middleware/trace"
)

const flushTimeout = 2 * time.Second

// Reporter captures errors on its own hub. A nil or disabled Reporter
// drops everything.
type Reporter struct {
	hub *sentry.Hub
}

// Config selects the Sentry project. An empty DSN disables reporting.
type Config struct {
	DSN         string
	Environment string
	Release     string
}

// New builds a Reporter from cfg.
func New(cfg Config) (*Reporter, error) {
	if cfg.DSN == "" {
		return &Reporter{}, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	return NewWithClient(client), nil
}

// NewWithClient wraps an already configured Sentry client.
func NewWithClient(client *sentry.Client) *Reporter {
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope())}
}

// Enabled reports whether captured errors go anywhere.
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// Capture sends err with the request id found in ctx and the given tags.
func (r *Reporter) Capture(ctx context.Context, err error, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}
	hub := r.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		if id := trace.GetRequestID(ctx); id != "" {
			scope.SetTag(log.FieldRequestID, id)
		}
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		hub.CaptureException(err)
	})
}

// Flush waits briefly for buffered events to be delivered.
func (r *Reporter) Flush() {
	if r.Enabled() {
		r.hub.Flush(flushTimeout)
	}
}
