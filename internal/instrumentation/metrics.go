package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments of the authorization engine.
type Metrics struct {
	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenReused          metric.Int64Counter
	AuditEvents          metric.Int64Counter
	ExchangeDuration     metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AuthorizationStarted, err = meter.Int64Counter(
		"tether.authorization.started",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.started counter: %w", err)
	}

	m.CallbackProcessed, err = meter.Int64Counter(
		"tether.callback.processed",
		metric.WithDescription("Number of authorization callbacks processed, by outcome"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.TokenRefreshed, err = meter.Int64Counter(
		"tether.token.refreshed",
		metric.WithDescription("Number of token refresh attempts, by outcome"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokenReused, err = meter.Int64Counter(
		"tether.token.reused",
		metric.WithDescription("Number of tokens copied between resource instances"),
		metric.WithUnit("{reuse}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.reused counter: %w", err)
	}

	m.AuditEvents, err = meter.Int64Counter(
		"tether.audit.events",
		metric.WithDescription("Number of security audit events, by type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events counter: %w", err)
	}

	m.ExchangeDuration, err = meter.Float64Histogram(
		"tether.token.exchange.duration",
		metric.WithDescription("Token endpoint call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.exchange.duration histogram: %w", err)
	}

	return m, nil
}

// RecordAuthorizationStarted counts a started flow for a template.
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, templateID string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrTemplateID, templateID),
	))
}

// RecordCallback counts a processed callback. outcome is "success" or an
// error kind.
func (m *Metrics) RecordCallback(ctx context.Context, outcome string) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrOutcome, outcome),
	))
}

// RecordRefresh counts a refresh attempt.
func (m *Metrics) RecordRefresh(ctx context.Context, outcome string) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrOutcome, outcome),
	))
}

// RecordReuse counts a reuse attempt.
func (m *Metrics) RecordReuse(ctx context.Context, outcome string) {
	m.TokenReused.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrOutcome, outcome),
	))
}

// RecordAudit counts a security audit event.
func (m *Metrics) RecordAudit(ctx context.Context, event string) {
	m.AuditEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrAuditEvent, event),
	))
}

// RecordExchange records the duration of a token endpoint call.
func (m *Metrics) RecordExchange(ctx context.Context, grantType string, durationMs float64, success bool) {
	m.ExchangeDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String(AttrGrantType, grantType),
		attribute.Bool(AttrSuccess, success),
	))
}
