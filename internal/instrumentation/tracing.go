package instrumentation

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys. Never attach token, code or secret values;
// identifiers and outcomes only.
const (
	AttrTemplateID = "tether.template_id"
	AttrTenantID   = "tether.tenant_id"
	AttrInstanceID = "tether.instance_id"
	AttrClientType = "oauth.client_type"
	AttrGrantType  = "oauth.grant_type"
	AttrOutcome    = "tether.outcome"
	AttrAuditEvent = "security.audit.event_type"
	AttrSuccess    = "success"
)

// RecordError marks span as failed with err. It is nil-safe.
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetOK marks span as successful. It is nil-safe.
func SetOK(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}
