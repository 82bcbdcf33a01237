package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RecordError records an error on the span and marks it as failed.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks the span as successful.
func SetSpanSuccess(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// AddFlowAttributes attaches authorization flow identifiers to the span.
func AddFlowAttributes(span trace.Span, clientID, userID string) {
	if span == nil {
		return
	}
	if clientID != "" {
		span.SetAttributes(attribute.String("oauth.client_id", clientID))
	}
	if userID != "" {
		span.SetAttributes(attribute.String("oauth.user_id", userID))
	}
}

// AddHTTPAttributes attaches HTTP request attributes to the span.
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.endpoint", endpoint),
		attribute.Int("http.status_code", statusCode),
	)
}
