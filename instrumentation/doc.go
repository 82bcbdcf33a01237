// Package instrumentation provides OpenTelemetry metrics and tracing for
// the authorization server. Metrics are exported in Prometheus format;
// when disabled, no-op providers are used with zero overhead.
package instrumentation
