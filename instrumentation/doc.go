// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// Instrumentation is optional: when disabled, no-op providers are installed
// and every recording call costs nothing. The server layers obtain meters and
// tracers through the Instrumentation type rather than the otel globals, so a
// host application can wire its own providers.
//
// Metric instruments cover the grant pipeline (grants by type and result,
// codes issued and redeemed, replay and refresh-reuse detections), the HTTP
// surface, storage operations, and store sizes via observable gauges.
package instrumentation
