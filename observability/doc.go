// Package observability records engine lifecycle metrics through
// OpenTelemetry. MetricsExtension implements the ext hooks and turns them
// into counters and histograms labelled by definition, task type, and
// error kind.
//
// For per-attempt tracing and metrics on the worker side, see the
// middleware package: middleware.Tracing() and middleware.Metrics().
package observability
