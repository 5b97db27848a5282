// Package observe provides the telemetry plumbing for proxy dispatch:
// structured logging, OpenTelemetry metrics and spans, and a Middleware
// that applies all three to a dispatched operation.
//
// Logging is backed by zerolog; file output is rotated by lumberjack.
// Fields named in RedactedFields are replaced with "[REDACTED]".
//
// The package performs no dispatch itself. pool and resilience accept
// a Logger and Metrics and fall back to NopLogger and NopMetrics.
package observe
