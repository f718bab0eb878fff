// Package observability wires the process logger, Prometheus metrics and
// OpenTelemetry tracing.
//
// Components receive a *slog.Logger built by NewLogger and tag it with
// logger.With("component", name). Metrics and Tracer values may be nil; every
// method on them is then a no-op, which keeps tests free of registries and
// exporters.
package observability
