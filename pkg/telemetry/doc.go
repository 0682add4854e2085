// Package telemetry wires OpenTelemetry tracing and meters plus the Prometheus counters
// of the defense engine.
//
// It centralises trace provider setup, redacts request-identifying span attributes,
// and exposes the evaluation counters operators use to watch blocks, capability
// failures and budget overruns.
package telemetry
