// Package telemetry provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for the deployment orchestrator.
package telemetry
