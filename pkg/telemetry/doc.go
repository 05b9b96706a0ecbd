// Package telemetry wires OpenTelemetry exporters and meters for the
// pipeline engine.
//
// It centralises tracer provider setup and holds the node-level metric
// instruments, so that every run of an Exec node is visible both as a span
// and as counters partitioned by outcome.
package telemetry
