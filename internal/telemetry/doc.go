// Package telemetry sets up OpenTelemetry tracing for corpusd.
//
// Exporter failures never crash the application; the instance degrades
// to no-op tracers instead.
package telemetry
