// Package otel binds authcore engine metrics to an OpenTelemetry meter.
//
// Each counter becomes an Int64ObservableCounter and each histogram bucket an
// Int64ObservableGauge. One callback takes an engine snapshot per collection.
// The caller owns the MeterProvider.
package otel
