// Package prometheus renders authcore engine metrics in the Prometheus text
// exposition format.
//
// Counters are named authcore_*_total. The only histogram is
// authcore_authorize_latency_seconds, present when latency histograms are enabled.
// Nothing is registered globally; callers mount [Exporter.Handler].
package prometheus
