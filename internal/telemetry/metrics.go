// Package telemetry holds the OpenTelemetry instruments for the decision loop
// and the provider setup that exposes them on /metrics.
//
// Tests should build Metrics with NewMetrics over a ManualReader provider so
// no global state is shared between them.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/danielpatrickdp/hearing-oral/go-controller"

// #region metrics
// Metrics holds every instrument. All fields are safe for concurrent use.
type Metrics struct {
	// CycleDuration is one full Observe→Learn pass.
	CycleDuration metric.Float64Histogram
	// OracleDuration is one guarded oracle call including retry.
	OracleDuration metric.Float64Histogram

	// Decisions counts emitted decisions by origin.
	Decisions metric.Int64Counter
	// SafetyFindings counts violations and warnings by check and severity.
	SafetyFindings metric.Int64Counter
	// OracleErrors counts calls that ended in ErrOracleUnavailable.
	OracleErrors metric.Int64Counter
	// Feedback counts feedback records by outcome: applied, noop, conflict, skipped, error.
	Feedback metric.Int64Counter

	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CycleDuration, err = m.Float64Histogram("oral.cycle.duration",
		metric.WithDescription("Latency of one decision cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OracleDuration, err = m.Float64Histogram("oral.oracle.duration",
		metric.WithDescription("Latency of the guarded oracle call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Decisions, err = m.Int64Counter("oral.decisions",
		metric.WithDescription("Decisions emitted, by origin."),
	); err != nil {
		return nil, err
	}
	if met.SafetyFindings, err = m.Int64Counter("oral.safety.findings",
		metric.WithDescription("Safety violations and warnings, by check."),
	); err != nil {
		return nil, err
	}
	if met.OracleErrors, err = m.Int64Counter("oral.oracle.errors",
		metric.WithDescription("Oracle calls that produced no proposal."),
	); err != nil {
		return nil, err
	}
	if met.Feedback, err = m.Int64Counter("oral.feedback",
		metric.WithDescription("Feedback records, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("oral.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Default builds Metrics on the global meter provider.
func Default() (*Metrics, error) {
	return NewMetrics(otel.GetMeterProvider())
}

// #endregion metrics

// #region recorders
// RecordCycle records a finished cycle.
func (m *Metrics) RecordCycle(ctx context.Context, d time.Duration, origin string) {
	if m == nil {
		return
	}
	m.CycleDuration.Record(ctx, d.Seconds())
	m.Decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("origin", origin)))
}

// RecordOracle records one guarded oracle call.
func (m *Metrics) RecordOracle(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.OracleDuration.Record(ctx, d.Seconds())
	if err != nil {
		m.OracleErrors.Add(ctx, 1)
	}
}

// RecordFinding counts one safety finding.
func (m *Metrics) RecordFinding(ctx context.Context, check string, violation bool) {
	if m == nil {
		return
	}
	severity := "warning"
	if violation {
		severity = "violation"
	}
	m.SafetyFindings.Add(ctx, 1, metric.WithAttributes(
		attribute.String("check", check),
		attribute.String("severity", severity),
	))
}

// RecordFeedback counts one feedback outcome.
func (m *Metrics) RecordFeedback(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Feedback.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordHTTP records one served request. route is the pattern, not the raw
// path, so label cardinality stays bounded.
func (m *Metrics) RecordHTTP(ctx context.Context, d time.Duration, method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

// #endregion recorders
