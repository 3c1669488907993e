package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "storepilot"

// Metrics holds all engine metric instruments.
type Metrics struct {
	RunsCreated   metric.Int64Counter
	RunsSucceeded metric.Int64Counter
	RunsFailed    metric.Int64Counter
	RunsStale     metric.Int64Counter
	ReuseHits     metric.Int64Counter
	ProviderCalls metric.Int64Counter
	TargetWrites  metric.Int64Counter
	Triggers      metric.Int64Counter
	RunDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsCreated, err = meter.Int64Counter("storepilot.runs.created",
		metric.WithDescription("Number of runs created"))
	if err != nil {
		return nil, err
	}

	m.RunsSucceeded, err = meter.Int64Counter("storepilot.runs.succeeded",
		metric.WithDescription("Number of runs that succeeded"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("storepilot.runs.failed",
		metric.WithDescription("Number of runs that failed"))
	if err != nil {
		return nil, err
	}

	m.RunsStale, err = meter.Int64Counter("storepilot.runs.stale",
		metric.WithDescription("Number of runs that ended stale"))
	if err != nil {
		return nil, err
	}

	m.ReuseHits, err = meter.Int64Counter("storepilot.workcache.hits",
		metric.WithDescription("Number of runs answered from reusable AI work"))
	if err != nil {
		return nil, err
	}

	m.ProviderCalls, err = meter.Int64Counter("storepilot.provider.calls",
		metric.WithDescription("Number of generation provider calls"))
	if err != nil {
		return nil, err
	}

	m.TargetWrites, err = meter.Int64Counter("storepilot.targets.writes",
		metric.WithDescription("Number of target fields written"))
	if err != nil {
		return nil, err
	}

	m.Triggers, err = meter.Int64Counter("storepilot.triggers",
		metric.WithDescription("Number of trigger events by decision"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("storepilot.run.duration_seconds",
		metric.WithDescription("Run execution duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
