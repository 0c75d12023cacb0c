package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Capstan metric instruments.
type Metrics struct {
	ExecDuration      metric.Float64Histogram
	ExecErrors        metric.Int64Counter
	PolicyDenials     metric.Int64Counter
	ResourceBreaches  metric.Int64Counter
	ThrottledCalls    metric.Int64Counter
	Registrations     metric.Int64Counter
	DiscoveryDuration metric.Float64Histogram
	ActiveExecutions  metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ExecDuration, err = meter.Float64Histogram("capstan.exec.duration",
		metric.WithDescription("Capability execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecErrors, err = meter.Int64Counter("capstan.exec.errors",
		metric.WithDescription("Capability execution error count"),
	)
	if err != nil {
		return nil, err
	}

	m.PolicyDenials, err = meter.Int64Counter("capstan.policy.denials",
		metric.WithDescription("Executions denied by isolation policy"),
	)
	if err != nil {
		return nil, err
	}

	m.ResourceBreaches, err = meter.Int64Counter("capstan.resource.breaches",
		metric.WithDescription("Resource limit breaches observed by the monitor"),
	)
	if err != nil {
		return nil, err
	}

	m.ThrottledCalls, err = meter.Int64Counter("capstan.resource.throttled",
		metric.WithDescription("Executions rejected during an adaptive cool-down"),
	)
	if err != nil {
		return nil, err
	}

	m.Registrations, err = meter.Int64Counter("capstan.capability.registrations",
		metric.WithDescription("Capability manifest registrations"),
	)
	if err != nil {
		return nil, err
	}

	m.DiscoveryDuration, err = meter.Float64Histogram("capstan.discovery.duration",
		metric.WithDescription("Discovery run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveExecutions, err = meter.Int64UpDownCounter("capstan.exec.active",
		metric.WithDescription("Number of in-flight capability executions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
