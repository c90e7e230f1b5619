package lwm2m

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics defines the interface for collecting metrics.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels MetricLabels) Gauge
}

// Counter is a monotonically increasing counter.
type Counter interface {
	// Inc increments the counter by 1.
	Inc()

	// Add adds the given value to the counter.
	Add(delta float64)

	// Value returns the current value.
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	// Set sets the gauge to the given value.
	Set(value float64)

	// Inc increments the gauge by 1.
	Inc()

	// Dec decrements the gauge by 1.
	Dec()

	// Value returns the current value.
	Value() float64
}

// NoOpMetrics is a no-op implementation of Metrics.
type NoOpMetrics struct{}

// NewNoOpMetrics creates a new no-op metrics sink.
func NewNoOpMetrics() *NoOpMetrics {
	return &NoOpMetrics{}
}

// Counter returns a no-op counter.
func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter {
	return &noOpCounter{}
}

// Gauge returns a no-op gauge.
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge {
	return &noOpGauge{}
}

type noOpCounter struct{}

func (n *noOpCounter) Inc()           {}
func (n *noOpCounter) Add(_ float64)  {}
func (n *noOpCounter) Value() float64 { return 0 }

type noOpGauge struct{}

func (n *noOpGauge) Set(_ float64)  {}
func (n *noOpGauge) Inc()           {}
func (n *noOpGauge) Dec()           {}
func (n *noOpGauge) Value() float64 { return 0 }

// Standard metric names for LWM2M clients.
const (
	// MetricRegistrations is the current number of live registrations.
	MetricRegistrations = "lwm2m_registrations"

	// MetricRegistrationAttempts counts registration requests sent.
	MetricRegistrationAttempts = "lwm2m_registration_attempts_total"

	// MetricRequests counts dispatched management requests. Labeled by
	// "operation" and "code".
	MetricRequests = "lwm2m_requests_total"

	// MetricNotifications counts observe notifications emitted.
	MetricNotifications = "lwm2m_notifications_total"

	// MetricBootstraps counts completed bootstrap sequences.
	MetricBootstraps = "lwm2m_bootstraps_total"
)
