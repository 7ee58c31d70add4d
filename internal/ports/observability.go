package ports

// Field is a structured log field, matching the shape the teacher's
// AegisFlow observability port used for its own logging calls.
type Field struct {
	Key   string
	Value any
}

// Observability is the logging/metrics facade every core component logs
// and counts through, so that swapping Prometheus for something else
// never touches collector/receiver/coordinator code.
type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)
	SetGauge(name string, v float64)
}
