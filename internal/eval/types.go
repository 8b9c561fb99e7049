package eval

import "time"

// #region eval-config
// EvalConfig holds the bounds a session snapshot is checked against.
type EvalConfig struct {
	MaxActiveThreads int           // active threads above this fail
	MinClimaxSpacing time.Duration // booked climaxes closer than this fail
	MaxBacklog       int           // warn when more interventions are waiting
}

// DefaultEvalConfig mirrors the orchestrator defaults.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		MaxActiveThreads: 6,
		MinClimaxSpacing: 6 * time.Hour,
		MaxBacklog:       8,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single validation check result.
type EvalMetric struct {
	Name  string
	Value float64
	Pass  bool
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of a snapshot validation.
type EvalResult struct {
	Passed  bool
	Metrics []EvalMetric
	Reason  string
}

// Metric returns the named metric.
func (r EvalResult) Metric(name string) (EvalMetric, bool) {
	for _, m := range r.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return EvalMetric{}, false
}

// #endregion eval-result
