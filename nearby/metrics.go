package nearby

import "time"

// Metrics receives timings and outcomes from the search path.
// *metrics.Collector satisfies it.
type Metrics interface {
	ObserveQuery(operation string, d time.Duration, err error)
	ObserveSearch(kind string, strategy string, outcome string, stops int)
	CacheHit()
	CacheMiss()
}

type nopMetrics struct{}

func (nopMetrics) ObserveQuery(string, time.Duration, error) {}
func (nopMetrics) ObserveSearch(string, string, string, int) {}
func (nopMetrics) CacheHit() {}
func (nopMetrics) CacheMiss() {}

func orNop(m Metrics) Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
