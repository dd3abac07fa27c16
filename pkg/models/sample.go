package models

import "time"

// Metric identifies a per-minute performance series
type Metric string

const (
	MetricPhysC Metric = "PhysC"
	MetricRunQ  Metric = "RunQ"
)

// Metrics lists every metric the pipeline understands, in column order
var Metrics = []Metric{MetricPhysC, MetricRunQ}

// ParseMetric resolves a column or label name to a Metric
func ParseMetric(name string) (Metric, bool) {
	switch name {
	case "PhysC", "physc", "physc_cores", "cpu_physc":
		return MetricPhysC, true
	case "RunQ", "runq", "run_queue", "cpu_runq":
		return MetricRunQ, true
	}
	return "", false
}

// Sample is a single validated observation of one metric for one entity
type Sample struct {
	Timestamp time.Time
	EntityID  string
	Metric    Metric
	Value     float64
}

// Point is a bare (timestamp, value) pair used by the smoothing stages
type Point struct {
	Timestamp time.Time
	Value     float64
}

// OptionalFloat is a value that may be absent. Absent is not zero.
type OptionalFloat struct {
	Value float64
	Valid bool
}

// Some wraps a present value
func Some(v float64) OptionalFloat {
	return OptionalFloat{Value: v, Valid: true}
}

// Record is one merged row: every metric known for an entity at a timestamp.
// Fields are resolved once at ingestion; a missing metric stays invalid.
type Record struct {
	Timestamp time.Time
	EntityID  string
	PhysC     OptionalFloat
	RunQ      OptionalFloat
}

// Get returns the field for a metric
func (r Record) Get(m Metric) OptionalFloat {
	switch m {
	case MetricPhysC:
		return r.PhysC
	case MetricRunQ:
		return r.RunQ
	}
	return OptionalFloat{}
}

// Set assigns the field for a metric
func (r *Record) Set(m Metric, v float64) {
	switch m {
	case MetricPhysC:
		r.PhysC = Some(v)
	case MetricRunQ:
		r.RunQ = Some(v)
	}
}

// Less orders records by timestamp then entity
func (r Record) Less(o Record) bool {
	if !r.Timestamp.Equal(o.Timestamp) {
		return r.Timestamp.Before(o.Timestamp)
	}
	return r.EntityID < o.EntityID
}

// SameKey reports whether two records share the (timestamp, entity) merge key
func (r Record) SameKey(o Record) bool {
	return r.Timestamp.Equal(o.Timestamp) && r.EntityID == o.EntityID
}

// Span is the observed time range of an entity's data
type Span struct {
	First time.Time
	Last  time.Time
}

// IsZero reports whether no data was observed
func (s Span) IsZero() bool {
	return s.First.IsZero() && s.Last.IsZero()
}
