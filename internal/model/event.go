package model

import "time"

// CriticalThreshold is the fixed score at or above which an event is critical.
const CriticalThreshold = 0.8

type Severity string

const (
	Critical Severity = "critical"
	Warning  Severity = "warning"
)

// Event is one anomaly as seen by the dashboard. ObservedAt is stamped by
// the ingestion boundary on arrival, never taken from the payload.
type Event struct {
	Score      float64   `json:"score"`
	Type       string    `json:"type"`
	SubType    string    `json:"subType,omitempty"`
	Message    string    `json:"message,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// Same reports whether o carries the same fields as e.
func (e Event) Same(o Event) bool {
	return e.Score == o.Score && e.Type == o.Type && e.SubType == o.SubType &&
		e.Message == o.Message && e.ObservedAt.Equal(o.ObservedAt)
}

func Classify(e Event) Severity {
	if e.Score >= CriticalThreshold {
		return Critical
	}
	return Warning
}

// Count splits a batch by severity; critical+warning always equals len(batch).
func Count(batch []Event) (critical, warning int) {
	for _, e := range batch {
		if Classify(e) == Critical {
			critical++
		} else {
			warning++
		}
	}
	return critical, warning
}

// Bucket is one time slot of the rolling window.
type Bucket struct {
	Start    time.Time `json:"bucketStart"`
	Critical int       `json:"criticalCount"`
	Warning  int       `json:"warningCount"`
}

func (b Bucket) Total() int { return b.Critical + b.Warning }

// Totals are per-category counts over a time range.
type Totals struct {
	Start    time.Time      `json:"start"`
	End      time.Time      `json:"end"`
	Critical int            `json:"critical"`
	Warning  int            `json:"warning"`
	ByType   map[string]int `json:"byType,omitempty"`
}

func (t Totals) Total() int { return t.Critical + t.Warning }

// Outbound command actions understood by the push endpoint.
const (
	ActionStartSimulation = "start_simulation"
	ActionStopSimulation  = "stop_simulation"
)

type Command struct {
	Action string `json:"action"`
}

func ValidAction(a string) bool {
	return a == ActionStartSimulation || a == ActionStopSimulation
}
