package detector

import (
	"strings"
	"time"

	"github.com/hadarisas/Anomaly-detection-system/internal/metrics"
	"github.com/hadarisas/Anomaly-detection-system/internal/model"
	"github.com/hadarisas/Anomaly-detection-system/internal/rules"
)

const (
	// ErrorScore is used for error lines that no rule recognises.
	ErrorScore = 0.75
	// Damping applies to rule hits on lines without an error keyword.
	Damping = 0.8
	// MinScore is the cut below which a line is not reported.
	MinScore = 0.5
)

var keywords = []string{"error", "failed", "failure", "warning", "critical", "exception", "fatal"}

type Detector struct {
	rs     *rules.Set
	source string
	now    func() time.Time
}

// New returns a detector labelled with source ("simulator", "kafka") in metrics.
func New(rs *rules.Set, source string, now func() time.Time) *Detector {
	if rs == nil {
		rs = rules.Defaults()
	}
	if now == nil {
		now = time.Now
	}
	return &Detector{rs: rs, source: source, now: now}
}

func IsError(line string) bool {
	l := strings.ToLower(line)
	for _, k := range keywords {
		if strings.Contains(l, k) {
			return true
		}
	}
	return false
}

// Score rates a single line. ok is false when the line is not an anomaly.
func (d *Detector) Score(line string) (model.Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return model.Event{}, false
	}
	isErr := IsError(line)
	var score float64
	typ := "UNKNOWN"
	if r, hit := d.rs.Match(line); hit {
		score, typ = r.Score, r.Type
	} else if isErr {
		score = ErrorScore
	}
	if !isErr {
		score *= Damping
	}
	if score < MinScore {
		return model.Event{}, false
	}
	return model.Event{Score: score, Type: typ, Message: line, ObservedAt: d.now()}, true
}

// Scan scores every line of a block of log text and returns the anomalies
// in input order.
func (d *Detector) Scan(text string) []model.Event {
	var out []model.Event
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		metrics.SimLogs.WithLabelValues(d.source).Inc()
		if e, ok := d.Score(line); ok {
			metrics.SimAnomalies.WithLabelValues(d.source, e.Type).Inc()
			out = append(out, e)
		}
	}
	return out
}

// Source is the label this detector reports under.
func (d *Detector) Source() string { return d.source }
