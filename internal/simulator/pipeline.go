package simulator

import (
	"fmt"
	"strings"
	"time"

	"github.com/hadarisas/Anomaly-detection-system/internal/detector"
	"github.com/hadarisas/Anomaly-detection-system/internal/model"
	"github.com/hadarisas/Anomaly-detection-system/internal/store"
)

// Sink persists raw lines and scored anomalies.
type Sink interface {
	PutLogs(source string, lines []string, at time.Time) error
	Put(batch []model.Event) ([]store.Anomaly, error)
}

// Pipeline keeps every log line, scores the block and stores what it finds.
type Pipeline struct {
	det  *detector.Detector
	sink Sink
	now  func() time.Time
}

func NewPipeline(det *detector.Detector, sink Sink) *Pipeline {
	return &Pipeline{det: det, sink: sink, now: time.Now}
}

// Process returns the stored anomalies; nil when the text had none.
func (p *Pipeline) Process(text string) ([]store.Anomaly, error) {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return nil, nil
	}
	if err := p.sink.PutLogs(p.det.Source(), lines, p.now()); err != nil {
		return nil, fmt.Errorf("store logs: %w", err)
	}
	found := p.det.Scan(text)
	if len(found) == 0 {
		return nil, nil
	}
	stored, err := p.sink.Put(found)
	if err != nil {
		return nil, fmt.Errorf("store anomalies: %w", err)
	}
	return stored, nil
}
