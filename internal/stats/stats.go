package stats

import "github.com/hadarisas/Anomaly-detection-system/internal/model"

// Running holds session counters. AverageScore is the mean of the most
// recent batch only, not a cumulative mean; dashboards already depend on
// that reading.
type Running struct {
	TotalCount    int     `json:"totalCount"`
	CriticalCount int     `json:"criticalCount"`
	WarningCount  int     `json:"warningCount"`
	AverageScore  float64 `json:"averageScore"`
}

type Accumulator struct {
	cur Running
}

func New() *Accumulator { return &Accumulator{} }

func (a *Accumulator) Add(batch []model.Event) {
	critical, warning := model.Count(batch)
	a.cur.TotalCount += len(batch)
	a.cur.CriticalCount += critical
	a.cur.WarningCount += warning
	a.cur.AverageScore = Mean(batch)
}

func (a *Accumulator) Get() Running { return a.cur }

func (a *Accumulator) Reset() { a.cur = Running{} }

// Mean of the batch scores; 0 for an empty batch.
func Mean(batch []model.Event) float64 {
	if len(batch) == 0 {
		return 0
	}
	var sum float64
	for _, e := range batch {
		sum += e.Score
	}
	return sum / float64(len(batch))
}
