package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
	"github.com/hadarisas/Anomaly-detection-system/internal/model"
)

// Source is the read side of the anomaly store.
type Source interface {
	Recent(ctx context.Context, limit int) ([]model.Event, error)
	Aggregate(ctx context.Context, granularity time.Duration) ([]model.Bucket, error)
}

// Seeder loads the initial snapshot from the query endpoints. Nothing is
// applied unless both reads succeed, and failures are not retried.
type Seeder struct {
	src   Source
	coord *Coordinator
	limit int
	log   *logger.Logger
}

func NewSeeder(src Source, coord *Coordinator, limit int, log *logger.Logger) *Seeder {
	if limit <= 0 {
		limit = 50
	}
	return &Seeder{src: src, coord: coord, limit: limit, log: log.With("seed")}
}

func (s *Seeder) Run(ctx context.Context) error {
	readAt := s.coord.clk.Now()
	recent, err := s.src.Recent(ctx, s.limit)
	if err != nil {
		s.log.Warn().Err(err).Msg("seed recent failed")
		return fmt.Errorf("seed recent: %w", err)
	}
	g := s.coord.Granularity()
	buckets, err := s.src.Aggregate(ctx, g)
	if err != nil {
		s.log.Warn().Err(err).Msg("seed aggregate failed")
		return fmt.Errorf("seed aggregate: %w", err)
	}
	s.coord.Seed(Seed{Recent: recent, Buckets: buckets, ReadAt: readAt})
	return nil
}
