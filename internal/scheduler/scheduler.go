// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
)

type Job struct {
	Name     string
	Schedule string // standard 5-field spec or a descriptor such as "@every 30s"
	Run      func(ctx context.Context) error
}

func parser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Validate reports whether spec parses with the scheduler's parser.
func Validate(spec string) error {
	_, err := parser().Parse(spec)
	return err
}

// Run registers jobs and blocks until ctx is done. Any invalid schedule
// aborts before a job starts.
func Run(ctx context.Context, log *logger.Logger, jobs ...Job) error {
	c := cron.New(cron.WithParser(parser()))
	for _, job := range jobs {
		j := job
		_, err := c.AddFunc(j.Schedule, func() {
			start := time.Now()
			if err := j.Run(ctx); err != nil {
				log.Error().Err(err).Str("job", j.Name).Msg("scheduled job failed")
				return
			}
			log.Debug().Str("job", j.Name).Dur("dur", time.Since(start)).Msg("scheduled job done")
		})
		if err != nil {
			return fmt.Errorf("job %s: schedule %q: %w", j.Name, j.Schedule, err)
		}
	}
	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(5 * time.Second):
		log.Warn().Msg("scheduled jobs still running at shutdown")
	}
	return nil
}
