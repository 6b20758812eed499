package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
)

func TestValidate(t *testing.T) {
	for _, spec := range []string{"@every 30s", "*/10 * * * *", "@hourly"} {
		if err := Validate(spec); err != nil {
			t.Fatalf("spec=%q err=%v", spec, err)
		}
	}
	if err := Validate("every now and then"); err == nil {
		t.Fatal("expected error for garbage spec")
	}
}

func TestRunRejectsBadSchedule(t *testing.T) {
	err := Run(context.Background(), logger.Nop(), Job{Name: "bad", Schedule: "nope", Run: func(context.Context) error { return nil }})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRunFiresJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	fired := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, logger.Nop(), Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
			runs.Add(1)
			select {
			case fired <- struct{}{}:
			default:
			}
			return nil
		}})
	}()
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if runs.Load() < 1 {
		t.Fatalf("runs got=%d", runs.Load())
	}
}
