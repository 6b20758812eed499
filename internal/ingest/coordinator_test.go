package ingest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/hadarisas/Anomaly-detection-system/internal/clock"
	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
	"github.com/hadarisas/Anomaly-detection-system/internal/loop"
	"github.com/hadarisas/Anomaly-detection-system/internal/model"
	"github.com/hadarisas/Anomaly-detection-system/internal/transport"
	"github.com/hadarisas/Anomaly-detection-system/internal/window"
)

var start = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func newCoordinator(t *testing.T, wc window.Config) (*Coordinator, *clock.FakeClock) {
	t.Helper()
	if wc.Granularity == 0 {
		wc = window.Config{Granularity: 5 * time.Minute, Horizon: time.Hour}
	}
	clk := clock.Fake(start)
	c, err := New(Config{Window: wc, RecentSize: 10}, logger.Nop(), loop.Inline{}, clk)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c, clk
}

func TestBatchUpdatesAllStores(t *testing.T) {
	c, _ := newCoordinator(t, window.Config{})
	c.HandleFrame([]byte(`[{"score":0.9},{"score":0.5},{"score":0.85}]`))

	s := c.Snapshot()
	if s.Stats.CriticalCount != 2 || s.Stats.WarningCount != 1 || s.Stats.TotalCount != 3 {
		t.Fatalf("stats got=%+v", s.Stats)
	}
	if math.Abs(s.Stats.AverageScore-0.75) > 1e-9 {
		t.Fatalf("average got=%v want=0.75", s.Stats.AverageScore)
	}
	if len(s.Window) != 1 || s.Window[0].Critical != 2 || s.Window[0].Warning != 1 {
		t.Fatalf("window got=%+v", s.Window)
	}
	if len(s.RecentEvents) != 3 {
		t.Fatalf("recent got=%d want=3", len(s.RecentEvents))
	}
}

func TestAverageScoreIsLastBatchOnly(t *testing.T) {
	c, _ := newCoordinator(t, window.Config{})
	c.HandleFrame([]byte(`[{"score":0.2},{"score":0.4}]`))
	c.HandleFrame([]byte(`[{"score":1.0}]`))
	s := c.Snapshot().Stats
	if s.AverageScore != 1.0 || s.TotalCount != 3 {
		t.Fatalf("stats got=%+v", s)
	}
}

func TestPublishesOneSnapshotPerBatch(t *testing.T) {
	c, _ := newCoordinator(t, window.Config{})
	var got []*Snapshot
	c.OnUpdate(func(s *Snapshot) { got = append(got, s) })

	c.HandleFrame([]byte(`[{"score":0.9}]`))
	c.HandleFrame([]byte(`[{"score":0.1},{"score":0.95}]`))
	if len(got) != 2 {
		t.Fatalf("publications got=%d want=2", len(got))
	}
	// every published view is internally consistent
	for _, s := range got {
		inWindow := 0
		for _, b := range s.Window {
			inWindow += b.Total()
		}
		if inWindow != s.Stats.TotalCount || len(s.RecentEvents) != s.Stats.TotalCount {
			t.Fatalf("torn snapshot seq=%d window=%d recent=%d stats=%d", s.Seq, inWindow, len(s.RecentEvents), s.Stats.TotalCount)
		}
	}
	if got[0].Stats.TotalCount != 1 {
		t.Fatalf("first snapshot mutated after publication: %+v", got[0].Stats)
	}
}

func TestBadFramesLeaveStoresAlone(t *testing.T) {
	c, _ := newCoordinator(t, window.Config{})
	c.HandleState(transport.Connected)
	c.HandleFrame([]byte(`[{"score":0.9}]`))
	before := c.Snapshot()

	for _, in := range []string{`nope`, `[]`, `{"foo":1}`, `[{"score":0.9},{"type":"x"}]`} {
		c.HandleFrame([]byte(in))
	}
	after := c.Snapshot()
	if after.Seq != before.Seq || after.Stats != before.Stats || after.ConnectionState != transport.Connected {
		t.Fatalf("bad frames changed state: before=%+v after=%+v", before, after)
	}
}

func TestControlMessageSkipsStores(t *testing.T) {
	c, _ := newCoordinator(t, window.Config{})
	c.HandleFrame([]byte(`{"status":"simulation_stopped"}`))
	s := c.Snapshot()
	if s.LastControl == nil || s.LastControl.Status != "simulation_stopped" {
		t.Fatalf("control got=%+v", s.LastControl)
	}
	if s.Stats.TotalCount != 0 || len(s.Window) != 0 || len(s.RecentEvents) != 0 {
		t.Fatalf("control touched stores: %+v", s)
	}
}

func TestRecentFeedBoundedAndOrdered(t *testing.T) {
	c, clk := newCoordinator(t, window.Config{})
	for i := 0; i < 7; i++ {
		c.HandleFrame([]byte(`[{"score":0.1},{"score":0.2}]`))
		clk.Advance(time.Second)
	}
	s := c.Snapshot()
	if len(s.RecentEvents) != 10 {
		t.Fatalf("recent got=%d want=10", len(s.RecentEvents))
	}
	for i := 1; i < len(s.RecentEvents); i++ {
		if s.RecentEvents[i].ObservedAt.After(s.RecentEvents[i-1].ObservedAt) {
			t.Fatalf("recent not descending at %d", i)
		}
	}
}

func TestResetKeepsConnectionState(t *testing.T) {
	c, _ := newCoordinator(t, window.Config{})
	c.HandleState(transport.Connected)
	c.HandleFrame([]byte(`[{"score":0.9},{"score":0.3}]`))
	c.Reset()

	s := c.Snapshot()
	if s.Stats != (Snapshot{}).Stats || len(s.Window) != 0 || len(s.RecentEvents) != 0 {
		t.Fatalf("reset left data: %+v", s)
	}
	if s.ConnectionState != transport.Connected || !s.Connected {
		t.Fatalf("connection state got=%v want=connected", s.ConnectionState)
	}
}

func TestStaleBucketsLeaveWindow(t *testing.T) {
	c, clk := newCoordinator(t, window.Config{})
	c.HandleFrame([]byte(`[{"score":0.9}]`))
	clk.Advance(61 * time.Minute)
	c.HandleFrame([]byte(`[{"score":0.1}]`))

	s := c.Snapshot()
	cut := clk.Now().Add(-time.Hour)
	for _, b := range s.Window {
		if b.Start.Before(cut) {
			t.Fatalf("stale bucket %v present, cut=%v", b.Start, cut)
		}
	}
	if len(s.Window) != 1 || s.Window[0].Warning != 1 {
		t.Fatalf("window got=%+v", s.Window)
	}
}

func TestSetGranularityRebuckets(t *testing.T) {
	c, clk := newCoordinator(t, window.Config{Granularity: time.Minute, Horizon: time.Hour})
	c.HandleFrame([]byte(`[{"score":0.9}]`))
	clk.Advance(2 * time.Minute)
	c.HandleFrame([]byte(`[{"score":0.1}]`))
	if n := len(c.Snapshot().Window); n != 2 {
		t.Fatalf("1m buckets got=%d want=2", n)
	}

	if err := c.SetGranularity(5 * time.Minute); err != nil {
		t.Fatalf("set granularity: %v", err)
	}
	s := c.Snapshot()
	if len(s.Window) != 1 || s.Window[0].Critical != 1 || s.Window[0].Warning != 1 || s.GranularityName != "5m" {
		t.Fatalf("5m window got=%+v granularity=%s", s.Window, s.GranularityName)
	}
	if err := c.SetGranularity(2 * time.Hour); !errors.Is(err, window.ErrInvalidGranularity) {
		t.Fatalf("err got=%v want ErrInvalidGranularity", err)
	}
}

type fakeSource struct {
	recent  []model.Event
	buckets []model.Bucket
	err     error
}

func (f fakeSource) Recent(context.Context, int) ([]model.Event, error) { return f.recent, nil }

func (f fakeSource) Aggregate(context.Context, time.Duration) ([]model.Bucket, error) {
	return f.buckets, f.err
}

func TestSeedWithoutConnection(t *testing.T) {
	c, _ := newCoordinator(t, window.Config{})
	src := fakeSource{
		recent:  []model.Event{{Score: 0.9, Type: "IO_ERROR", ObservedAt: start.Add(-time.Minute)}},
		buckets: []model.Bucket{{Start: start.Add(-10 * time.Minute), Critical: 3, Warning: 4}},
	}
	if err := NewSeeder(src, c, 50, logger.Nop()).Run(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s := c.Snapshot()
	if len(s.RecentEvents) != 1 || len(s.Window) != 1 || s.Window[0].Total() != 7 {
		t.Fatalf("seeded snapshot got=%+v", s)
	}
	if s.Stats.TotalCount != 0 {
		t.Fatalf("seed touched stats: %+v", s.Stats)
	}
	if s.ConnectionState != transport.Disconnected {
		t.Fatalf("state got=%v", s.ConnectionState)
	}
}

func TestSeedTwiceKeepsTotals(t *testing.T) {
	c, _ := newCoordinator(t, window.Config{})
	src := fakeSource{
		recent:  []model.Event{{Score: 0.9, Type: "IO_ERROR", Message: "disk", ObservedAt: start.Add(-time.Minute)}},
		buckets: []model.Bucket{{Start: start.Add(-10 * time.Minute), Critical: 3, Warning: 4}},
	}
	sd := NewSeeder(src, c, 50, logger.Nop())
	for i := 0; i < 2; i++ {
		if err := sd.Run(context.Background()); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
	s := c.Snapshot()
	if len(s.Window) != 1 || s.Window[0].Total() != 7 {
		t.Fatalf("bucket total got=%+v want=7", s.Window)
	}
	if len(s.RecentEvents) != 1 {
		t.Fatalf("recent got=%d want=1", len(s.RecentEvents))
	}
}

// liveSource delivers a live frame while the aggregate read is in flight.
type liveSource struct {
	fakeSource
	c   *Coordinator
	clk *clock.FakeClock
}

func (l liveSource) Aggregate(ctx context.Context, g time.Duration) ([]model.Bucket, error) {
	l.clk.Advance(time.Second)
	l.c.HandleFrame([]byte(`[{"score":0.5}]`))
	return l.fakeSource.Aggregate(ctx, g)
}

func TestSeedDoesNotDoubleCountLiveFrames(t *testing.T) {
	c, clk := newCoordinator(t, window.Config{})
	// Ingested before the read, so the stored bucket already counts it.
	c.HandleFrame([]byte(`[{"score":0.9}]`))
	clk.Advance(time.Second)

	src := liveSource{
		fakeSource: fakeSource{buckets: []model.Bucket{{Start: start, Critical: 1}}},
		c:          c,
		clk:        clk,
	}
	if err := NewSeeder(src, c, 50, logger.Nop()).Run(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s := c.Snapshot()
	if len(s.Window) != 1 || s.Window[0].Critical != 1 || s.Window[0].Warning != 1 {
		t.Fatalf("window got=%+v want critical=1 warning=1", s.Window)
	}
	if s.Stats.TotalCount != 2 {
		t.Fatalf("stats got=%+v", s.Stats)
	}
}

func TestSeedFailureLeavesStateUnchanged(t *testing.T) {
	c, _ := newCoordinator(t, window.Config{})
	before := c.Snapshot().Seq
	src := fakeSource{recent: []model.Event{{Score: 0.9}}, err: errors.New("down")}
	if err := NewSeeder(src, c, 50, logger.Nop()).Run(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if got := c.Snapshot(); got.Seq != before || len(got.RecentEvents) != 0 {
		t.Fatalf("failed seed changed state: %+v", got)
	}
}

func TestOnBatchHook(t *testing.T) {
	c, _ := newCoordinator(t, window.Config{})
	var seen int
	c.OnBatch(func(b []model.Event) { seen += len(b) })
	c.HandleFrame([]byte(`[{"score":0.9},{"score":0.1}]`))
	c.HandleFrame([]byte(`{"status":"x"}`))
	if seen != 2 {
		t.Fatalf("hook saw=%d want=2", seen)
	}
}
