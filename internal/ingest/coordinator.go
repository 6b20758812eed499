// Package ingest turns transport frames into window, recent-feed and
// statistics updates and publishes immutable snapshots of the result.
package ingest

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hadarisas/Anomaly-detection-system/internal/buffer"
	"github.com/hadarisas/Anomaly-detection-system/internal/clock"
	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
	"github.com/hadarisas/Anomaly-detection-system/internal/loop"
	"github.com/hadarisas/Anomaly-detection-system/internal/metrics"
	"github.com/hadarisas/Anomaly-detection-system/internal/model"
	"github.com/hadarisas/Anomaly-detection-system/internal/stats"
	"github.com/hadarisas/Anomaly-detection-system/internal/transport"
	"github.com/hadarisas/Anomaly-detection-system/internal/window"
)

// Snapshot is never mutated after publication.
type Snapshot struct {
	Seq             uint64          `json:"seq"`
	At              time.Time       `json:"at"`
	Granularity     time.Duration   `json:"-"`
	GranularityName string          `json:"granularity"`
	Window          []model.Bucket  `json:"window"`
	RecentEvents    []model.Event   `json:"recentEvents"`
	Stats           stats.Running   `json:"stats"`
	ConnectionState transport.State `json:"connectionState"`
	Connected       bool            `json:"connected"`
	LastControl     *Control        `json:"lastControl,omitempty"`
}

type Config struct {
	Window     window.Config
	RecentSize int
}

// Seed is one read of the anomaly store. ReadAt is when the read started;
// live points observed before it are assumed to be in Buckets already.
type Seed struct {
	Recent  []model.Event
	Buckets []model.Bucket
	ReadAt  time.Time
}

// Coordinator owns the three stores. HandleFrame and HandleState must be
// called on the executor; the remaining mutators post themselves there.
type Coordinator struct {
	log    *logger.Logger
	exec   loop.Executor
	clk    clock.Clock
	winCfg window.Config

	snap atomic.Pointer[Snapshot]

	mu      sync.Mutex
	subs    map[int]func(*Snapshot)
	next    int
	onBatch func([]model.Event)

	// executor-owned
	win     *window.Aggregator
	recent  *buffer.Recent
	stats   *stats.Accumulator
	conn    transport.State
	control *Control
	seq     uint64
}

func New(cfg Config, log *logger.Logger, exec loop.Executor, clk clock.Clock) (*Coordinator, error) {
	win, err := window.New(cfg.Window)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		log: log.With("ingest"), exec: exec, clk: clk, winCfg: cfg.Window,
		subs:   map[int]func(*Snapshot){},
		win:    win,
		recent: buffer.NewRecent(cfg.RecentSize),
		stats:  stats.New(),
	}
	c.publish(clk.Now())
	return c, nil
}

// OnBatch installs a hook that sees every applied batch. It runs on the
// executor and must hand slow work off.
func (c *Coordinator) OnBatch(fn func(batch []model.Event)) {
	c.mu.Lock()
	c.onBatch = fn
	c.mu.Unlock()
}

// OnUpdate subscribes to snapshot publications.
func (c *Coordinator) OnUpdate(fn func(*Snapshot)) (cancel func()) {
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Snapshot is safe from any goroutine.
func (c *Coordinator) Snapshot() *Snapshot { return c.snap.Load() }

func (c *Coordinator) Granularity() time.Duration { return c.Snapshot().Granularity }

func (c *Coordinator) HandleFrame(data []byte) {
	now := c.clk.Now()
	f, err := ParseFrame(data, now)
	if err != nil {
		kind := "malformed"
		if errors.Is(err, ErrEmptyBatch) {
			kind = "empty"
		}
		metrics.FramesReceived.WithLabelValues(kind).Inc()
		c.log.Warn().Err(err).Int("bytes", len(data)).Msg("frame dropped")
		return
	}
	if f.Control != nil {
		metrics.FramesReceived.WithLabelValues("control").Inc()
		c.log.Info().Str("type", f.Control.Type).Str("status", f.Control.Status).Msg("control message")
		c.control = f.Control
		c.publish(now)
		return
	}
	metrics.FramesReceived.WithLabelValues("batch").Inc()
	c.apply(f.Batch, now)
}

// apply updates window, recent feed and stats in that order and only then
// publishes, so no subscriber sees a partially applied batch.
func (c *Coordinator) apply(batch []model.Event, now time.Time) {
	critical, warning := model.Count(batch)
	c.win.Add(window.Point{TS: now, Critical: critical, Warning: warning}, now)
	c.recent.Merge(batch)
	c.stats.Add(batch)
	metrics.EventsIngested.WithLabelValues(string(model.Critical)).Add(float64(critical))
	metrics.EventsIngested.WithLabelValues(string(model.Warning)).Add(float64(warning))
	c.publish(now)

	c.mu.Lock()
	hook := c.onBatch
	c.mu.Unlock()
	if hook != nil {
		hook(batch)
	}
}

func (c *Coordinator) HandleState(st transport.State) {
	c.conn = st
	c.publish(c.clk.Now())
}

// Seed absorbs results of the query endpoints. It needs no connection and
// leaves the session statistics alone. A later Seed replaces the bucket
// counts of an earlier one, so seeding again never double counts.
func (c *Coordinator) Seed(s Seed) {
	c.exec.Post(func() {
		now := c.clk.Now()
		c.win.Load(s.Buckets, s.ReadAt, now)
		c.recent.MergeUnique(s.Recent)
		c.log.Info().Int("buckets", len(s.Buckets)).Int("events", len(s.Recent)).Msg("seeded")
		c.publish(now)
	})
}

// Reset clears aggregation state. The connection is not touched.
func (c *Coordinator) Reset() {
	c.exec.Post(func() {
		c.win.Reset()
		c.recent.Reset()
		c.stats.Reset()
		c.control = nil
		c.log.Info().Msg("reset")
		c.publish(c.clk.Now())
	})
}

// SetGranularity validates g against the configured horizon before
// re-bucketing on the executor.
func (c *Coordinator) SetGranularity(g time.Duration) error {
	cfg := c.winCfg
	cfg.Granularity = g
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.exec.Post(func() {
		now := c.clk.Now()
		if err := c.win.SetGranularity(g, now); err != nil {
			c.log.Warn().Err(err).Msg("granularity change rejected")
			return
		}
		c.log.Info().Str("granularity", window.Label(g)).Int("points", c.win.Points()).Msg("window re-bucketed")
		c.publish(now)
	})
	return nil
}

// Refresh evicts stale buckets and republishes; used when no frames arrive
// for a while.
func (c *Coordinator) Refresh() {
	c.exec.Post(func() {
		now := c.clk.Now()
		c.win.Evict(now)
		c.publish(now)
	})
}

func (c *Coordinator) publish(now time.Time) {
	c.seq++
	s := &Snapshot{
		Seq:             c.seq,
		At:              now,
		Granularity:     c.win.Granularity(),
		GranularityName: window.Label(c.win.Granularity()),
		Window:          c.win.Values(now),
		RecentEvents:    c.recent.Items(),
		Stats:           c.stats.Get(),
		ConnectionState: c.conn,
		Connected:       c.conn == transport.Connected,
	}
	if c.control != nil {
		ctl := *c.control
		s.LastControl = &ctl
	}
	c.snap.Store(s)
	metrics.WindowBuckets.Set(float64(c.win.Len()))

	c.mu.Lock()
	fns := make([]func(*Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
