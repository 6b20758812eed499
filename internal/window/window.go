package window

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hadarisas/Anomaly-detection-system/internal/model"
)

var ErrInvalidGranularity = errors.New("invalid granularity")

// Point is one arrival: every event of a frame shares its timestamp, so a
// whole classified batch collapses into a single point.
type Point struct {
	TS       time.Time
	Critical int
	Warning  int
	// Seeded marks totals loaded from the store rather than observed live.
	Seeded bool
}

// sliding keeps the raw points, ascending by TS, so the series can be
// re-bucketed when the granularity changes.
type sliding struct {
	points []Point
}

func (s *sliding) add(p Point) {
	i := sort.Search(len(s.points), func(i int) bool { return !s.points[i].TS.Before(p.TS) })
	for j := i; j < len(s.points) && s.points[j].TS.Equal(p.TS); j++ {
		if s.points[j].Seeded == p.Seeded {
			s.points[j].Critical += p.Critical
			s.points[j].Warning += p.Warning
			return
		}
	}
	s.points = append(s.points, Point{})
	copy(s.points[i+1:], s.points[i:])
	s.points[i] = p
}

func (s *sliding) cut(before time.Time) {
	i := sort.Search(len(s.points), func(i int) bool { return !s.points[i].TS.Before(before) })
	if i > 0 {
		s.points = append(s.points[:0], s.points[i:]...)
	}
}

type Config struct {
	Granularity time.Duration
	Horizon     time.Duration
	// MaxBuckets caps the series below Horizon/Granularity when set.
	MaxBuckets int
	// Continuous fills empty slots with zero buckets across the visible horizon.
	Continuous bool
}

func (c Config) Validate() error {
	if c.Granularity <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidGranularity, c.Granularity)
	}
	if c.Horizon < c.Granularity {
		return fmt.Errorf("%w: %s exceeds horizon %s", ErrInvalidGranularity, c.Granularity, c.Horizon)
	}
	if c.MaxBuckets < 0 {
		return fmt.Errorf("maxBuckets must not be negative: %d", c.MaxBuckets)
	}
	return nil
}

// Capacity is the number of buckets the series may hold; the stricter of
// the horizon-derived count and MaxBuckets.
func (c Config) Capacity() int {
	n := int(c.Horizon / c.Granularity)
	if n < 1 {
		n = 1
	}
	if c.MaxBuckets > 0 && c.MaxBuckets < n {
		n = c.MaxBuckets
	}
	return n
}

// Aggregator maintains critical/warning counts per time bucket. It is not
// safe for concurrent use; the ingestion loop owns it.
//
// Granularity changes re-bucket the retained raw points, so the new
// series reflects original arrival times rather than old bucket edges.
type Aggregator struct {
	cfg     Config
	raw     sliding
	buckets []model.Bucket
}

func New(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{cfg: cfg}, nil
}

func Floor(t time.Time, g time.Duration) time.Time { return t.Truncate(g) }

func (a *Aggregator) Config() Config { return a.cfg }

func (a *Aggregator) Granularity() time.Duration { return a.cfg.Granularity }

// Add merges a point and evicts whatever fell out of the window as of now.
func (a *Aggregator) Add(p Point, now time.Time) {
	a.raw.add(p)
	a.merge(p)
	a.Evict(now)
}

func (a *Aggregator) merge(p Point) {
	start := Floor(p.TS, a.cfg.Granularity)
	i := sort.Search(len(a.buckets), func(i int) bool { return !a.buckets[i].Start.Before(start) })
	if i < len(a.buckets) && a.buckets[i].Start.Equal(start) {
		a.buckets[i].Critical += p.Critical
		a.buckets[i].Warning += p.Warning
		return
	}
	a.buckets = append(a.buckets, model.Bucket{})
	copy(a.buckets[i+1:], a.buckets[i:])
	a.buckets[i] = model.Bucket{Start: start, Critical: p.Critical, Warning: p.Warning}
}

// Evict drops buckets older than the horizon, then trims to Capacity
// keeping the newest.
func (a *Aggregator) Evict(now time.Time) {
	cut := now.Add(-a.cfg.Horizon)
	i := sort.Search(len(a.buckets), func(i int) bool { return !a.buckets[i].Start.Before(cut) })
	if i > 0 {
		a.buckets = append(a.buckets[:0], a.buckets[i:]...)
	}
	if n := a.cfg.Capacity(); len(a.buckets) > n {
		a.buckets = append(a.buckets[:0], a.buckets[len(a.buckets)-n:]...)
	}
	a.raw.cut(cut)
}

// SetGranularity regenerates the series from the raw points at the new
// bucket width.
func (a *Aggregator) SetGranularity(g time.Duration, now time.Time) error {
	cfg := a.cfg
	cfg.Granularity = g
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.rebuild(now)
	return nil
}

func (a *Aggregator) rebuild(now time.Time) {
	a.buckets = a.buckets[:0]
	for _, p := range a.raw.points {
		a.merge(p)
	}
	a.Evict(now)
}

// Load replaces whatever an earlier Load put in with buckets. Live points
// observed before liveFrom are dropped too, since the loaded totals
// already count them. Loading the same buckets twice leaves the series
// unchanged.
func (a *Aggregator) Load(buckets []model.Bucket, liveFrom, now time.Time) {
	kept := a.raw.points[:0]
	for _, p := range a.raw.points {
		if !p.Seeded && !p.TS.Before(liveFrom) {
			kept = append(kept, p)
		}
	}
	a.raw.points = kept
	for _, b := range buckets {
		if b.Total() > 0 {
			a.raw.add(Point{TS: b.Start, Critical: b.Critical, Warning: b.Warning, Seeded: true})
		}
	}
	a.rebuild(now)
}

// Values returns a copy of the visible series, ascending by start. Stale
// buckets are never included even if no update has evicted them yet.
func (a *Aggregator) Values(now time.Time) []model.Bucket {
	cut := now.Add(-a.cfg.Horizon)
	var visible []model.Bucket
	for _, b := range a.buckets {
		if !b.Start.Before(cut) {
			visible = append(visible, b)
		}
	}
	if n := a.cfg.Capacity(); len(visible) > n {
		visible = visible[len(visible)-n:]
	}
	if !a.cfg.Continuous {
		out := make([]model.Bucket, len(visible))
		copy(out, visible)
		return out
	}

	g := a.cfg.Granularity
	n := a.cfg.Capacity()
	first := Floor(now, g).Add(-time.Duration(n-1) * g)
	out := make([]model.Bucket, n)
	for i := range out {
		out[i].Start = first.Add(time.Duration(i) * g)
	}
	for _, b := range visible {
		d := b.Start.Sub(first)
		if d < 0 {
			continue
		}
		idx := int(d / g)
		if idx < n && out[idx].Start.Equal(b.Start) {
			out[idx] = b
		}
	}
	return out
}

// Len is the number of non-empty buckets currently held.
func (a *Aggregator) Len() int { return len(a.buckets) }

// Points is the number of retained raw points.
func (a *Aggregator) Points() int { return len(a.raw.points) }

func (a *Aggregator) Reset() {
	a.buckets = nil
	a.raw.points = nil
}

// Label formats a granularity the way the query endpoints accept it
// ("1m", "5m", "1h").
func Label(g time.Duration) string {
	s := g.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}
