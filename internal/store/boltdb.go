package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/hadarisas/Anomaly-detection-system/internal/model"
)

var (
	bAnoms = []byte("anomalies")
	bLogs  = []byte("logs")
)

// keyLayout is fixed width so byte order equals time order.
const keyLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct{ db *bolt.DB }

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bAnoms, bLogs} {
			if _, e := tx.CreateBucketIfNotExists(name); e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Anomaly is the stored and wire form of a detected anomaly.
type Anomaly struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Score     float64   `json:"score"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func FromEvent(e model.Event) Anomaly {
	return Anomaly{ID: uuid.NewString(), Text: e.Message, Score: e.Score, Type: e.Type, Timestamp: e.ObservedAt.UTC()}
}

func (a Anomaly) Event() model.Event {
	return model.Event{Score: a.Score, Type: a.Type, Message: a.Text, ObservedAt: a.Timestamp}
}

func timeKey(t time.Time) []byte { return []byte(t.UTC().Format(keyLayout)) }

func key(a Anomaly) []byte {
	return append(append(timeKey(a.Timestamp), '/'), a.ID...)
}

// Put stores a batch in one transaction and returns the stored records.
func (s *Store) Put(batch []model.Event) ([]Anomaly, error) {
	out := make([]Anomaly, 0, len(batch))
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bAnoms)
		for _, e := range batch {
			a := FromEvent(e)
			j, err := json.Marshal(a)
			if err != nil {
				return err
			}
			if err := b.Put(key(a), j); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("put anomalies: %w", err)
	}
	return out, nil
}

// Recent returns up to limit anomalies, newest first.
func (s *Store) Recent(limit int) ([]Anomaly, error) {
	out := []Anomaly{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bAnoms).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var a Anomaly
			if json.Unmarshal(v, &a) != nil {
				continue
			}
			out = append(out, a)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// scan visits every anomaly with start <= timestamp < end.
func (s *Store) scan(start, end time.Time, fn func(Anomaly)) error {
	lo, hi := timeKey(start), timeKey(end)
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bAnoms).Cursor()
		for k, v := c.Seek(lo); k != nil && bytes.Compare(k, hi) < 0; k, v = c.Next() {
			var a Anomaly
			if json.Unmarshal(v, &a) == nil {
				fn(a)
			}
		}
		return nil
	})
}

// Aggregate counts anomalies per granularity slot over the horizon ending
// at now. Only non-empty buckets are returned, oldest first.
func (s *Store) Aggregate(now time.Time, granularity, horizon time.Duration) ([]model.Bucket, error) {
	if granularity <= 0 || horizon < granularity {
		return nil, fmt.Errorf("aggregate: invalid granularity %s for horizon %s", granularity, horizon)
	}
	end := now.Truncate(granularity).Add(granularity)
	start := end.Add(-horizon)
	idx := map[int64]*model.Bucket{}
	err := s.scan(start, end, func(a Anomaly) {
		slot := a.Timestamp.Truncate(granularity)
		b := idx[slot.UnixNano()]
		if b == nil {
			b = &model.Bucket{Start: slot}
			idx[slot.UnixNano()] = b
		}
		if model.Classify(a.Event()) == model.Critical {
			b.Critical++
		} else {
			b.Warning++
		}
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Bucket, 0, len(idx))
	for _, b := range idx {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// Histogram splits [start, end) into interval-wide slots aligned to the
// epoch and totals each one. Empty slots are left out.
func (s *Store) Histogram(start, end time.Time, interval time.Duration) ([]model.Totals, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("histogram: invalid interval %s", interval)
	}
	idx := map[int64]*model.Totals{}
	err := s.scan(start, end, func(a Anomaly) {
		slot := a.Timestamp.Truncate(interval)
		t := idx[slot.UnixNano()]
		if t == nil {
			t = &model.Totals{Start: slot, End: slot.Add(interval), ByType: map[string]int{}}
			idx[slot.UnixNano()] = t
		}
		if model.Classify(a.Event()) == model.Critical {
			t.Critical++
		} else {
			t.Warning++
		}
		t.ByType[a.Type]++
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Totals, 0, len(idx))
	for _, t := range idx {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// History totals anomalies in [start, end).
func (s *Store) History(start, end time.Time) (model.Totals, error) {
	t := model.Totals{Start: start, End: end, ByType: map[string]int{}}
	err := s.scan(start, end, func(a Anomaly) {
		if model.Classify(a.Event()) == model.Critical {
			t.Critical++
		} else {
			t.Warning++
		}
		t.ByType[a.Type]++
	})
	return t, err
}

// Purge deletes anomalies older than before and reports how many went.
func (s *Store) Purge(before time.Time) (int, error) {
	n := 0
	hi := timeKey(before)
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bAnoms).Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, hi) < 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// LogRecord is one raw log line as it reached the detector.
type LogRecord struct {
	ID     string    `json:"id"`
	TS     time.Time `json:"timestamp"`
	Source string    `json:"source"`
	Msg    string    `json:"message"`
}

// PutLogs stores every line under the same receive time.
func (s *Store) PutLogs(source string, lines []string, at time.Time) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bLogs)
		for i, line := range lines {
			lr := LogRecord{ID: uuid.NewString(), TS: at.UTC(), Source: source, Msg: line}
			j, err := json.Marshal(lr)
			if err != nil {
				return err
			}
			// the line index keeps one call's lines in input order
			k := fmt.Appendf(timeKey(lr.TS), "/%06d/%s", i, lr.ID)
			if err := b.Put(k, j); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put logs: %w", err)
	}
	return nil
}

// RecentLogs returns up to limit log lines, newest first.
func (s *Store) RecentLogs(limit int) ([]LogRecord, error) {
	out := []LogRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bLogs).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var lr LogRecord
			if json.Unmarshal(v, &lr) != nil {
				continue
			}
			out = append(out, lr)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}
