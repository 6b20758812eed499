package buffer

import (
	"slices"

	"github.com/hadarisas/Anomaly-detection-system/internal/model"
)

const DefaultSize = 10

// Recent keeps the newest events, descending by ObservedAt.
type Recent struct {
	size  int
	items []model.Event
}

func NewRecent(size int) *Recent {
	if size <= 0 {
		size = DefaultSize
	}
	return &Recent{size: size, items: make([]model.Event, 0, size)}
}

// Merge puts the batch ahead of the stored events, stable-sorts newest
// first and truncates. On equal timestamps incoming events win.
func (r *Recent) Merge(batch []model.Event) {
	merged := make([]model.Event, 0, len(batch)+len(r.items))
	merged = append(merged, batch...)
	merged = append(merged, r.items...)
	slices.SortStableFunc(merged, func(a, b model.Event) int {
		return b.ObservedAt.Compare(a.ObservedAt)
	})
	if len(merged) > r.size {
		merged = merged[:r.size]
	}
	r.items = merged
}

// MergeUnique is Merge without the incoming events already held, matched
// on every field. Reloading the same stored events is then a no-op.
func (r *Recent) MergeUnique(batch []model.Event) {
	fresh := make([]model.Event, 0, len(batch))
	for _, e := range batch {
		if !slices.ContainsFunc(r.items, e.Same) && !slices.ContainsFunc(fresh, e.Same) {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) > 0 {
		r.Merge(fresh)
	}
}

// Items returns a copy, newest first.
func (r *Recent) Items() []model.Event {
	out := make([]model.Event, len(r.items))
	copy(out, r.items)
	return out
}

func (r *Recent) Len() int { return len(r.items) }

func (r *Recent) Reset() { r.items = r.items[:0] }
