package window

import (
	"math"

	"github.com/hadarisas/Anomaly-detection-system/internal/model"
)

const defaultTickTarget = 5

// TickInterval rounds max/target up to 1, 2 or 5 times a power of ten.
func TickInterval(max, target int) int {
	if max <= 0 {
		return 1
	}
	if target < 1 {
		target = defaultTickTarget
	}
	raw := float64(max) / float64(target)
	mag := math.Pow(10, math.Floor(math.Log10(raw)))
	var nice float64
	switch norm := raw / mag; {
	case norm <= 1:
		nice = 1
	case norm <= 2:
		nice = 2
	case norm <= 5:
		nice = 5
	default:
		nice = 10
	}
	step := int(math.Round(nice * mag))
	if step < 1 {
		step = 1
	}
	return step
}

// Ticks returns axis values from 0 up to the first multiple of the tick
// interval covering the largest count. All-zero data yields a single 0.
func Ticks(buckets []model.Bucket, target int) []int {
	peak := 0
	for _, b := range buckets {
		peak = max(peak, b.Critical, b.Warning)
	}
	if peak == 0 {
		return []int{0}
	}
	step := TickInterval(peak, target)
	out := []int{0}
	for v := step; ; v += step {
		out = append(out, v)
		if v >= peak {
			break
		}
	}
	return out
}
