package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hadarisas/Anomaly-detection-system/internal/model"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrEmptyBatch     = errors.New("empty batch")
)

// Control is a status message from the push endpoint, e.g.
// {"status":"simulation_stopped"} or {"type":"kafka_status","status":"running"}.
type Control struct {
	Type   string    `json:"type,omitempty"`
	Status string    `json:"status,omitempty"`
	At     time.Time `json:"at"`
}

// Frame holds exactly one of Batch or Control.
type Frame struct {
	Batch   []model.Event
	Control *Control
}

// ParseFrame decodes one inbound payload. Every event of a batch gets now
// as its ObservedAt; timestamps carried in the payload are ignored. A
// single bad element rejects the whole frame.
func ParseFrame(data []byte, now time.Time) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return Frame{}, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}
	root := gjson.ParseBytes(data)
	switch {
	case root.IsArray():
		items := root.Array()
		if len(items) == 0 {
			return Frame{}, ErrEmptyBatch
		}
		batch := make([]model.Event, 0, len(items))
		for i, it := range items {
			e, err := parseEvent(it, now)
			if err != nil {
				return Frame{}, fmt.Errorf("%w: element %d: %v", ErrMalformedFrame, i, err)
			}
			batch = append(batch, e)
		}
		return Frame{Batch: batch}, nil
	case root.IsObject():
		typ, status := root.Get("type"), root.Get("status")
		if !typ.Exists() && !status.Exists() {
			return Frame{}, fmt.Errorf("%w: object without type or status", ErrMalformedFrame)
		}
		return Frame{Control: &Control{Type: typ.String(), Status: status.String(), At: now}}, nil
	}
	return Frame{}, fmt.Errorf("%w: unexpected %s", ErrMalformedFrame, root.Type)
}

func parseEvent(v gjson.Result, now time.Time) (model.Event, error) {
	if !v.IsObject() {
		return model.Event{}, errors.New("not an object")
	}
	score := v.Get("score")
	if score.Type != gjson.Number {
		return model.Event{}, errors.New("score missing or not a number")
	}
	typ := v.Get("type").String()
	if typ == "" {
		typ = "unknown"
	}
	msg := v.Get("message")
	if !msg.Exists() {
		msg = v.Get("text")
	}
	return model.Event{
		Score:      clamp(score.Float()),
		Type:       typ,
		SubType:    v.Get("subType").String(),
		Message:    msg.String(),
		ObservedAt: now,
	}, nil
}

func clamp(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
