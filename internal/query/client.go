// Package query reads the anomaly store's request/response endpoints.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hadarisas/Anomaly-detection-system/internal/metrics"
	"github.com/hadarisas/Anomaly-detection-system/internal/model"
	"github.com/hadarisas/Anomaly-detection-system/internal/window"
)

var (
	ErrStatus = errors.New("unexpected status")
	ErrDecode = errors.New("undecodable response")
)

var tracer = otel.Tracer("query")

const maxBody = 8 << 20

type Client struct {
	base string
	hc   *http.Client
	now  func() time.Time
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: timeout},
		now:  time.Now,
	}
}

func (c *Client) get(ctx context.Context, endpoint, path string, q url.Values) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "GET "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("query.endpoint", endpoint))

	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	fail := func(err error) ([]byte, error) {
		metrics.QueryRequests.WithLabelValues(endpoint, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fail(fmt.Errorf("query %s: %w", endpoint, err))
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return fail(fmt.Errorf("query %s: %w", endpoint, err))
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		return fail(fmt.Errorf("%w: %s returned %d", ErrStatus, endpoint, resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fail(fmt.Errorf("query %s: read body: %w", endpoint, err))
	}
	metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
	return body, nil
}

// Recent returns the last limit stored anomalies, newest first. Both the
// {"anomalies": [...]} envelope and a bare array are accepted.
func (c *Client) Recent(ctx context.Context, limit int) ([]model.Event, error) {
	body, err := c.get(ctx, "recent", "/anomalies/recent", url.Values{"limit": {strconv.Itoa(limit)}})
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: recent: invalid json", ErrDecode)
	}
	list := gjson.GetBytes(body, "anomalies")
	if !list.Exists() {
		list = gjson.ParseBytes(body)
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: recent: expected a list", ErrDecode)
	}
	now := c.now()
	out := make([]model.Event, 0, len(list.Array()))
	list.ForEach(func(_, v gjson.Result) bool {
		if ev, ok := decodeStored(v, now); ok {
			out = append(out, ev)
		}
		return true
	})
	return out, nil
}

// decodeStored keeps the stored timestamp, unlike live frames, so seeded
// events sort behind anything that arrives over the push transport.
func decodeStored(v gjson.Result, now time.Time) (model.Event, bool) {
	score := v.Get("score")
	if score.Type != gjson.Number {
		return model.Event{}, false
	}
	e := model.Event{
		Score:      score.Float(),
		Type:       v.Get("type").String(),
		SubType:    v.Get("subType").String(),
		Message:    v.Get("message").String(),
		ObservedAt: now,
	}
	if e.Type == "" {
		e.Type = "unknown"
	}
	if e.Message == "" {
		e.Message = v.Get("text").String()
	}
	for _, k := range []string{"observedAt", "timestamp"} {
		if ts, err := time.Parse(time.RFC3339Nano, v.Get(k).String()); err == nil {
			e.ObservedAt = ts
			break
		}
	}
	return e, true
}

type aggregateResponse struct {
	Granularity string         `json:"granularity"`
	Buckets     []model.Bucket `json:"buckets"`
}

// Aggregate returns per-bucket totals for the store's current window at
// the given granularity.
func (c *Client) Aggregate(ctx context.Context, granularity time.Duration) ([]model.Bucket, error) {
	body, err := c.get(ctx, "aggregate", "/anomalies/aggregate", url.Values{"granularity": {window.Label(granularity)}})
	if err != nil {
		return nil, err
	}
	var r aggregateResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: aggregate: %v", ErrDecode, err)
	}
	return r.Buckets, nil
}

// History returns totals by category over [start, end].
func (c *Client) History(ctx context.Context, start, end time.Time) (model.Totals, error) {
	q := url.Values{
		"start": {start.UTC().Format(time.RFC3339)},
		"end":   {end.UTC().Format(time.RFC3339)},
	}
	body, err := c.get(ctx, "history", "/anomalies/history", q)
	if err != nil {
		return model.Totals{}, err
	}
	var t model.Totals
	if err := json.Unmarshal(body, &t); err != nil {
		return model.Totals{}, fmt.Errorf("%w: history: %v", ErrDecode, err)
	}
	return t, nil
}
