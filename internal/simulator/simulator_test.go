package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/segmentio/kafka-go"

	"github.com/hadarisas/Anomaly-detection-system/internal/detector"
	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
	"github.com/hadarisas/Anomaly-detection-system/internal/model"
	"github.com/hadarisas/Anomaly-detection-system/internal/rules"
	"github.com/hadarisas/Anomaly-detection-system/internal/store"
)

type memSink struct {
	mu    sync.Mutex
	got   []model.Event
	lines []string
}

func (m *memSink) PutLogs(_ string, lines []string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, lines...)
	return nil
}

func (m *memSink) Put(batch []model.Event) ([]store.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Anomaly, 0, len(batch))
	for _, e := range batch {
		m.got = append(m.got, e)
		out = append(out, store.FromEvent(e))
	}
	return out, nil
}

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

func newPipeline(sink Sink) *Pipeline {
	return NewPipeline(detector.New(rules.Defaults(), "test", nil), sink)
}

func TestGeneratorTick(t *testing.T) {
	g := NewGenerator(42, func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) })
	for i := 0; i < 50; i++ {
		lines := g.Tick()
		if len(lines) < 1 || len(lines) > 5 {
			t.Fatalf("tick size got=%d", len(lines))
		}
		for _, l := range lines {
			if !strings.HasPrefix(l, "2024-01-01 10:00:00,000 ") {
				t.Fatalf("line prefix got=%q", l)
			}
		}
	}
	for i := 0; i < 50; i++ {
		if d := g.Delay(time.Second, 3*time.Second); d < time.Second || d > 3*time.Second {
			t.Fatalf("delay out of range: %s", d)
		}
	}
}

func TestAnomalousLinesScore(t *testing.T) {
	g := NewGenerator(7, nil)
	p := newPipeline(&memSink{})
	hits := 0
	for i := 0; i < 20; i++ {
		got, err := p.Process(g.Line(true))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) > 0 {
			hits++
		}
	}
	if hits != 20 {
		t.Fatalf("every anomaly pattern should score, hits=%d", hits)
	}
	got, _ := p.Process("2024-01-01 10:00:00,000 INFO org.apache.hadoop.yarn.server.resourcemanager.recovery.RMStateStore: Updating AMRMToken")
	if len(got) != 0 {
		t.Fatalf("normal line scored: %+v", got)
	}
}

func TestProcessStoresRawLines(t *testing.T) {
	sink := &memSink{}
	p := newPipeline(sink)
	got, err := p.Process("INFO starting\n\n  ERROR java.io.IOException: Connection timed out\n")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || sink.len() != 1 {
		t.Fatalf("anomalies got=%d stored=%d want=1", len(got), sink.len())
	}
	if len(sink.lines) != 2 || sink.lines[0] != "INFO starting" {
		t.Fatalf("raw lines got=%q", sink.lines)
	}
	if got, _ := p.Process(" \n "); got != nil || len(sink.lines) != 2 {
		t.Fatalf("blank text stored lines=%q", sink.lines)
	}
}

func dialHub(t *testing.T, h *Hub) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func write(t *testing.T, ctx context.Context, c *websocket.Conn, s string) {
	t.Helper()
	if err := c.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHubSimulationStartStop(t *testing.T) {
	sink := &memSink{}
	h := NewHub(logger.Nop(), newPipeline(sink), HubConfig{MinDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond})
	conn, ctx := dialHub(t, h)

	write(t, ctx, conn, `{"action":"start_simulation"}`)
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var batch []store.Anomaly
	if err := json.Unmarshal(data, &batch); err != nil || len(batch) == 0 {
		t.Fatalf("expected an anomaly array, got=%s err=%v", data, err)
	}
	if batch[0].Text == "" || batch[0].Score < detector.MinScore {
		t.Fatalf("anomaly got=%+v", batch[0])
	}

	write(t, ctx, conn, `{"action":"stop_simulation"}`)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for ack: %v", err)
		}
		if string(data) == `{"status":"simulation_stopped"}` {
			break
		}
	}
	if sink.len() == 0 {
		t.Fatal("simulated anomalies were not stored")
	}
}

func TestHubRawLogs(t *testing.T) {
	h := NewHub(logger.Nop(), newPipeline(&memSink{}), HubConfig{})
	conn, ctx := dialHub(t, h)

	write(t, ctx, conn, "INFO fine\nERROR DataNode: IOException in block blk_1")
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var batch []store.Anomaly
	if err := json.Unmarshal(data, &batch); err != nil || len(batch) != 1 || batch[0].Type != "IO_ERROR" {
		t.Fatalf("got=%s err=%v", data, err)
	}
}

func TestHubReplaysStatusToNewClients(t *testing.T) {
	h := NewHub(logger.Nop(), newPipeline(&memSink{}), HubConfig{})
	h.Announce(context.Background(), KafkaStatus{Type: "kafka_status", Status: "running"})
	conn, ctx := dialHub(t, h)
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"type":"kafka_status","status":"running"}` {
		t.Fatalf("status got=%s", data)
	}
}

type fakeFetcher struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []int64
	closed    bool
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m, ok := <-f.msgs:
		if !ok {
			return kafka.Message{}, kafka.ErrGroupClosed
		}
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeFetcher) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeFetcher) Close() error { f.closed = true; return nil }

func TestKafkaSource(t *testing.T) {
	sink := &memSink{}
	h := NewHub(logger.Nop(), newPipeline(sink), HubConfig{})
	f := &fakeFetcher{msgs: make(chan kafka.Message, 4)}
	f.msgs <- kafka.Message{Offset: 1, Value: []byte(`{"log":"ERROR DataNode: IOException in block blk_1"}`)}
	f.msgs <- kafka.Message{Offset: 2, Value: []byte(`{"log":"INFO all good"}`)}
	f.msgs <- kafka.Message{Offset: 3, Value: []byte(`{"line":"no log field"}`)}
	close(f.msgs)

	src := NewKafkaSource(logger.Nop(), f, newPipeline(sink), h)
	if err := src.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sink.len() != 1 {
		t.Fatalf("stored got=%d want=1", sink.len())
	}
	if len(f.committed) != 3 || !f.closed {
		t.Fatalf("committed=%v closed=%v", f.committed, f.closed)
	}
	if st, _ := h.status.(KafkaStatus); st.Status != "stopped" {
		t.Fatalf("last status got=%+v", h.status)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestProducerStream(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducer(logger.Nop(), w, time.Second, 3*time.Second)
	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error { slept = append(slept, d); return nil }

	n, err := p.Stream(context.Background(), strings.NewReader("1| INFO first\n\n2|ERROR second\nthird\n"))
	if err != nil || n != 3 {
		t.Fatalf("sent got=%d err=%v", n, err)
	}
	want := []string{`{"log":"INFO first"}`, `{"log":"ERROR second"}`, `{"log":"third"}`}
	for i, m := range w.msgs {
		if string(m.Value) != want[i] {
			t.Fatalf("msg %d got=%s want=%s", i, m.Value, want[i])
		}
	}
	for _, d := range slept {
		if d < time.Second || d > 3*time.Second {
			t.Fatalf("delay out of range: %s", d)
		}
	}

	w.err = errors.New("broker down")
	if _, err := p.Stream(context.Background(), strings.NewReader("x\n")); err == nil {
		t.Fatal("expected write error")
	}
}

type fakeReader struct{}

func (fakeReader) Recent(limit int) ([]store.Anomaly, error) {
	return []store.Anomaly{{ID: "a", Text: "disk failed", Score: 0.9, Type: "IO_ERROR"}}[:min(limit, 1)], nil
}

func (fakeReader) Aggregate(_ time.Time, g, _ time.Duration) ([]model.Bucket, error) {
	return []model.Bucket{{Start: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), Critical: 2}}, nil
}

func (fakeReader) History(start, end time.Time) (model.Totals, error) {
	return model.Totals{Start: start, End: end, Critical: 3}, nil
}

func (fakeReader) Histogram(start, _ time.Time, iv time.Duration) ([]model.Totals, error) {
	return []model.Totals{{Start: start, End: start.Add(iv), Warning: 4, ByType: map[string]int{"PERFORMANCE": 4}}}, nil
}

func (fakeReader) RecentLogs(limit int) ([]store.LogRecord, error) {
	return []store.LogRecord{{ID: "l", Source: "simulator", Msg: "INFO ok"}}[:min(limit, 1)], nil
}

func TestQueryEndpoints(t *testing.T) {
	s := NewServer(logger.Nop(), NewHub(logger.Nop(), newPipeline(&memSink{}), HubConfig{}), fakeReader{}, ServerConfig{})
	h := s.Handler()
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	tests := []struct {
		path     string
		code     int
		contains string
	}{
		{"/anomalies/recent?limit=5", http.StatusOK, `"anomalies":[{"id":"a","text":"disk failed"`},
		{"/anomalies/aggregate?granularity=1m", http.StatusOK, `"granularity":"1m"`},
		{"/anomalies/aggregate?granularity=2h", http.StatusBadRequest, ""},
		{"/anomalies/history?start=2024-01-01T00:00:00Z&end=2024-01-02T00:00:00Z", http.StatusOK, `"critical":3`},
		{"/anomalies/history?start=yesterday", http.StatusBadRequest, ""},
		{"/anomalies/history?start=2024-01-01T00:00:00Z&end=2024-01-02T00:00:00Z&interval=1h", http.StatusOK, `"byType":{"PERFORMANCE":4}`},
		{"/anomalies/history?start=2024-01-01T00:00:00Z&end=2024-01-02T00:00:00Z&interval=1ms", http.StatusBadRequest, ""},
		{"/anomalies/history?interval=soon", http.StatusBadRequest, ""},
		{"/logs/recent?limit=1", http.StatusOK, `"logs":[{"id":"l"`},
		{"/healthz", http.StatusOK, `"healthy"`},
	}
	for _, tt := range tests {
		rec := get(tt.path)
		if rec.Code != tt.code || !strings.Contains(rec.Body.String(), tt.contains) {
			t.Fatalf("path=%s got=%d %s", tt.path, rec.Code, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/simulate-logs?num_logs=3", nil))
	var out struct {
		Logs []string `json:"logs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || len(out.Logs) != 3 {
		t.Fatalf("simulate-logs got=%s err=%v", rec.Body.String(), err)
	}
}
