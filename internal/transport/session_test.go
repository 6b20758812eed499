package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hadarisas/Anomaly-detection-system/internal/clock"
	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
	"github.com/hadarisas/Anomaly-detection-system/internal/loop"
	"github.com/hadarisas/Anomaly-detection-system/internal/model"
)

type fakeConn struct {
	in      chan []byte
	end     chan error
	written chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 16),
		end:     make(chan error, 1),
		written: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case err := <-c.end:
		return nil, err
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.written <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	fail  atomic.Bool
	dials atomic.Int32
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer { return &fakeDialer{conns: make(chan *fakeConn, 16)} }

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.dials.Add(1)
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

type harness struct {
	s      *Session
	l      *loop.Loop
	clk    *clock.FakeClock
	dialer *fakeDialer
	states chan State
	frames [][]byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		l:      loop.New(64),
		clk:    clock.Fake(time.Unix(1700000000, 0)),
		dialer: newFakeDialer(),
		states: make(chan State, 64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go h.l.Run(ctx)
	h.s = NewSession(Config{URL: "ws://test/ws", RetryDelay: 2 * time.Second, MaxAttempts: 5},
		logger.Nop(), h.dialer, h.l, h.clk, func(b []byte) { h.frames = append(h.frames, b) })
	h.s.Subscribe(func(st State) { h.states <- st })
	t.Cleanup(func() {
		h.s.Close()
		cancel()
		<-h.l.Done()
	})
	return h
}

func (h *harness) wait(t *testing.T, want State) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case st := <-h.states:
			if st == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state want=%v got=%v", want, h.s.State())
		}
	}
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	if err := h.l.Call(context.Background(), func() {}); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func (h *harness) connected(t *testing.T) *fakeConn {
	t.Helper()
	h.s.Connect()
	h.wait(t, Connecting)
	h.wait(t, Connected)
	select {
	case c := <-h.dialer.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection dialed")
	}
	return nil
}

func TestSessionDeliversFramesInOrder(t *testing.T) {
	h := newHarness(t)
	c := h.connected(t)
	c.in <- []byte(`[{"score":0.9}]`)
	c.in <- []byte(`[{"score":0.1}]`)

	deadline := time.Now().Add(2 * time.Second)
	for {
		var n int
		h.l.Call(context.Background(), func() { n = len(h.frames) })
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("frames got=%d want=2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	var first string
	h.l.Call(context.Background(), func() { first = string(h.frames[0]) })
	if first != `[{"score":0.9}]` {
		t.Fatalf("first frame got=%s", first)
	}
}

func TestSessionRetriesThenExhausts(t *testing.T) {
	h := newHarness(t)
	c := h.connected(t)

	h.dialer.fail.Store(true)
	c.end <- errors.New("connection reset")
	h.wait(t, Reconnecting)

	for i := 0; i < 4; i++ {
		if got := h.clk.Pending(); got != 1 {
			t.Fatalf("round %d pending timers got=%d want=1", i, got)
		}
		h.clk.Advance(2 * time.Second)
		h.wait(t, Connecting)
		h.wait(t, Reconnecting)
	}
	h.clk.Advance(2 * time.Second)
	h.wait(t, Exhausted)

	if got := h.clk.Pending(); got != 0 {
		t.Fatalf("pending after exhaustion got=%d want=0", got)
	}
	h.clk.Advance(time.Minute)
	h.sync(t)
	if got := h.dialer.dials.Load(); got != 6 {
		t.Fatalf("dials got=%d want=6", got)
	}

	h.dialer.fail.Store(false)
	h.s.Connect()
	h.wait(t, Connecting)
	h.wait(t, Connected)
}

func TestSessionRetryWaitsForDelay(t *testing.T) {
	h := newHarness(t)
	c := h.connected(t)
	c.end <- errors.New("broken pipe")
	h.wait(t, Reconnecting)

	h.clk.Advance(1999 * time.Millisecond)
	h.sync(t)
	if got := h.dialer.dials.Load(); got != 1 {
		t.Fatalf("dialed before the delay elapsed: dials=%d", got)
	}
	h.clk.Advance(time.Millisecond)
	h.wait(t, Connecting)
	h.wait(t, Connected)
}

func TestSessionCleanCloseStaysDown(t *testing.T) {
	h := newHarness(t)
	c := h.connected(t)
	c.end <- ErrClosedClean
	h.wait(t, Disconnected)
	if got := h.clk.Pending(); got != 0 {
		t.Fatalf("pending got=%d want=0", got)
	}
}

func TestSessionDisconnectCancelsRetry(t *testing.T) {
	h := newHarness(t)
	c := h.connected(t)
	c.end <- errors.New("reset")
	h.wait(t, Reconnecting)

	h.s.Disconnect()
	h.wait(t, Disconnected)
	if got := h.clk.Pending(); got != 0 {
		t.Fatalf("pending got=%d want=0", got)
	}
	h.clk.Advance(10 * time.Second)
	h.sync(t)
	if got := h.dialer.dials.Load(); got != 1 {
		t.Fatalf("dials got=%d want=1", got)
	}
}

func TestSessionDisconnectTwiceNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	c := h.connected(t)
	h.s.Disconnect()
	h.s.Disconnect()
	h.sync(t)

	n := 0
	for len(h.states) > 0 {
		if <-h.states == Disconnected {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("disconnected notifications got=%d want=1", n)
	}
	select {
	case <-c.closed:
	default:
		t.Fatalf("connection not closed on disconnect")
	}
}

func TestSessionSend(t *testing.T) {
	h := newHarness(t)
	if err := h.s.Send(model.Command{Action: model.ActionStartSimulation}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send while disconnected err=%v", err)
	}
	c := h.connected(t)
	if err := h.s.Send(model.Command{Action: model.ActionStartSimulation}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case b := <-c.written:
		if string(b) != `{"action":"start_simulation"}` {
			t.Fatalf("payload got=%s", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing written")
	}
}
