package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hadarisas/Anomaly-detection-system/internal/clock"
	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
	"github.com/hadarisas/Anomaly-detection-system/internal/loop"
	"github.com/hadarisas/Anomaly-detection-system/internal/metrics"
	"github.com/hadarisas/Anomaly-detection-system/internal/model"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	// ErrClosedClean is wrapped by Conn.Read when the peer closed in an orderly way.
	ErrClosedClean = errors.New("connection closed cleanly")
)

type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type Config struct {
	URL          string
	RetryDelay   time.Duration
	MaxAttempts  int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) defaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

type link struct {
	conn   Conn
	out    chan []byte
	cancel context.CancelFunc
}

func (l *link) stop() {
	l.cancel()
	_ = l.conn.Close()
}

// Session owns one push endpoint. Every callback (dial result, inbound
// frame, close, retry timer) is posted to the executor, so the fields
// below the marker are only touched from there.
type Session struct {
	cfg     Config
	log     *logger.Logger
	dialer  Dialer
	exec    loop.Executor
	clk     clock.Clock
	onFrame func([]byte)

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	mu   sync.Mutex
	subs map[int]func(State)
	next int

	// executor-owned
	m        *Machine
	gen      uint64
	conn     *link
	retry    clock.Timer
	retrySeq uint64
	closed   bool
}

func NewSession(cfg Config, log *logger.Logger, dialer Dialer, exec loop.Executor, clk clock.Clock, onFrame func([]byte)) *Session {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg: cfg, log: log.With("transport"), dialer: dialer, exec: exec, clk: clk, onFrame: onFrame,
		ctx: ctx, cancel: cancel,
		subs: map[int]func(State){},
		m:    NewMachine(cfg.MaxAttempts),
	}
}

// State may be read from any goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

// Subscribe registers fn for every genuine state change. fn runs on the
// executor and must not block.
func (s *Session) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Session) Connect() { s.exec.Post(s.connect) }

func (s *Session) Disconnect() { s.exec.Post(s.disconnect) }

// Send queues a command for the current connection. Commands are refused
// unless the session is connected.
func (s *Session) Send(cmd model.Command) error {
	if s.State() != Connected {
		s.log.Warn().Str("action", cmd.Action).Str("state", s.State().String()).Msg("command rejected")
		metrics.CommandsSent.WithLabelValues(cmd.Action, "rejected").Inc()
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	s.exec.Post(func() { s.send(cmd.Action, data) })
	return nil
}

// Close disconnects and stops all connection goroutines. The session
// ignores Connect afterwards.
func (s *Session) Close() {
	s.exec.Post(func() {
		s.closed = true
		s.disconnect()
	})
	s.cancel()
}

func (s *Session) connect() {
	if s.closed {
		return
	}
	s.apply(s.m.Connect(), nil)
}

func (s *Session) disconnect() {
	s.apply(s.m.Disconnect(), s.conn)
}

func (s *Session) apply(t Transition, l *link) {
	for _, a := range t.Actions {
		switch a {
		case CancelRetry:
			s.stopRetry()
		case HangUp:
			if l != nil {
				l.stop()
				if s.conn == l {
					s.conn = nil
				}
			}
		case Dial:
			s.dial()
		case ScheduleRetry:
			s.scheduleRetry()
		}
	}
	if t.Changed() {
		s.publish(t)
	}
}

func (s *Session) dial() {
	s.gen++
	gen := s.gen
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
		defer cancel()
		c, err := s.dialer.Dial(ctx, s.cfg.URL)
		if !s.exec.Post(func() { s.dialed(gen, c, err) }) && c != nil {
			_ = c.Close()
		}
	}()
}

func (s *Session) dialed(gen uint64, c Conn, err error) {
	if gen != s.gen || s.closed {
		if c != nil {
			_ = c.Close()
		}
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("url", s.cfg.URL).Msg("dial failed")
		s.apply(s.m.Closed(false), nil)
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	l := &link{conn: c, out: make(chan []byte, 16), cancel: cancel}
	t := s.m.Opened()
	if t.To == Connected {
		s.conn = l
		go s.read(ctx, l)
		go s.write(ctx, l)
		s.log.Info().Str("url", s.cfg.URL).Msg("connected")
	}
	s.apply(t, l)
}

func (s *Session) read(ctx context.Context, l *link) {
	for {
		data, err := l.conn.Read(ctx)
		if err != nil {
			clean := errors.Is(err, ErrClosedClean)
			s.exec.Post(func() { s.lost(l, clean, err) })
			return
		}
		s.exec.Post(func() {
			if s.conn == l && s.onFrame != nil {
				s.onFrame(data)
			}
		})
	}
}

func (s *Session) write(ctx context.Context, l *link) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-l.out:
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := l.conn.Write(wctx, data)
			cancel()
			if err != nil {
				s.log.Warn().Err(err).Msg("write failed")
			}
		}
	}
}

func (s *Session) lost(l *link, clean bool, err error) {
	if s.conn != l {
		return
	}
	s.conn = nil
	l.stop()
	ev := s.log.Warn()
	if clean {
		ev = s.log.Info()
	}
	ev.Err(err).Bool("clean", clean).Msg("connection closed")
	s.apply(s.m.Closed(clean), nil)
}

func (s *Session) send(action string, data []byte) {
	if s.conn == nil || s.m.State() != Connected {
		s.log.Warn().Str("action", action).Msg("command dropped, connection gone")
		metrics.CommandsSent.WithLabelValues(action, "rejected").Inc()
		return
	}
	select {
	case s.conn.out <- data:
		metrics.CommandsSent.WithLabelValues(action, "sent").Inc()
	default:
		s.log.Warn().Str("action", action).Msg("outbound queue full")
		metrics.CommandsSent.WithLabelValues(action, "dropped").Inc()
	}
}

func (s *Session) scheduleRetry() {
	s.stopRetry()
	seq := s.retrySeq
	metrics.ReconnectAttempts.Inc()
	s.log.Info().Int("attempt", s.m.Attempts()).Int("max", s.m.MaxAttempts()).Dur("delay", s.cfg.RetryDelay).Msg("reconnect scheduled")
	s.retry = s.clk.AfterFunc(s.cfg.RetryDelay, func() {
		s.exec.Post(func() { s.retryDue(seq) })
	})
}

func (s *Session) stopRetry() {
	s.retrySeq++
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Session) retryDue(seq uint64) {
	if seq != s.retrySeq || s.closed {
		return
	}
	s.retry = nil
	s.apply(s.m.RetryDue(), nil)
}

func (s *Session) publish(t Transition) {
	s.state.Store(int32(t.To))
	metrics.ConnectionState.Set(float64(t.To))
	if t.To == Exhausted {
		s.log.Error().Int("attempts", s.m.Attempts()).Msg("reconnect attempts exhausted")
	} else {
		s.log.Debug().Str("from", t.From.String()).Str("to", t.To.String()).Msg("state")
	}
	s.mu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(t.To)
	}
}
