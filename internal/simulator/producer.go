package simulator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func NewWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
}

// Producer replays a log file into the topic, one {"log": line} message per
// line with a random pause in between.
type Producer struct {
	log      *logger.Logger
	w        MessageWriter
	minDelay time.Duration
	maxDelay time.Duration
	r        *rand.Rand
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewProducer(log *logger.Logger, w MessageWriter, minDelay, maxDelay time.Duration) *Producer {
	return &Producer{
		log: log.With("producer"), w: w, minDelay: minDelay, maxDelay: maxDelay,
		r:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cleanLine drops a leading "123|" line number.
func cleanLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '|'); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}
	return s
}

// Stream sends every non-empty line of src and returns how many were sent.
func (p *Producer) Stream(ctx context.Context, src io.Reader) (int, error) {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	sent := 0
	for sc.Scan() {
		line := cleanLine(sc.Text())
		if line == "" {
			continue
		}
		b, err := json.Marshal(map[string]string{"log": line})
		if err != nil {
			return sent, err
		}
		if err := p.w.WriteMessages(ctx, kafka.Message{Value: b}); err != nil {
			return sent, fmt.Errorf("write message %d: %w", sent+1, err)
		}
		sent++
		p.log.Debug().Str("line", line).Msg("sent")

		d := p.minDelay
		if p.maxDelay > p.minDelay {
			d += time.Duration(p.r.Int63n(int64(p.maxDelay - p.minDelay)))
		}
		if err := p.sleep(ctx, d); err != nil {
			return sent, err
		}
	}
	return sent, sc.Err()
}
