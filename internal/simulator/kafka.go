package simulator

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tidwall/gjson"

	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Fetcher is the part of *kafka.Reader the source uses.
type Fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewReader(cfg KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
}

// KafkaStatus is broadcast when the consumer starts and stops.
type KafkaStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// KafkaSource scores {"log": "..."} messages and broadcasts the anomalies
// to every hub client.
type KafkaSource struct {
	log  *logger.Logger
	f    Fetcher
	pipe *Pipeline
	hub  *Hub
	poll time.Duration
}

func NewKafkaSource(log *logger.Logger, f Fetcher, pipe *Pipeline, hub *Hub) *KafkaSource {
	return &KafkaSource{log: log.With("kafka"), f: f, pipe: pipe, hub: hub, poll: 2 * time.Second}
}

// Run consumes until ctx is cancelled or the reader closes.
func (k *KafkaSource) Run(ctx context.Context) error {
	k.hub.Announce(ctx, KafkaStatus{Type: "kafka_status", Status: "running"})
	k.log.Info().Msg("kafka consumer started")
	defer func() {
		// ctx is likely done here; the stop notice gets its own deadline.
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		k.hub.Announce(stopCtx, KafkaStatus{Type: "kafka_status", Status: "stopped"})
		_ = k.f.Close()
		k.log.Info().Msg("kafka consumer stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		fetchCtx, cancel := context.WithTimeout(ctx, k.poll)
		msg, err := k.f.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, context.Canceled):
				if ctx.Err() != nil {
					return nil
				}
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, kafka.ErrGroupClosed):
				return nil
			}
			k.log.Error().Err(err).Msg("kafka fetch failed")
			continue
		}
		k.handle(ctx, msg)
		if err := k.f.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			k.log.Error().Err(err).Int64("offset", msg.Offset).Msg("kafka commit failed")
		}
	}
}

func (k *KafkaSource) handle(ctx context.Context, msg kafka.Message) {
	line := gjson.GetBytes(msg.Value, "log")
	if !line.Exists() || line.String() == "" {
		k.log.Warn().Int64("offset", msg.Offset).Msg("kafka message without log field")
		return
	}
	anomalies, err := k.pipe.Process(line.String())
	if err != nil {
		k.log.Error().Err(err).Msg("process kafka log")
		return
	}
	if len(anomalies) > 0 {
		k.hub.Broadcast(ctx, anomalies)
	}
}
