package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	kafka "github.com/segmentio/kafka-go"

	appconfig "venuestream/config"
	"venuestream/internal/hub"
	"venuestream/logger"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes every envelope to a Kafka topic keyed by envelope type.
// The underlying writer is asynchronous so Send never waits on the brokers.
type KafkaSink struct {
	cfg    appconfig.KafkaSinkConfig
	writer messageWriter
	log    *logger.Entry

	failed atomic.Int64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func NewKafkaSink(cfg appconfig.KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	ks := newKafkaSink(cfg, nil)
	ks.writer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
		Async:    true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				ks.failed.Add(int64(len(messages)))
				ks.log.WithError(err).WithFields(logger.Fields{"messages": len(messages)}).Warn("failed to write messages")
			}
		},
	}
	ks.log.WithFields(logger.Fields{"brokers": cfg.Brokers}).Debug("kafka sink initialized")
	return ks, nil
}

func newKafkaSink(cfg appconfig.KafkaSinkConfig, w messageWriter) *KafkaSink {
	return &KafkaSink{
		cfg:    cfg,
		writer: w,
		log:    logger.GetLogger().WithComponent("kafka_sink").WithFields(logger.Fields{"topic": cfg.Topic}),
		done:   make(chan struct{}),
	}
}

func (k *KafkaSink) ID() string { return "kafka-" + k.cfg.Topic }

func (k *KafkaSink) Send(msg []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return hub.ErrSinkClosed
	}
	return k.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(head.Type),
		Value: msg,
	})
}

func (k *KafkaSink) IsOpen() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return !k.closed
}

func (k *KafkaSink) Done() <-chan struct{} { return k.done }

// Failed returns how many messages the brokers rejected.
func (k *KafkaSink) Failed() int64 { return k.failed.Load() }

// Close flushes pending messages and closes the writer.
func (k *KafkaSink) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	close(k.done)
	k.mu.Unlock()

	k.log.Debug("stopping kafka sink")
	if err := k.writer.Close(); err != nil {
		k.log.WithError(err).Warn("failed to close kafka writer")
		return err
	}
	k.log.Debug("kafka sink stopped")
	return nil
}
