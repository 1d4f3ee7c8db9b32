package eventbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ordersaga/ordersaga/pkg/logger"
	kafka "github.com/segmentio/kafka-go"
)

// messageWriter abstracts kafka.Writer for tests.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader abstracts kafka.Reader for tests.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers      []string
	BatchTimeout time.Duration
	Retry        RetryConfig
}

// KafkaBus is a Transport over Kafka. Channels map to topics; the saga id is
// the message key and the Hash balancer pins a key to one partition.
type KafkaBus struct {
	cfg       KafkaConfig
	writer    messageWriter
	newReader func(topic, group string) messageReader
	log       logger.Logger

	mu      sync.Mutex
	readers []messageReader
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewKafkaBus creates a Kafka transport.
func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("eventbus: kafka brokers are required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: true,
	}
	newReader := func(topic, group string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  group,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	return newKafkaBus(cfg, writer, newReader), nil
}

func newKafkaBus(cfg KafkaConfig, writer messageWriter, newReader func(topic, group string) messageReader) *KafkaBus {
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &KafkaBus{
		cfg:       cfg,
		writer:    writer,
		newReader: newReader,
		log:       logger.Global().With("component", "kafka_bus"),
		stop:      make(chan struct{}),
	}
}

func (b *KafkaBus) Publish(ctx context.Context, channel, key string, payload []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: channel,
		Key:   []byte(key),
		Value: payload,
	})
}

func (b *KafkaBus) Subscribe(ctx context.Context, channel, group string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("eventbus: handler cannot be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	reader := b.newReader(channel, group)
	b.readers = append(b.readers, reader)
	b.wg.Add(1)
	go b.consume(ctx, channel, reader, handler)
	return nil
}

// consume commits an offset only after the handler succeeded, so a crash
// redelivers everything after the last commit.
func (b *KafkaBus) consume(ctx context.Context, channel string, reader messageReader, handler Handler) {
	defer b.wg.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || b.isClosed() {
				return
			}
			b.log.Warn("kafka fetch failed", "topic", channel, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.Retry.InitialBackoff):
			}
			continue
		}
		msg := Message{Channel: channel, Key: string(m.Key), Payload: m.Value, Timestamp: m.Time}
		if !deliver(ctx, handler, msg, b.cfg.Retry, b.log) {
			return
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			b.log.Warn("kafka commit failed", "topic", channel, "offset", m.Offset, "error", err)
		}
	}
}

func (b *KafkaBus) Healthy(context.Context) error {
	if b.isClosed() {
		return ErrClosed
	}
	return nil
}

// Close closes the readers, which unblocks their fetch loops, then the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (b *KafkaBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
